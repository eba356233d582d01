package protocol

import (
	"fmt"

	"github.com/roach88/lockstep/internal/ir"
)

// Kind is the type of a control message.
type Kind uint8

const (
	// KindHello registers a worker with the coordinator.
	KindHello Kind = iota + 1
	// KindWelcome accepts a registration.
	KindWelcome
	// KindRequest asks a worker to perform a barrier phase.
	KindRequest
	// KindReply carries a worker's ack, failure or heartbeat.
	KindReply
	// KindCommit ends a barrier successfully.
	KindCommit
	// KindAbort abandons the current barrier.
	KindAbort
	// KindBye deregisters a worker.
	KindBye
)

var kindNames = [...]string{
	KindHello:   "Hello",
	KindWelcome: "Welcome",
	KindRequest: "Request",
	KindReply:   "Reply",
	KindCommit:  "Commit",
	KindAbort:   "Abort",
	KindBye:     "Bye",
}

func (k Kind) String() string {
	if k > 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Status is the outcome carried by a Reply.
type Status uint8

const (
	StatusAck Status = iota + 1
	StatusFail
	StatusHeartbeat
)

func (s Status) String() string {
	switch s {
	case StatusAck:
		return "Ack"
	case StatusFail:
		return "Fail"
	case StatusHeartbeat:
		return "Heartbeat"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Message is one control message. Which fields are meaningful depends on
// Kind.
type Message struct {
	Kind      Kind         `msgpack:"k" json:"kind"`
	Phase     ir.Phase     `msgpack:"p,omitempty" json:"phase"`
	ProcessID ir.ProcessID `msgpack:"pid,omitempty" json:"process_id,omitempty"`
	Status    Status       `msgpack:"s,omitempty" json:"status,omitempty"`
	Reason    string       `msgpack:"r,omitempty" json:"reason,omitempty"`
	Epoch     uint64       `msgpack:"e,omitempty" json:"epoch,omitempty"`

	// Hello only.
	Version int  `msgpack:"v,omitempty" json:"version,omitempty"`
	Restart bool `msgpack:"rs,omitempty" json:"restart,omitempty"`

	// Request during Checkpointing and Restarting: the checkpoint being
	// written or restored, and the log mode to resume in.
	CheckpointID string  `msgpack:"cp,omitempty" json:"checkpoint_id,omitempty"`
	Mode         ir.Mode `msgpack:"m,omitempty" json:"mode,omitempty"`

	// Reply during Draining: the worker's connection table, reported so the
	// coordinator's process records mirror the workers'.
	Connections []ir.ConnectionID `msgpack:"c,omitempty" json:"connections,omitempty"`
	Threads     []ir.ThreadID     `msgpack:"t,omitempty" json:"threads,omitempty"`
}

func (m Message) String() string {
	switch m.Kind {
	case KindReply:
		if m.Status == StatusFail {
			return fmt.Sprintf("Reply{%s %s epoch=%d Fail(%s)}", m.ProcessID, m.Phase, m.Epoch, m.Reason)
		}
		return fmt.Sprintf("Reply{%s %s epoch=%d %s}", m.ProcessID, m.Phase, m.Epoch, m.Status)
	case KindRequest:
		return fmt.Sprintf("Request{%s epoch=%d}", m.Phase, m.Epoch)
	case KindHello:
		return fmt.Sprintf("Hello{%s v%d restart=%t}", m.ProcessID, m.Version, m.Restart)
	default:
		return fmt.Sprintf("%s{epoch=%d}", m.Kind, m.Epoch)
	}
}

// Hello builds a registration message.
func Hello(pid ir.ProcessID, restart bool) Message {
	return Message{Kind: KindHello, ProcessID: pid, Version: ir.ProtocolVersion, Restart: restart}
}

// Ack builds a reply acknowledging phase.
func Ack(pid ir.ProcessID, phase ir.Phase, epoch uint64) Message {
	return Message{Kind: KindReply, ProcessID: pid, Phase: phase, Epoch: epoch, Status: StatusAck}
}

// Fail builds a reply reporting that phase could not be completed.
func Fail(pid ir.ProcessID, phase ir.Phase, epoch uint64, reason string) Message {
	return Message{Kind: KindReply, ProcessID: pid, Phase: phase, Epoch: epoch, Status: StatusFail, Reason: reason}
}

// Heartbeat builds a liveness reply.
func Heartbeat(pid ir.ProcessID) Message {
	return Message{Kind: KindReply, ProcessID: pid, Status: StatusHeartbeat}
}
