package ir

import "fmt"

// ProcessID identifies a participant process across checkpoints and restarts.
// A restarted process keeps the ProcessID of the process it was restored from.
type ProcessID string

// ThreadID identifies an application thread within a process.
type ThreadID int64

// EventKind categorizes a nondeterministic event captured in a thread log.
type EventKind uint8

const (
	// KindSyscallResult is the return value (or errno) of an intercepted call.
	KindSyscallResult EventKind = iota + 1
	// KindSchedulingOrder is the outcome of a scheduling-dependent race
	// (lock acquisition order, wakeup order).
	KindSchedulingOrder
	// KindTimingValue is a clock or timer reading.
	KindTimingValue
	// KindSignalDelivery is the delivery point of an asynchronous signal.
	KindSignalDelivery
)

var eventKindNames = map[EventKind]string{
	KindSyscallResult:   "syscall-result",
	KindSchedulingOrder: "scheduling-order",
	KindTimingValue:     "timing-value",
	KindSignalDelivery:  "signal-delivery",
}

// String returns the canonical kind name used in logs and scenario files.
func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is one of the known event kinds.
func (k EventKind) Valid() bool {
	_, ok := eventKindNames[k]
	return ok
}

// ParseEventKind converts a canonical kind name back to an EventKind.
func ParseEventKind(s string) (EventKind, error) {
	for k, name := range eventKindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown event kind %q", s)
}

// LogEntry is one recorded nondeterministic event.
//
// Entries are append-only: once appended they are never mutated. Seq is
// strictly increasing and gapless within a ThreadID, starting at 0.
type LogEntry struct {
	ThreadID ThreadID  `json:"thread_id" msgpack:"thread_id"`
	Seq      int64     `json:"seq" msgpack:"seq"`
	Kind     EventKind `json:"kind" msgpack:"kind"`
	Payload  []byte    `json:"payload" msgpack:"payload"`
}

// DrainState is the checkpoint state of a single connection.
type DrainState uint8

const (
	DrainLive DrainState = iota
	DrainDraining
	DrainDrained
	DrainRestoring
)

func (s DrainState) String() string {
	switch s {
	case DrainLive:
		return "Live"
	case DrainDraining:
		return "Draining"
	case DrainDrained:
		return "Drained"
	case DrainRestoring:
		return "Restoring"
	default:
		return fmt.Sprintf("DrainState(%d)", uint8(s))
	}
}

// ConnectionID identifies one endpoint of a peer connection.
type ConnectionID struct {
	LocalEndpoint string     `json:"local_endpoint" msgpack:"local_endpoint"`
	PeerProcessID ProcessID  `json:"peer_process_id" msgpack:"peer_process_id"`
	PeerEndpoint  string     `json:"peer_endpoint" msgpack:"peer_endpoint"`
	DrainState    DrainState `json:"drain_state" msgpack:"drain_state"`
}

// Key returns the identity of the connection independent of its drain state.
// Both endpoints of a connection agree on the key when given the same
// (name, process) pair, see ConnectionKey.
func (c ConnectionID) Key() string {
	return fmt.Sprintf("%s|%s|%s", c.LocalEndpoint, c.PeerProcessID, c.PeerEndpoint)
}

// ConnectionKey returns a symmetric name for a logical connection between two
// processes so both ends can match a re-established transport to the same
// connection on restore.
func ConnectionKey(name string, a, b ProcessID) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("%s/%s/%s", name, a, b)
}

// Phase is a phase of the global checkpoint barrier.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseSuspending
	PhaseDraining
	PhaseCheckpointing
	PhaseResuming
	PhaseRestarting
)

var phaseNames = [...]string{
	PhaseIdle:          "Idle",
	PhaseSuspending:    "Suspending",
	PhaseDraining:      "Draining",
	PhaseCheckpointing: "Checkpointing",
	PhaseResuming:      "Resuming",
	PhaseRestarting:    "Restarting",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", uint8(p))
}

// ParsePhase converts a phase name back to a Phase.
func ParsePhase(s string) (Phase, error) {
	for i, name := range phaseNames {
		if name == s {
			return Phase(i), nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}

// Mode selects how the interception boundary treats nondeterministic calls.
type Mode uint8

const (
	// ModeRecord executes calls live and appends their outcomes to the log.
	ModeRecord Mode = iota
	// ModeReplay substitutes logged outcomes for live execution.
	ModeReplay
)

func (m Mode) String() string {
	if m == ModeReplay {
		return "replay"
	}
	return "record"
}

// ParseMode parses "record" or "replay".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "record":
		return ModeRecord, nil
	case "replay":
		return ModeReplay, nil
	default:
		return ModeRecord, fmt.Errorf("unknown mode %q", s)
	}
}

// ProcessRecord is the coordinator's view of one participant.
type ProcessRecord struct {
	ProcessID   ProcessID      `json:"process_id"`
	Phase       Phase          `json:"phase"`
	Connections []ConnectionID `json:"connections"`
	Threads     []ThreadID     `json:"threads"`
}

// ThreadPosition is the last appended (record) or consumed (replay) position
// of one thread log. Next is the seq the thread will use next.
type ThreadPosition struct {
	ThreadID ThreadID `json:"thread_id"`
	Next     int64    `json:"next"`
}

// CheckpointStatus is the outcome of a checkpoint attempt.
type CheckpointStatus string

const (
	CheckpointCommitted CheckpointStatus = "committed"
	CheckpointAborted   CheckpointStatus = "aborted"
)

// CheckpointRecord is a catalog entry written by the coordinator.
type CheckpointRecord struct {
	ID           string           `json:"id"`
	Epoch        int64            `json:"epoch"`
	Status       CheckpointStatus `json:"status"`
	Participants []ProcessID      `json:"participants"`
	Reason       string           `json:"reason,omitempty"`
}

// BarrierEvent is one entry of the coordinator's barrier history.
type BarrierEvent struct {
	Seq       int64     `json:"seq"`
	Epoch     int64     `json:"epoch"`
	From      Phase     `json:"from"`
	To        Phase     `json:"to"`
	ProcessID ProcessID `json:"process_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a phase name.
func (p *Phase) UnmarshalText(b []byte) error {
	v, err := ParsePhase(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// MarshalText encodes the kind by name.
func (k EventKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid event kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *EventKind) UnmarshalText(b []byte) error {
	v, err := ParseEventKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}
