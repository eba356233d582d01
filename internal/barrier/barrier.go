// Package barrier implements the coordinator's global checkpoint barrier as
// a pure state machine.
//
// The barrier has no goroutines, clocks or I/O. The coordinator's event loop
// owns one Barrier and feeds it participant acks and failures; every call
// returns the resulting Transition (if any) for the loop to broadcast,
// persist and trace.
//
// Checkpoint:
//
//	Idle -> Suspending -> Draining -> Checkpointing -> Idle (committed)
//
// Restart:
//
//	Idle -> Restarting -> Resuming -> Idle (completed)
//
// A phase advances only when every participant of the current epoch has
// acked it. Any failure before completion aborts the whole barrier to Idle.
package barrier

import (
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/lockstep/internal/ir"
)

// Kind distinguishes checkpoint barriers from restart barriers.
type Kind uint8

const (
	KindCheckpoint Kind = iota + 1
	KindRestart
)

func (k Kind) String() string {
	switch k {
	case KindCheckpoint:
		return "checkpoint"
	case KindRestart:
		return "restart"
	default:
		return "none"
	}
}

var (
	// ErrBusy is returned when a barrier is started while another runs.
	ErrBusy = errors.New("barrier: another barrier is in progress")
	// ErrNoParticipants is returned when a barrier is started with nobody.
	ErrNoParticipants = errors.New("barrier: no participants")
	// ErrNotParticipant is returned for acks from outside the participant set.
	ErrNotParticipant = errors.New("barrier: not a participant")
	// ErrStale is returned for acks of an earlier epoch or phase.
	ErrStale = errors.New("barrier: stale ack")
)

// Transition describes one phase change.
type Transition struct {
	Kind  Kind
	Epoch uint64
	From  ir.Phase
	To    ir.Phase

	// Completed is set when the barrier returns to Idle successfully.
	Completed bool
	// Aborted is set when the barrier returns to Idle through a failure.
	Aborted bool
	// ProcessID is the participant whose failure caused an abort.
	ProcessID ir.ProcessID
	Reason    string
}

func (t Transition) String() string {
	switch {
	case t.Aborted && t.ProcessID != "":
		return fmt.Sprintf("%s -> %s (abort by %s: %s)", t.From, t.To, t.ProcessID, t.Reason)
	case t.Aborted:
		return fmt.Sprintf("%s -> %s (abort: %s)", t.From, t.To, t.Reason)
	case t.Completed:
		return fmt.Sprintf("%s -> %s (%s complete)", t.From, t.To, t.Kind)
	default:
		return fmt.Sprintf("%s -> %s", t.From, t.To)
	}
}

// Next returns the phase that follows phase in a barrier of kind, and
// whether reaching it completes the barrier.
func Next(kind Kind, phase ir.Phase) (ir.Phase, bool) {
	switch kind {
	case KindCheckpoint:
		switch phase {
		case ir.PhaseSuspending:
			return ir.PhaseDraining, false
		case ir.PhaseDraining:
			return ir.PhaseCheckpointing, false
		case ir.PhaseCheckpointing:
			return ir.PhaseIdle, true
		}
	case KindRestart:
		switch phase {
		case ir.PhaseRestarting:
			return ir.PhaseResuming, false
		case ir.PhaseResuming:
			return ir.PhaseIdle, true
		}
	}
	return phase, false
}

// AllAcked reports whether every participant is in acks.
func AllAcked(participants []ir.ProcessID, acks map[ir.ProcessID]bool) bool {
	for _, p := range participants {
		if !acks[p] {
			return false
		}
	}
	return true
}

// Advance returns the phase the barrier moves to given the current ack
// set. It returns phase unchanged until all participants have acked.
func Advance(kind Kind, phase ir.Phase, participants []ir.ProcessID, acks map[ir.ProcessID]bool) (next ir.Phase, completed bool) {
	if phase == ir.PhaseIdle || len(participants) == 0 || !AllAcked(participants, acks) {
		return phase, false
	}
	return Next(kind, phase)
}

// Barrier is the coordinator-owned checkpoint barrier. It is not safe for
// concurrent use; the coordinator's event loop is its only caller.
type Barrier struct {
	phase        ir.Phase
	kind         Kind
	epoch        uint64
	participants []ir.ProcessID
	acks         map[ir.ProcessID]bool
}

// New returns an Idle barrier whose next epoch is 1.
func New() *Barrier {
	return &Barrier{acks: make(map[ir.ProcessID]bool)}
}

// NewAt returns an Idle barrier that continues numbering after epoch.
func NewAt(epoch uint64) *Barrier {
	b := New()
	b.epoch = epoch
	return b
}

func (b *Barrier) Phase() ir.Phase { return b.phase }
func (b *Barrier) Kind() Kind      { return b.kind }

// Epoch returns the current (or most recent) barrier epoch.
func (b *Barrier) Epoch() uint64 { return b.epoch }

// Participants returns the participant set of the current barrier.
func (b *Barrier) Participants() []ir.ProcessID {
	return append([]ir.ProcessID(nil), b.participants...)
}

// IsParticipant reports whether pid takes part in the current barrier.
func (b *Barrier) IsParticipant(pid ir.ProcessID) bool {
	i := sort.Search(len(b.participants), func(i int) bool { return b.participants[i] >= pid })
	return i < len(b.participants) && b.participants[i] == pid
}

// Pending returns participants that have not acked the current phase.
func (b *Barrier) Pending() []ir.ProcessID {
	var out []ir.ProcessID
	for _, p := range b.participants {
		if !b.acks[p] {
			out = append(out, p)
		}
	}
	return out
}

// BeginCheckpoint starts a checkpoint barrier: Idle -> Suspending.
func (b *Barrier) BeginCheckpoint(participants []ir.ProcessID) (Transition, error) {
	return b.begin(KindCheckpoint, ir.PhaseSuspending, participants)
}

// BeginRestart starts a restart barrier: Idle -> Restarting.
func (b *Barrier) BeginRestart(participants []ir.ProcessID) (Transition, error) {
	return b.begin(KindRestart, ir.PhaseRestarting, participants)
}

func (b *Barrier) begin(kind Kind, first ir.Phase, participants []ir.ProcessID) (Transition, error) {
	if b.phase != ir.PhaseIdle {
		return Transition{}, fmt.Errorf("%w: %s in %s", ErrBusy, b.kind, b.phase)
	}
	set := dedupe(participants)
	if len(set) == 0 {
		return Transition{}, ErrNoParticipants
	}
	b.epoch++
	b.kind = kind
	b.phase = first
	b.participants = set
	b.acks = make(map[ir.ProcessID]bool, len(set))
	return Transition{Kind: kind, Epoch: b.epoch, From: ir.PhaseIdle, To: first}, nil
}

// Ack records that pid completed phase of epoch. When the ack completes
// the set, the barrier advances and the transition is returned.
func (b *Barrier) Ack(pid ir.ProcessID, phase ir.Phase, epoch uint64) (Transition, bool, error) {
	if b.phase == ir.PhaseIdle || epoch != b.epoch || phase != b.phase {
		return Transition{}, false, fmt.Errorf("%w: %s acked %s epoch %d, barrier is %s epoch %d",
			ErrStale, pid, phase, epoch, b.phase, b.epoch)
	}
	if !b.IsParticipant(pid) {
		return Transition{}, false, fmt.Errorf("%w: %s", ErrNotParticipant, pid)
	}
	b.acks[pid] = true

	next, completed := Advance(b.kind, b.phase, b.participants, b.acks)
	if next == b.phase {
		return Transition{}, false, nil
	}
	t := Transition{Kind: b.kind, Epoch: b.epoch, From: b.phase, To: next, Completed: completed}
	b.phase = next
	b.acks = make(map[ir.ProcessID]bool, len(b.participants))
	return t, true, nil
}

// Fail aborts the barrier because pid could not complete its phase. A
// failure from a non-participant, or while Idle, changes nothing.
func (b *Barrier) Fail(pid ir.ProcessID, reason string) (Transition, bool) {
	if b.phase == ir.PhaseIdle || !b.IsParticipant(pid) {
		return Transition{}, false
	}
	t, _ := b.Abort(reason)
	t.ProcessID = pid
	return t, true
}

// Abort returns the barrier to Idle. Aborting an Idle barrier is a no-op.
func (b *Barrier) Abort(reason string) (Transition, bool) {
	if b.phase == ir.PhaseIdle {
		return Transition{}, false
	}
	t := Transition{Kind: b.kind, Epoch: b.epoch, From: b.phase, To: ir.PhaseIdle, Aborted: true, Reason: reason}
	b.phase = ir.PhaseIdle
	b.acks = make(map[ir.ProcessID]bool)
	return t, true
}

func dedupe(ps []ir.ProcessID) []ir.ProcessID {
	seen := make(map[ir.ProcessID]bool, len(ps))
	out := make([]ir.ProcessID, 0, len(ps))
	for _, p := range ps {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
