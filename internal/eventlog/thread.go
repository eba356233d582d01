package eventlog

import (
	"fmt"
	"sync"

	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/seq"
)

// ThreadLog is the event log of a single application thread.
//
// The owning thread is the only caller of Reserve/Append/Consume. The worker
// reads positions and drains unflushed entries from its control goroutine,
// but only while the owner is parked at a safe point; the mutex makes that
// hand-off explicit.
type ThreadLog struct {
	mu     sync.Mutex
	thread ir.ThreadID
	mode   ir.Mode

	// record mode
	seq     *seq.Sequencer
	base    int64 // seq of pending[0]
	pending []slotState

	// replay mode
	entries []ir.LogEntry
	cursor  int
	next    int64
}

type slotState struct {
	entry     ir.LogEntry
	committed bool
}

// Slot is a reserved, not yet committed, record-mode log position.
type Slot struct {
	log  *ThreadLog
	seq  int64
	done bool
}

// NewRecordLog creates a record-mode log whose first entry has seq start.
func NewRecordLog(thread ir.ThreadID, start int64) *ThreadLog {
	return &ThreadLog{
		thread: thread,
		mode:   ir.ModeRecord,
		seq:    seq.NewAt(start),
		base:   start,
	}
}

// NewReplayLog creates a replay-mode log over entries, expecting the first
// consumed entry to carry seq start. Entries are consumed in the order given
// and are never re-sorted; ordering problems surface as LogCorruption on the
// consume that hits them.
func NewReplayLog(thread ir.ThreadID, start int64, entries []ir.LogEntry) *ThreadLog {
	cp := make([]ir.LogEntry, len(entries))
	copy(cp, entries)
	return &ThreadLog{
		thread:  thread,
		mode:    ir.ModeReplay,
		entries: cp,
		next:    start,
	}
}

// ThreadID returns the owning thread.
func (l *ThreadLog) ThreadID() ir.ThreadID { return l.thread }

// Mode returns the log's mode.
func (l *ThreadLog) Mode() ir.Mode { return l.mode }

// Reserve claims the next sequence number for an interception that has just
// started. The slot must be committed before the thread can be flushed.
func (l *ThreadLog) Reserve() (*Slot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.mode != ir.ModeRecord {
		return nil, l.wrongMode("reserve")
	}
	n := l.seq.Next()
	l.pending = append(l.pending, slotState{entry: ir.LogEntry{ThreadID: l.thread, Seq: n}})
	return &Slot{log: l, seq: n}, nil
}

// Seq returns the sequence number held by the slot.
func (s *Slot) Seq() int64 { return s.seq }

// Commit fills the slot with the observed outcome.
func (s *Slot) Commit(kind ir.EventKind, payload []byte) (ir.LogEntry, error) {
	l := s.log
	l.mu.Lock()
	defer l.mu.Unlock()

	if s.done {
		return ir.LogEntry{}, fmt.Errorf("slot %d of thread %d already committed", s.seq, l.thread)
	}
	if !kind.Valid() {
		return ir.LogEntry{}, fmt.Errorf("invalid event kind %d", uint8(kind))
	}
	idx := s.seq - l.base
	if idx < 0 || idx >= int64(len(l.pending)) {
		return ir.LogEntry{}, NewCorruptionError(l.thread, s.seq, "slot no longer pending", nil)
	}

	p := make([]byte, len(payload))
	copy(p, payload)
	l.pending[idx].entry.Kind = kind
	l.pending[idx].entry.Payload = p
	l.pending[idx].committed = true
	s.done = true
	return l.pending[idx].entry, nil
}

// Append records a completed event in one step.
func (l *ThreadLog) Append(kind ir.EventKind, payload []byte) (ir.LogEntry, error) {
	slot, err := l.Reserve()
	if err != nil {
		return ir.LogEntry{}, err
	}
	return slot.Commit(kind, payload)
}

// Unflushed returns the entries appended since the last MarkFlushed.
// It fails with a not-at-safe-point error while any slot is still open.
func (l *ThreadLog) Unflushed() ([]ir.LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.mode != ir.ModeRecord {
		return nil, nil
	}
	out := make([]ir.LogEntry, 0, len(l.pending))
	for _, p := range l.pending {
		if !p.committed {
			return nil, &LogError{
				Code:     ErrCodeNotSafePoint,
				Message:  "interception still open",
				ThreadID: l.thread,
				Seq:      p.entry.Seq,
			}
		}
		out = append(out, p.entry)
	}
	return out, nil
}

// MarkFlushed drops entries below next from memory once they are durable.
func (l *ThreadLog) MarkFlushed(next int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := next - l.base
	if n <= 0 {
		return
	}
	if n > int64(len(l.pending)) {
		n = int64(len(l.pending))
	}
	for i := int64(0); i < n; i++ {
		l.pending[i] = slotState{}
	}
	l.pending = l.pending[n:]
	l.base += n
}

// Consume returns the next recorded entry in replay mode.
func (l *ThreadLog) Consume() (ir.LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.mode != ir.ModeReplay {
		return ir.LogEntry{}, l.wrongMode("consume")
	}
	if l.cursor >= len(l.entries) {
		return ir.LogEntry{}, NewExhaustedError(l.thread, l.next)
	}

	e := l.entries[l.cursor]
	if e.ThreadID != l.thread {
		return ir.LogEntry{}, NewCorruptionError(l.thread, l.next, "entry belongs to another thread", map[string]string{
			"owner": fmt.Sprintf("%d", e.ThreadID),
		})
	}
	if e.Seq != l.next {
		return ir.LogEntry{}, NewCorruptionError(l.thread, l.next, "sequence not monotonic", map[string]string{
			"expected": fmt.Sprintf("%d", l.next),
			"found":    fmt.Sprintf("%d", e.Seq),
		})
	}

	l.cursor++
	l.next++
	return e, nil
}

// Remaining returns the number of entries not yet consumed in replay mode.
func (l *ThreadLog) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries) - l.cursor
}

// Position returns the seq the thread will use next: the next append in
// record mode, the next consume in replay mode.
func (l *ThreadLog) Position() ir.ThreadPosition {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.mode == ir.ModeReplay {
		return ir.ThreadPosition{ThreadID: l.thread, Next: l.next}
	}
	return ir.ThreadPosition{ThreadID: l.thread, Next: l.seq.Current()}
}

func (l *ThreadLog) wrongMode(op string) error {
	return &LogError{
		Code:     ErrCodeWrongMode,
		Message:  fmt.Sprintf("%s not allowed in %s mode", op, l.mode),
		ThreadID: l.thread,
	}
}
