package eventlog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/lockstep/internal/ir"
)

// Sink receives flushed entries. AppendEntries must write the whole batch
// atomically: either every entry becomes durable or none does.
type Sink interface {
	AppendEntries(ctx context.Context, process ir.ProcessID, entries []ir.LogEntry) error
}

// Source loads durable entries for replay.
type Source interface {
	ThreadIDs(ctx context.Context, process ir.ProcessID) ([]ir.ThreadID, error)
	ReadThread(ctx context.Context, process ir.ProcessID, thread ir.ThreadID, from int64) ([]ir.LogEntry, error)
}

// Set holds every thread log of one process.
type Set struct {
	mu      sync.Mutex
	process ir.ProcessID
	mode    ir.Mode
	logs    map[ir.ThreadID]*ThreadLog
}

// NewRecordSet creates an empty record-mode set. Threads seen in positions
// resume at their recorded position; unknown threads start at 0.
func NewRecordSet(process ir.ProcessID, positions []ir.ThreadPosition) *Set {
	s := &Set{
		process: process,
		mode:    ir.ModeRecord,
		logs:    make(map[ir.ThreadID]*ThreadLog),
	}
	for _, p := range positions {
		s.logs[p.ThreadID] = NewRecordLog(p.ThreadID, p.Next)
	}
	return s
}

// LoadReplaySet builds a replay-mode set from src. Each thread's replay
// starts at its checkpointed position; threads with no position start at 0.
func LoadReplaySet(ctx context.Context, process ir.ProcessID, src Source, positions []ir.ThreadPosition) (*Set, error) {
	threads, err := src.ThreadIDs(ctx, process)
	if err != nil {
		return nil, fmt.Errorf("load replay set: %w", err)
	}

	from := make(map[ir.ThreadID]int64, len(positions))
	for _, p := range positions {
		from[p.ThreadID] = p.Next
	}
	for _, p := range positions {
		if !containsThread(threads, p.ThreadID) {
			threads = append(threads, p.ThreadID)
		}
	}

	s := &Set{
		process: process,
		mode:    ir.ModeReplay,
		logs:    make(map[ir.ThreadID]*ThreadLog, len(threads)),
	}
	for _, tid := range threads {
		start := from[tid]
		entries, err := src.ReadThread(ctx, process, tid, start)
		if err != nil {
			return nil, fmt.Errorf("load replay set: thread %d: %w", tid, err)
		}
		s.logs[tid] = NewReplayLog(tid, start, entries)
	}
	return s, nil
}

func containsThread(ids []ir.ThreadID, id ir.ThreadID) bool {
	for _, t := range ids {
		if t == id {
			return true
		}
	}
	return false
}

// Process returns the owning process.
func (s *Set) Process() ir.ProcessID { return s.process }

// Mode returns the set's mode.
func (s *Set) Mode() ir.Mode { return s.mode }

// Thread returns the log of a thread, creating an empty one on first use.
// A replay-mode thread that was never recorded gets an empty log, so its
// first consume reports LogExhausted.
func (s *Set) Thread(id ir.ThreadID) *ThreadLog {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.logs[id]; ok {
		return l
	}
	var l *ThreadLog
	if s.mode == ir.ModeReplay {
		l = NewReplayLog(id, 0, nil)
	} else {
		l = NewRecordLog(id, 0)
	}
	s.logs[id] = l
	return l
}

// Threads returns the thread IDs in ascending order.
func (s *Set) Threads() []ir.ThreadID {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]ir.ThreadID, 0, len(s.logs))
	for id := range s.logs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Positions returns every thread's current position, ordered by thread.
func (s *Set) Positions() []ir.ThreadPosition {
	ids := s.Threads()
	out := make([]ir.ThreadPosition, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.Thread(id).Position())
	}
	return out
}

// Flush writes every thread's unflushed entries to sink as one batch.
// Replay-mode sets have nothing to flush.
//
// Flush must only be called while all threads are parked at safe points;
// an open interception fails the flush and nothing is written.
func (s *Set) Flush(ctx context.Context, sink Sink) (int, error) {
	if s.mode != ir.ModeRecord {
		return 0, nil
	}

	ids := s.Threads()
	var batch []ir.LogEntry
	marks := make(map[ir.ThreadID]int64, len(ids))
	for _, id := range ids {
		entries, err := s.Thread(id).Unflushed()
		if err != nil {
			return 0, fmt.Errorf("flush %s: %w", s.process, err)
		}
		if len(entries) == 0 {
			continue
		}
		batch = append(batch, entries...)
		marks[id] = entries[len(entries)-1].Seq + 1
	}
	if len(batch) == 0 {
		return 0, nil
	}

	if err := sink.AppendEntries(ctx, s.process, batch); err != nil {
		return 0, fmt.Errorf("flush %s: %w", s.process, err)
	}
	for id, next := range marks {
		s.Thread(id).MarkFlushed(next)
	}
	return len(batch), nil
}
