package eventlog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/ir"
)

// memSink is an in-memory Sink and Source.
type memSink struct {
	entries map[ir.ProcessID][]ir.LogEntry
	batches int
	fail    error
}

func newMemSink() *memSink {
	return &memSink{entries: make(map[ir.ProcessID][]ir.LogEntry)}
}

func (m *memSink) AppendEntries(_ context.Context, p ir.ProcessID, entries []ir.LogEntry) error {
	if m.fail != nil {
		return m.fail
	}
	m.batches++
	m.entries[p] = append(m.entries[p], entries...)
	return nil
}

func (m *memSink) ThreadIDs(_ context.Context, p ir.ProcessID) ([]ir.ThreadID, error) {
	seen := map[ir.ThreadID]bool{}
	var out []ir.ThreadID
	for _, e := range m.entries[p] {
		if !seen[e.ThreadID] {
			seen[e.ThreadID] = true
			out = append(out, e.ThreadID)
		}
	}
	return out, nil
}

func (m *memSink) ReadThread(_ context.Context, p ir.ProcessID, tid ir.ThreadID, from int64) ([]ir.LogEntry, error) {
	var out []ir.LogEntry
	for _, e := range m.entries[p] {
		if e.ThreadID == tid && e.Seq >= from {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestSet_FlushWritesOneBatch(t *testing.T) {
	ctx := context.Background()
	sink := newMemSink()
	s := NewRecordSet("p1", nil)

	_, err := s.Thread(1).Append(ir.KindSyscallResult, []byte("a"))
	require.NoError(t, err)
	_, err = s.Thread(2).Append(ir.KindTimingValue, []byte("b"))
	require.NoError(t, err)

	n, err := s.Flush(ctx, sink)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, sink.batches)

	// Second flush has nothing new.
	n, err = s.Flush(ctx, sink)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, sink.batches)
}

func TestSet_FlushFailureKeepsEntries(t *testing.T) {
	ctx := context.Background()
	sink := newMemSink()
	sink.fail = errors.New("disk full")
	s := NewRecordSet("p1", nil)

	_, err := s.Thread(1).Append(ir.KindSyscallResult, nil)
	require.NoError(t, err)

	_, err = s.Flush(ctx, sink)
	require.Error(t, err)

	sink.fail = nil
	n, err := s.Flush(ctx, sink)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSet_FlushRefusesOpenInterception(t *testing.T) {
	ctx := context.Background()
	sink := newMemSink()
	s := NewRecordSet("p1", nil)

	_, err := s.Thread(1).Append(ir.KindSyscallResult, nil)
	require.NoError(t, err)
	_, err = s.Thread(2).Reserve()
	require.NoError(t, err)

	_, err = s.Flush(ctx, sink)
	require.Error(t, err)
	assert.True(t, IsNotSafePoint(err))
	assert.Empty(t, sink.entries["p1"], "nothing is written when any thread is not at a safe point")
}

func TestSet_PositionsOrderedByThread(t *testing.T) {
	s := NewRecordSet("p1", []ir.ThreadPosition{{ThreadID: 9, Next: 4}})
	_, err := s.Thread(2).Append(ir.KindSyscallResult, nil)
	require.NoError(t, err)

	assert.Equal(t, []ir.ThreadPosition{
		{ThreadID: 2, Next: 1},
		{ThreadID: 9, Next: 4},
	}, s.Positions())
}

func TestLoadReplaySet_FromPositions(t *testing.T) {
	ctx := context.Background()
	sink := newMemSink()
	rec := NewRecordSet("p1", nil)
	for i := 0; i < 4; i++ {
		_, err := rec.Thread(1).Append(ir.KindSyscallResult, []byte{byte(i)})
		require.NoError(t, err)
	}
	_, err := rec.Flush(ctx, sink)
	require.NoError(t, err)

	rep, err := LoadReplaySet(ctx, "p1", sink, []ir.ThreadPosition{{ThreadID: 1, Next: 2}})
	require.NoError(t, err)
	assert.Equal(t, ir.ModeReplay, rep.Mode())

	e, err := rep.Thread(1).Consume()
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.Seq)
	assert.Equal(t, []byte{2}, e.Payload)

	// Flush is a no-op in replay mode.
	n, err := rep.Flush(ctx, sink)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLoadReplaySet_UnknownThreadIsExhausted(t *testing.T) {
	rep, err := LoadReplaySet(context.Background(), "p1", newMemSink(), nil)
	require.NoError(t, err)

	_, err = rep.Thread(42).Consume()
	assert.True(t, IsLogExhausted(err))
}
