package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/ir"
)

func TestCheckpointCatalog(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.LatestCommitted(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.RecordCheckpoint(ctx, "sess", ir.CheckpointRecord{
		ID: "c1", Epoch: 1, Status: ir.CheckpointCommitted, Participants: []ir.ProcessID{"p1", "p2"},
	}))
	require.NoError(t, s.RecordCheckpoint(ctx, "sess", ir.CheckpointRecord{
		ID: "c2", Epoch: 2, Status: ir.CheckpointAborted, Participants: []ir.ProcessID{"p1", "p2"}, Reason: "drain timeout",
	}))

	latest, err := s.LatestCommitted(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c1", latest.ID, "aborted attempts are never restart targets")
	assert.Equal(t, []ir.ProcessID{"p1", "p2"}, latest.Participants)

	got, err := s.GetCheckpoint(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, ir.CheckpointAborted, got.Status)
	assert.Equal(t, "drain timeout", got.Reason)

	_, err = s.GetCheckpoint(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := s.ListCheckpoints(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c1", list[0].ID)
}

func TestRecordCheckpoint_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	rec := ir.CheckpointRecord{ID: "c1", Epoch: 1, Status: ir.CheckpointCommitted, Participants: []ir.ProcessID{"p1"}}

	require.NoError(t, s.RecordCheckpoint(ctx, "sess", rec))
	require.NoError(t, s.RecordCheckpoint(ctx, "sess", rec))

	list, err := s.ListCheckpoints(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestBarrierEvents(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	phases := []ir.Phase{ir.PhaseIdle, ir.PhaseSuspending, ir.PhaseDraining, ir.PhaseCheckpointing, ir.PhaseIdle}
	for i := 0; i+1 < len(phases); i++ {
		seq, err := s.AppendBarrierEvent(ctx, ir.BarrierEvent{Epoch: 1, From: phases[i], To: phases[i+1]})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), seq)
	}

	evs, err := s.ListBarrierEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, ir.PhaseDraining, evs[0].From)
	assert.Equal(t, ir.PhaseCheckpointing, evs[0].To)
	assert.Equal(t, ir.PhaseIdle, evs[1].To)
	assert.Equal(t, int64(4), evs[1].Seq)
}
