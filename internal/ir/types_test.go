package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventKindNames(t *testing.T) {
	for _, k := range []EventKind{KindSyscallResult, KindSchedulingOrder, KindTimingValue, KindSignalDelivery} {
		parsed, err := ParseEventKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
		assert.True(t, k.Valid())
	}

	assert.False(t, EventKind(0).Valid())
	assert.Equal(t, "kind(9)", EventKind(9).String())

	_, err := ParseEventKind("bogus")
	assert.Error(t, err)
}

func TestPhaseJSON(t *testing.T) {
	b, err := json.Marshal(BarrierEvent{Seq: 1, Epoch: 2, From: PhaseIdle, To: PhaseSuspending})
	require.NoError(t, err)
	assert.JSONEq(t, `{"seq":1,"epoch":2,"from":"Idle","to":"Suspending"}`, string(b))

	var ev BarrierEvent
	require.NoError(t, json.Unmarshal(b, &ev))
	assert.Equal(t, PhaseSuspending, ev.To)
}

func TestParsePhaseUnknown(t *testing.T) {
	_, err := ParsePhase("Sleeping")
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("replay")
	require.NoError(t, err)
	assert.Equal(t, ModeReplay, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeRecord, m)

	_, err = ParseMode("rewind")
	assert.Error(t, err)
}

func TestConnectionKeySymmetric(t *testing.T) {
	assert.Equal(t, ConnectionKey("db", "p1", "p2"), ConnectionKey("db", "p2", "p1"))
	assert.NotEqual(t, ConnectionKey("db", "p1", "p2"), ConnectionKey("cache", "p1", "p2"))
}

func TestDrainStateString(t *testing.T) {
	assert.Equal(t, "Live", DrainLive.String())
	assert.Equal(t, "Drained", DrainDrained.String())
	assert.Equal(t, "Restoring", DrainRestoring.String())
}
