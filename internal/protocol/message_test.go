package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/ir"
)

func TestMsgpackCodec_RoundTripRequest(t *testing.T) {
	m := Message{
		Kind:         KindRequest,
		Phase:        ir.PhaseRestarting,
		Epoch:        9,
		CheckpointID: "ckpt-1",
		Mode:         ir.ModeReplay,
		Connections: []ir.ConnectionID{
			{LocalEndpoint: "127.0.0.1:9777", PeerProcessID: "b", PeerEndpoint: "127.0.0.1:9778", DrainState: ir.DrainDrained},
		},
		Threads: []ir.ThreadID{1, 2},
	}

	b, err := encodeMessage(MsgpackCodec{}, m)
	require.NoError(t, err)
	got, err := decodeMessage(MsgpackCodec{}, b)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestJSONCodec_PhaseByName(t *testing.T) {
	b, err := encodeMessage(JSONCodec{}, Ack("w1", ir.PhaseDraining, 3))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"phase":"Draining"`)

	got, err := decodeMessage(JSONCodec{}, b)
	require.NoError(t, err)
	assert.Equal(t, ir.PhaseDraining, got.Phase)
	assert.Equal(t, StatusAck, got.Status)
}

func TestEncode_RequiresKind(t *testing.T) {
	_, err := encodeMessage(MsgpackCodec{}, Message{})
	assert.Error(t, err)
}

func TestDecode_RejectsGarbage(t *testing.T) {
	_, err := decodeMessage(MsgpackCodec{}, []byte{0xc1})
	assert.Error(t, err)
}

func TestMessage_String(t *testing.T) {
	assert.Equal(t, "Reply{w1 Draining epoch=2 Fail(drain timeout)}", Fail("w1", ir.PhaseDraining, 2, "drain timeout").String())
	assert.Equal(t, "Reply{w1 Idle epoch=0 Heartbeat}", Heartbeat("w1").String())
	assert.Equal(t, "Request{Suspending epoch=4}", Message{Kind: KindRequest, Phase: ir.PhaseSuspending, Epoch: 4}.String())
	assert.Equal(t, "Hello{w1 v1 restart=true}", Hello("w1", true).String())
	assert.Equal(t, "Abort{epoch=4}", Message{Kind: KindAbort, Epoch: 4}.String())
}
