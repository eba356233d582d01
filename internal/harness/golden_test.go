package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGolden_Scenarios(t *testing.T) {
	for _, name := range []string{"two_worker_checkpoint", "drain_timeout_abort", "restart_replay"} {
		t.Run(name, func(t *testing.T) {
			s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
			require.NoError(t, err)
			RunWithGolden(t, s)
		})
	}
}

func TestMarshalTrace_OmitsUnsetFields(t *testing.T) {
	data, err := MarshalTrace("x", []TraceEvent{
		{Seq: 1, Type: EventPhase, Epoch: 1, From: "Idle", To: "Suspending"},
		{Seq: 2, Type: EventRecord, Process: "w1", Thread: int64p(0), Kind: "timing-value", Value: int64p(0)},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"events":2,"scenario":"x"}
{"epoch":1,"from":"Idle","seq":1,"to":"Suspending","type":"phase"}
{"kind":"timing-value","process":"w1","seq":2,"thread":0,"type":"record","value":0}
`, string(data))
}
