package harness

import (
	"bytes"
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/ir"
)

// MarshalTrace renders a trace as one canonical JSON object per line,
// preceded by a header naming the scenario.
func MarshalTrace(name string, trace []TraceEvent) ([]byte, error) {
	var buf bytes.Buffer
	header, err := ir.MarshalCanonical(map[string]any{"scenario": name, "events": len(trace)})
	if err != nil {
		return nil, err
	}
	buf.Write(header)
	buf.WriteByte('\n')
	for _, ev := range trace {
		line, err := ir.MarshalCanonical(ev.canonical())
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// RunWithGolden runs the scenario, requires it to pass, and compares its
// trace with testdata/golden/<name>.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, s *Scenario) *Result {
	t.Helper()

	result, err := Run(context.Background(), s, Options{Dir: t.TempDir()})
	require.NoError(t, err)
	require.True(t, result.Pass, "scenario %s failed: %v", s.Name, result.Errors)
	AssertGolden(t, s.Name, result)
	return result
}

// AssertGolden compares an existing result's trace with its golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	data, err := MarshalTrace(name, result.Trace)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}
