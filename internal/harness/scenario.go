package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/lockstep/internal/ir"
)

// Scenario describes a cluster, the steps run against it, and the
// assertions checked afterwards.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// DrainDeadlineMS bounds each connection drain. Zero means the default
	// drain policy.
	DrainDeadlineMS int `yaml:"drain_deadline_ms,omitempty"`

	Workers     []WorkerSpec     `yaml:"workers"`
	Connections []ConnectionSpec `yaml:"connections,omitempty"`
	Steps       []Step           `yaml:"steps"`
	Assertions  []Assertion      `yaml:"assertions,omitempty"`
}

// WorkerSpec declares one worker process.
type WorkerSpec struct {
	ID string `yaml:"id"`
}

// ConnectionSpec declares a connection. Between[0] is always a worker; when
// Silent is set Between[1] names an external peer that never drains.
type ConnectionSpec struct {
	Name    string    `yaml:"name"`
	Between [2]string `yaml:"between"`
	Silent  bool      `yaml:"silent,omitempty"`
}

// Step is exactly one action.
type Step struct {
	Checkpoint *CheckpointStep `yaml:"checkpoint,omitempty"`
	Record     *RecordStep     `yaml:"record,omitempty"`
	Restart    *RestartStep    `yaml:"restart,omitempty"`
	Replay     *ReplayStep     `yaml:"replay,omitempty"`
	Send       *SendStep       `yaml:"send,omitempty"`
}

// CheckpointStep triggers a checkpoint barrier.
type CheckpointStep struct {
	// Expect is "committed" or "aborted"; empty accepts either.
	Expect string `yaml:"expect,omitempty"`
}

// RecordStep runs one intercepted call live and records its outcome.
type RecordStep struct {
	Worker string `yaml:"worker"`
	Thread int64  `yaml:"thread"`
	Kind   string `yaml:"kind"`
	Value  int64  `yaml:"value"`
}

// RestartStep stops every worker and restores the cluster from a committed
// checkpoint.
type RestartStep struct {
	// Checkpoint is the 1-based index among checkpoints committed so far in
	// this run. Zero selects the latest.
	Checkpoint int    `yaml:"checkpoint,omitempty"`
	Mode       string `yaml:"mode,omitempty"`
	Expect     string `yaml:"expect,omitempty"`
}

// ReplayStep issues an intercepted call that must be satisfied from the log.
type ReplayStep struct {
	Worker string `yaml:"worker"`
	Thread int64  `yaml:"thread"`
	Kind   string `yaml:"kind"`
	Expect *int64 `yaml:"expect,omitempty"`
	// Error is "log_exhausted" or "divergence".
	Error string `yaml:"error,omitempty"`
}

// SendStep writes data from worker over a connection; the peer, unless
// silent, must receive it.
type SendStep struct {
	Worker     string `yaml:"worker"`
	Connection string `yaml:"connection"`
	Data       string `yaml:"data"`
}

// Assertion is checked after all steps have run.
type Assertion struct {
	Type   string   `yaml:"type"`
	Phases []string `yaml:"phases,omitempty"`
	Count  int      `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertPhaseOrder      = "phase_order"
	AssertCommittedCount  = "committed_count"
	AssertAbortedCount    = "aborted_count"
	AssertConnectionsLive = "connections_live"
)

// Step outcomes.
const (
	OutcomeCommitted    = "committed"
	OutcomeAborted      = "aborted"
	OutcomeCompleted    = "completed"
	OutcomeDelivered    = "delivered"
	OutcomeWritten      = "written"
	OutcomeLogExhausted = "log_exhausted"
	OutcomeDivergence   = "divergence"
)

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario validates data against the schema, decodes it with unknown
// fields rejected, and checks cross references.
func ParseScenario(data []byte) (*Scenario, error) {
	if err := validateSchema(data); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// validateScenario checks what the schema cannot: references between
// workers, connections and steps.
func validateScenario(s *Scenario) error {
	workers := make(map[string]bool, len(s.Workers))
	for _, w := range s.Workers {
		if workers[w.ID] {
			return fmt.Errorf("duplicate worker %q", w.ID)
		}
		workers[w.ID] = true
	}

	conns := make(map[string]ConnectionSpec, len(s.Connections))
	silent := false
	for _, c := range s.Connections {
		if _, dup := conns[c.Name]; dup {
			return fmt.Errorf("duplicate connection %q", c.Name)
		}
		a, b := c.Between[0], c.Between[1]
		if !workers[a] {
			return fmt.Errorf("connection %q: unknown worker %q", c.Name, a)
		}
		if a == b {
			return fmt.Errorf("connection %q: endpoints must differ", c.Name)
		}
		switch {
		case c.Silent && workers[b]:
			return fmt.Errorf("connection %q: silent peer %q must not be a worker", c.Name, b)
		case !c.Silent && !workers[b]:
			return fmt.Errorf("connection %q: unknown worker %q", c.Name, b)
		}
		silent = silent || c.Silent
		conns[c.Name] = c
	}

	for i, step := range s.Steps {
		if err := validateStep(step, workers, conns, silent); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

func validateStep(step Step, workers map[string]bool, conns map[string]ConnectionSpec, silent bool) error {
	set := 0
	for _, present := range []bool{step.Checkpoint != nil, step.Record != nil, step.Restart != nil, step.Replay != nil, step.Send != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one action is required, got %d", set)
	}

	switch {
	case step.Record != nil:
		if !workers[step.Record.Worker] {
			return fmt.Errorf("unknown worker %q", step.Record.Worker)
		}
		if _, err := ir.ParseEventKind(step.Record.Kind); err != nil {
			return err
		}
	case step.Replay != nil:
		if !workers[step.Replay.Worker] {
			return fmt.Errorf("unknown worker %q", step.Replay.Worker)
		}
		if _, err := ir.ParseEventKind(step.Replay.Kind); err != nil {
			return err
		}
		if (step.Replay.Expect == nil) == (step.Replay.Error == "") {
			return fmt.Errorf("replay needs exactly one of expect or error")
		}
	case step.Restart != nil:
		if silent {
			return fmt.Errorf("restart is not supported with silent connections")
		}
		if _, err := ir.ParseMode(step.Restart.Mode); err != nil {
			return err
		}
	case step.Send != nil:
		c, ok := conns[step.Send.Connection]
		if !ok {
			return fmt.Errorf("unknown connection %q", step.Send.Connection)
		}
		if step.Send.Worker != c.Between[0] && (c.Silent || step.Send.Worker != c.Between[1]) {
			return fmt.Errorf("worker %q is not an endpoint of %q", step.Send.Worker, c.Name)
		}
	}
	return nil
}
