package harness

import (
	"github.com/roach88/lockstep/internal/ir"
)

// Trace event types.
const (
	EventPhase      = "phase"
	EventCheckpoint = "checkpoint"
	EventRestart    = "restart"
	EventRecord     = "record"
	EventReplay     = "replay"
	EventSend       = "send"
)

// TraceEvent is one observable step of a scenario run.
type TraceEvent struct {
	Seq     int64  `json:"seq"`
	Type    string `json:"type"`
	Epoch   int64  `json:"epoch,omitempty"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Process string `json:"process,omitempty"`
	Conn    string `json:"connection,omitempty"`
	Thread  *int64 `json:"thread,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Value   *int64 `json:"value,omitempty"`
	Mode    string `json:"mode,omitempty"`
	Outcome string `json:"outcome,omitempty"`
}

// canonical converts the event for ir.MarshalCanonical, leaving out unset
// fields.
func (e TraceEvent) canonical() map[string]any {
	m := map[string]any{
		"seq":  e.Seq,
		"type": e.Type,
	}
	if e.Epoch != 0 {
		m["epoch"] = e.Epoch
	}
	optional := map[string]string{
		"from":       e.From,
		"to":         e.To,
		"process":    e.Process,
		"connection": e.Conn,
		"kind":       e.Kind,
		"mode":       e.Mode,
		"outcome":    e.Outcome,
	}
	for k, v := range optional {
		if v != "" {
			m[k] = v
		}
	}
	if e.Thread != nil {
		m["thread"] = *e.Thread
	}
	if e.Value != nil {
		m["value"] = *e.Value
	}
	return m
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`

	// Checkpoints lists the catalog at the end of the run, oldest first.
	Checkpoints []ir.CheckpointRecord `json:"checkpoints,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failed expectation and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func int64p(v int64) *int64 { return &v }
