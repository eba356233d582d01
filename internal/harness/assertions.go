package harness

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/lockstep/internal/ir"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", ev.Seq, summarize(ev))
		}
	}
	return buf.String()
}

func summarize(ev TraceEvent) string {
	switch ev.Type {
	case EventPhase:
		return fmt.Sprintf("epoch %d %s -> %s", ev.Epoch, ev.From, ev.To)
	case EventCheckpoint, EventRestart:
		return fmt.Sprintf("%s epoch %d %s", ev.Type, ev.Epoch, ev.Outcome)
	case EventSend:
		return fmt.Sprintf("send %s on %s %s", ev.Process, ev.Conn, ev.Outcome)
	default:
		return fmt.Sprintf("%s %s thread %d %s %s", ev.Type, ev.Process, derefOr(ev.Thread), ev.Kind, describe(ev))
	}
}

func derefOr(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

func checkAssertion(c *cluster, result *Result, a Assertion) error {
	switch a.Type {
	case AssertPhaseOrder:
		return assertPhaseOrder(result.Trace, a)
	case AssertCommittedCount:
		return assertCheckpointCount(result, a, ir.CheckpointCommitted)
	case AssertAbortedCount:
		return assertCheckpointCount(result, a, ir.CheckpointAborted)
	case AssertConnectionsLive:
		return assertConnectionsLive(c)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

// assertPhaseOrder compares the phases entered, across every barrier, with
// the expected list.
func assertPhaseOrder(trace []TraceEvent, a Assertion) error {
	var got []string
	for _, ev := range trace {
		if ev.Type == EventPhase {
			got = append(got, ev.To)
		}
	}
	if strings.Join(got, ",") == strings.Join(a.Phases, ",") {
		return nil
	}
	return &AssertionError{
		Type:     AssertPhaseOrder,
		Expected: strings.Join(a.Phases, " -> "),
		Actual:   strings.Join(got, " -> "),
		Trace:    trace,
	}
}

func assertCheckpointCount(result *Result, a Assertion, status ir.CheckpointStatus) error {
	n := 0
	for _, rec := range result.Checkpoints {
		if rec.Status == status {
			n++
		}
	}
	if n == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("%d %s checkpoints", a.Count, status),
		Actual:   fmt.Sprintf("%d", n),
	}
}

// assertConnectionsLive waits for every connection to be live. Workers
// resume their connections after the coordinator has already answered, so
// the check polls.
func assertConnectionsLive(c *cluster) error {
	var notLive []string
	deadline := time.Now().Add(settleTimeout)
	for {
		notLive = notLive[:0]
		for _, ws := range c.scenario.Workers {
			for _, id := range c.members[ws.ID].w.Conns().IDs() {
				if id.DrainState != ir.DrainLive {
					notLive = append(notLive, fmt.Sprintf("%s:%s=%s", ws.ID, id.Key(), id.DrainState))
				}
			}
		}
		if len(notLive) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	return &AssertionError{
		Type:     AssertConnectionsLive,
		Expected: "every connection live",
		Actual:   strings.Join(notLive, ", "),
	}
}
