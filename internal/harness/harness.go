package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/roach88/lockstep/internal/coordinator"
	"github.com/roach88/lockstep/internal/eventlog"
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/replay"
	"github.com/roach88/lockstep/internal/testutil"
)

// Options configures a run.
type Options struct {
	// Dir holds the run's databases and snapshots. Empty means a fresh
	// temporary directory, removed when the run ends.
	Dir string

	// Logger receives cluster logs. Nil discards them.
	Logger *slog.Logger
}

// recorder collects the trace. Barrier events arrive on the coordinator
// goroutine while step events arrive on the caller's.
type recorder struct {
	mu    sync.Mutex
	clock *testutil.Counter
	trace []TraceEvent
}

func (r *recorder) add(ev TraceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.Seq = r.clock.Next()
	r.trace = append(r.trace, ev)
}

func (r *recorder) observe(ev ir.BarrierEvent) {
	r.add(TraceEvent{
		Type:  EventPhase,
		Epoch: ev.Epoch,
		From:  ev.From.String(),
		To:    ev.To.String(),
	})
}

func (r *recorder) snapshot() []TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TraceEvent(nil), r.trace...)
}

// Run executes a scenario against a fresh in-process cluster.
//
// The returned error reports a cluster that could not be built or driven.
// Unmet step expectations and failed assertions are collected in
// Result.Errors instead.
func Run(ctx context.Context, s *Scenario, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	dir := opts.Dir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "lockstep-scenario-")
		if err != nil {
			return nil, fmt.Errorf("create run directory: %w", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	rec := &recorder{clock: testutil.NewCounter()}
	c, err := newCluster(ctx, s, dir, logger, rec.observe)
	if err != nil {
		return nil, err
	}
	defer c.close()

	result := NewResult()
	for i, step := range s.Steps {
		if err := runStep(ctx, c, rec, result, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}

	checkpoints, err := c.catalog.ListCheckpoints(ctx, -1)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	result.Checkpoints = checkpoints
	result.Trace = rec.snapshot()

	for _, a := range s.Assertions {
		if err := checkAssertion(c, result, a); err != nil {
			result.AddError(err.Error())
		}
	}
	return result, nil
}

func runStep(ctx context.Context, c *cluster, rec *recorder, result *Result, step Step) error {
	switch {
	case step.Checkpoint != nil:
		return runCheckpoint(ctx, c, rec, result, step.Checkpoint)
	case step.Record != nil:
		return runRecord(ctx, c, rec, step.Record)
	case step.Restart != nil:
		return runRestart(ctx, c, rec, result, step.Restart)
	case step.Replay != nil:
		return runReplay(ctx, c, rec, result, step.Replay)
	case step.Send != nil:
		return runSend(c, rec, step.Send)
	}
	return errors.New("empty step")
}

func runCheckpoint(ctx context.Context, c *cluster, rec *recorder, result *Result, step *CheckpointStep) error {
	res, err := c.checkpoint(ctx)
	ev := TraceEvent{Type: EventCheckpoint, Outcome: OutcomeCommitted, Epoch: int64(res.Epoch)}
	var ae *coordinator.AbortError
	switch {
	case err == nil:
	case errors.As(err, &ae):
		ev.Epoch = int64(ae.Epoch)
		ev.Outcome = OutcomeAborted
		ev.From = ae.Phase.String()
		ev.Process = string(ae.ProcessID)
	default:
		return err
	}
	rec.add(ev)
	if step.Expect != "" && step.Expect != ev.Outcome {
		result.AddError(fmt.Sprintf("checkpoint epoch %d: expected %s, got %s", ev.Epoch, step.Expect, ev.Outcome))
	}
	return nil
}

func runRecord(ctx context.Context, c *cluster, rec *recorder, step *RecordStep) error {
	kind, err := ir.ParseEventKind(step.Kind)
	if err != nil {
		return err
	}
	w := c.members[step.Worker].w
	if w.Mode() != ir.ModeRecord {
		return fmt.Errorf("worker %s is replaying; record needs record mode", step.Worker)
	}
	value := step.Value
	out, err := w.Intercept(ctx, w.Thread(ir.ThreadID(step.Thread)), replay.Op{Kind: kind, Name: step.Kind},
		func(context.Context) replay.Outcome { return replay.Outcome{Value: value} })
	if err != nil {
		return fmt.Errorf("record on %s: %w", step.Worker, err)
	}
	rec.add(TraceEvent{
		Type:    EventRecord,
		Process: step.Worker,
		Thread:  int64p(step.Thread),
		Kind:    kind.String(),
		Value:   int64p(out.Value),
	})
	return nil
}

func runRestart(ctx context.Context, c *cluster, rec *recorder, result *Result, step *RestartStep) error {
	mode, err := ir.ParseMode(step.Mode)
	if err != nil {
		return err
	}
	res, err := c.restart(ctx, step.Checkpoint, mode)
	ev := TraceEvent{Type: EventRestart, Mode: mode.String(), Outcome: OutcomeCompleted, Epoch: int64(res.Epoch)}
	var ae *coordinator.AbortError
	switch {
	case err == nil:
	case errors.As(err, &ae):
		ev.Epoch = int64(ae.Epoch)
		ev.Outcome = OutcomeAborted
		ev.From = ae.Phase.String()
		ev.Process = string(ae.ProcessID)
	default:
		return err
	}
	rec.add(ev)
	if step.Expect != "" && step.Expect != ev.Outcome {
		result.AddError(fmt.Sprintf("restart: expected %s, got %s", step.Expect, ev.Outcome))
	}
	return nil
}

func runReplay(ctx context.Context, c *cluster, rec *recorder, result *Result, step *ReplayStep) error {
	kind, err := ir.ParseEventKind(step.Kind)
	if err != nil {
		return err
	}
	w := c.members[step.Worker].w
	if w.Mode() != ir.ModeReplay {
		return fmt.Errorf("worker %s is recording; replay needs a replay restart first", step.Worker)
	}

	live := false
	out, err := w.Intercept(ctx, w.Thread(ir.ThreadID(step.Thread)), replay.Op{Kind: kind, Name: step.Kind},
		func(context.Context) replay.Outcome {
			live = true
			return replay.Outcome{}
		})
	if live {
		return fmt.Errorf("replay on %s executed the call live", step.Worker)
	}

	ev := TraceEvent{
		Type:    EventReplay,
		Process: step.Worker,
		Thread:  int64p(step.Thread),
		Kind:    kind.String(),
	}
	switch {
	case err == nil:
		ev.Value = int64p(out.Value)
	case eventlog.IsLogExhausted(err):
		ev.Outcome = OutcomeLogExhausted
	case replay.IsDivergence(err):
		ev.Outcome = OutcomeDivergence
	default:
		return fmt.Errorf("replay on %s: %w", step.Worker, err)
	}
	rec.add(ev)

	switch {
	case step.Error != "" && ev.Outcome != step.Error:
		result.AddError(fmt.Sprintf("replay %s thread %d: expected %s, got %s", step.Worker, step.Thread, step.Error, describe(ev)))
	case step.Expect != nil && (ev.Value == nil || *ev.Value != *step.Expect):
		result.AddError(fmt.Sprintf("replay %s thread %d: expected value %d, got %s", step.Worker, step.Thread, *step.Expect, describe(ev)))
	}
	return nil
}

func describe(ev TraceEvent) string {
	if ev.Value != nil {
		return fmt.Sprintf("value %d", *ev.Value)
	}
	return ev.Outcome
}

func runSend(c *cluster, rec *recorder, step *SendStep) error {
	conn, err := c.conn(step.Worker, step.Connection)
	if err != nil {
		return err
	}
	if _, err := conn.Write([]byte(step.Data)); err != nil {
		return fmt.Errorf("send on %s: %w", step.Connection, err)
	}

	ev := TraceEvent{Type: EventSend, Process: step.Worker, Conn: step.Connection, Outcome: OutcomeWritten}
	spec := c.connection(step.Connection)
	if !spec.Silent {
		peer := spec.Between[1]
		if peer == step.Worker {
			peer = spec.Between[0]
		}
		pc, err := c.conn(peer, step.Connection)
		if err != nil {
			return err
		}
		got, err := readWithin(pc, len(step.Data), settleTimeout)
		if err != nil {
			return fmt.Errorf("receive on %s: %w", step.Connection, err)
		}
		if got != step.Data {
			return fmt.Errorf("receive on %s: got %q, sent %q", step.Connection, got, step.Data)
		}
		ev.Outcome = OutcomeDelivered
	}
	rec.add(ev)
	return nil
}

func readWithin(r io.Reader, n int, timeout time.Duration) (string, error) {
	buf := make([]byte, n)
	done := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(r, buf)
		done <- err
	}()
	select {
	case err := <-done:
		return string(buf), err
	case <-time.After(timeout):
		return "", fmt.Errorf("no data after %s", timeout)
	}
}
