package worker

import (
	"context"
	"fmt"

	"github.com/roach88/lockstep/internal/eventlog"
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/replay"
	"github.com/roach88/lockstep/internal/snapshot"
)

// OnCheckpointRequest runs one checkpoint phase and reports the outcome:
//
//	Suspending     park every thread at a safe point
//	Draining       drain every connection, then flush every log
//	Checkpointing  hand the manifest to the snapshot collaborator
func (w *Worker) OnCheckpointRequest(ctx context.Context, m protocol.Message) {
	switch m.Phase {
	case ir.PhaseSuspending:
		if w.phase != ir.PhaseIdle {
			w.abandon(fmt.Sprintf("superseded by epoch %d", m.Epoch))
		}
		w.phase, w.epoch = ir.PhaseSuspending, m.Epoch
		if w.restart != nil && !w.restored {
			w.ReportFailure(ctx, m.Phase, m.Epoch, "restart not completed")
			return
		}
		if err := w.ReplayErr(); err != nil {
			w.ReportFailure(ctx, m.Phase, m.Epoch, fmt.Sprintf("replay halted: %v", err))
			return
		}
		sctx, cancel := context.WithTimeout(ctx, w.policy.Deadline)
		err := w.gate.Suspend(sctx)
		cancel()
		if err != nil {
			w.ReportFailure(ctx, m.Phase, m.Epoch, fmt.Sprintf("suspend: %d interceptions still in flight: %v", w.gate.InFlight(), err))
			return
		}
		w.ReportReady(ctx, m.Phase, m.Epoch)

	case ir.PhaseDraining:
		if !w.follows(ctx, ir.PhaseSuspending, m) {
			return
		}
		w.phase = ir.PhaseDraining
		if err := w.conns.DrainAll(ctx, m.Epoch, w.policy); err != nil {
			w.ReportFailure(ctx, m.Phase, m.Epoch, err.Error())
			return
		}
		n, err := w.logs.Flush(ctx, w.store)
		if err != nil {
			w.ReportFailure(ctx, m.Phase, m.Epoch, err.Error())
			return
		}
		w.logger.Debug("logs flushed", "entries", n, "epoch", m.Epoch)
		w.ReportReady(ctx, m.Phase, m.Epoch)

	case ir.PhaseCheckpointing:
		if !w.follows(ctx, ir.PhaseDraining, m) {
			return
		}
		w.phase = ir.PhaseCheckpointing
		w.checkpointID = m.CheckpointID
		conns, err := w.conns.Snapshot()
		if err != nil {
			w.ReportFailure(ctx, m.Phase, m.Epoch, err.Error())
			return
		}
		manifest := snapshot.Manifest{
			CheckpointID: m.CheckpointID,
			ProcessID:    w.pid,
			Epoch:        m.Epoch,
			Mode:         w.boundary.Mode().String(),
			Threads:      w.logs.Positions(),
			Connections:  conns,
		}
		if err := w.takeSnapshot(ctx, manifest); err != nil {
			w.ReportFailure(ctx, m.Phase, m.Epoch, err.Error())
			return
		}
		w.manifestMu.Lock()
		w.lastManifest = &manifest
		w.manifestMu.Unlock()
		w.ReportReady(ctx, m.Phase, m.Epoch)
	}
}

func (w *Worker) takeSnapshot(ctx context.Context, manifest snapshot.Manifest) error {
	if w.snapshotter == nil {
		return nil
	}
	req := snapshot.Request{
		CheckpointID: manifest.CheckpointID,
		ProcessID:    w.pid,
		Epoch:        manifest.Epoch,
		Manifest:     manifest,
	}
	select {
	case out := <-w.snapshotter.RequestSnapshot(ctx, req):
		if out.Err != nil {
			return fmt.Errorf("snapshot: %w", out.Err)
		}
		w.logger.Info("snapshot complete", "checkpoint", ir.ShortID(manifest.CheckpointID), "path", out.Path)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnRestartRequest runs one restart phase:
//
//	Restarting  re-establish every connection from the manifest
//	Resuming    release queued writes, select the interceptor, reopen the gate
func (w *Worker) OnRestartRequest(ctx context.Context, m protocol.Message) {
	switch m.Phase {
	case ir.PhaseRestarting:
		w.phase, w.epoch = ir.PhaseRestarting, m.Epoch
		if w.restart == nil || w.restored {
			w.ReportFailure(ctx, m.Phase, m.Epoch, "process was not restored from a checkpoint")
			return
		}
		if m.CheckpointID != w.restart.manifest.CheckpointID {
			w.ReportFailure(ctx, m.Phase, m.Epoch, fmt.Sprintf("restored from checkpoint %s, asked for %s",
				ir.ShortID(w.restart.manifest.CheckpointID), ir.ShortID(m.CheckpointID)))
			return
		}
		if m.Mode != w.restart.mode {
			w.ReportFailure(ctx, m.Phase, m.Epoch, fmt.Sprintf("restored in %s mode, asked for %s", w.restart.mode, m.Mode))
			return
		}
		if w.restorer != nil {
			rctx, cancel := context.WithTimeout(ctx, w.policy.Deadline)
			err := w.conns.RestoreAll(rctx, w.restorer)
			cancel()
			if err != nil {
				w.ReportFailure(ctx, m.Phase, m.Epoch, fmt.Sprintf("restore connections: %v", err))
				return
			}
		}
		w.ReportReady(ctx, m.Phase, m.Epoch)

	case ir.PhaseResuming:
		if !w.follows(ctx, ir.PhaseRestarting, m) {
			return
		}
		w.phase = ir.PhaseResuming
		if err := w.conns.ReleaseAll(); err != nil {
			w.ReportFailure(ctx, m.Phase, m.Epoch, err.Error())
			return
		}
		if w.restart.mode == ir.ModeReplay {
			engine := replay.NewEngine(w.logger, replay.WithHaltHandler(w.onReplayHalt))
			w.engine.Store(engine)
			w.boundary.Use(engine)
		}
		w.restored = true
		w.gate.Resume()
		w.logger.Info("resumed from checkpoint",
			"checkpoint", ir.ShortID(w.restart.manifest.CheckpointID),
			"mode", w.restart.mode.String())
		w.ReportReady(ctx, m.Phase, m.Epoch)
	}
}

// onReplayHalt runs on the application thread whose interception halted
// replay. Execution past that point no longer matches the recording, so
// the worker refuses every later checkpoint.
func (w *Worker) onReplayHalt(err error) {
	w.logger.Error("replay halted, checkpoints disabled",
		"event", "replay_halted",
		"divergence", replay.IsDivergence(err),
		"exhausted", eventlog.IsLogExhausted(err),
		"error", err)
}

// follows checks that m continues the barrier this worker is in.
func (w *Worker) follows(ctx context.Context, prev ir.Phase, m protocol.Message) bool {
	if w.phase == prev && w.epoch == m.Epoch {
		return true
	}
	w.ReportFailure(ctx, m.Phase, m.Epoch,
		fmt.Sprintf("out of order: %s epoch %d while in %s epoch %d", m.Phase, m.Epoch, w.phase, w.epoch))
	return false
}

// ReportReady acks phase, attaching the worker's connection and thread view.
func (w *Worker) ReportReady(ctx context.Context, phase ir.Phase, epoch uint64) {
	ack := protocol.Ack(w.pid, phase, epoch)
	ack.Connections = w.conns.IDs()
	ack.Threads = w.logs.Threads()
	if err := w.send(ctx, ack); err != nil {
		w.logger.Warn("failed to send ack", "phase", phase.String(), "epoch", epoch, "error", err)
	}
}

// ReportFailure tells the coordinator this worker cannot complete phase.
// The coordinator answers with an Abort.
func (w *Worker) ReportFailure(ctx context.Context, phase ir.Phase, epoch uint64, reason string) {
	w.logger.Warn("phase failed", "phase", phase.String(), "epoch", epoch, "reason", reason)
	if err := w.send(ctx, protocol.Fail(w.pid, phase, epoch, reason)); err != nil {
		w.logger.Warn("failed to send failure", "phase", phase.String(), "epoch", epoch, "error", err)
	}
}

func (w *Worker) commit(m protocol.Message) {
	if m.Epoch != w.epoch || w.phase == ir.PhaseIdle {
		return
	}
	switch w.phase {
	case ir.PhaseCheckpointing:
		if err := w.conns.ResumeAll(); err != nil {
			w.logger.Error("failed to resume connections", "error", err)
		}
		w.gate.Resume()
		w.logger.Info("checkpoint committed", "checkpoint", ir.ShortID(m.CheckpointID), "epoch", m.Epoch)
	case ir.PhaseResuming:
		w.logger.Info("restart committed", "checkpoint", ir.ShortID(m.CheckpointID), "epoch", m.Epoch)
	}
	w.phase = ir.PhaseIdle
}

// abandon undoes a barrier that will not complete. Connections go back to
// Live and threads are released; a restart that has not resumed stays
// parked so the coordinator can retry it.
func (w *Worker) abandon(reason string) {
	switch w.phase {
	case ir.PhaseIdle:
		return
	case ir.PhaseSuspending, ir.PhaseDraining, ir.PhaseCheckpointing:
		if err := w.conns.ResumeAll(); err != nil {
			w.logger.Error("failed to resume connections", "error", err)
		}
		w.gate.Resume()
	}
	w.logger.Info("abandoned barrier", "phase", w.phase.String(), "epoch", w.epoch, "reason", reason)
	w.phase = ir.PhaseIdle
}
