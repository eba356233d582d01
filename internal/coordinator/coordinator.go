// Package coordinator drives the global checkpoint barrier.
//
// The Coordinator is a single-writer event loop in the style of a
// replicated state machine's apply loop: participant messages, connection
// failures, operator triggers and timer ticks are funneled through one FIFO
// queue and applied in order by Run. The barrier state machine, the
// participant table and the barrier history are touched by no other
// goroutine.
//
// Thread-safety model:
//   - Attach, Checkpoint, Restart, Status: safe from any goroutine
//   - Run: must be called from exactly one goroutine
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/lockstep/internal/barrier"
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/store"
	"github.com/roach88/lockstep/internal/telemetry"
)

const (
	DefaultHeartbeatTimeout = 10 * time.Second
	DefaultPhaseTimeout     = 30 * time.Second
	handshakeTimeout        = 5 * time.Second
	historyLimit            = 64
)

// Result describes a barrier that completed.
type Result struct {
	Kind         string         `json:"kind"`
	Epoch        uint64         `json:"epoch"`
	CheckpointID string         `json:"checkpoint_id"`
	Participants []ir.ProcessID `json:"participants"`
}

// RestartOptions select the checkpoint a restart restores.
type RestartOptions struct {
	// CheckpointID defaults to the latest committed checkpoint.
	CheckpointID string
	Mode         ir.Mode
	// Participants overrides the participant set recorded in the catalog.
	// Required when the coordinator has no store.
	Participants []ir.ProcessID
}

// Coordinator owns the checkpoint barrier and the participant set.
type Coordinator struct {
	store            *store.Store
	tel              *telemetry.Telemetry
	logger           *slog.Logger
	session          string
	heartbeatTimeout time.Duration
	phaseTimeout     time.Duration
	tick             time.Duration
	observer         func(ir.BarrierEvent)

	queue    *eventQueue
	nextGen  atomic.Uint64
	stop     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}

	// loop-owned
	barrier       *barrier.Barrier
	participants  map[ir.ProcessID]*participant
	pending       *trigger
	span          *telemetry.Barrier
	phaseDeadline time.Time
	checkpointID  string
	mode          ir.Mode
	history       []ir.BarrierEvent
	eventSeq      int64

	statusMu sync.RWMutex
	status   Status
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithStore persists the checkpoint catalog and barrier history.
func WithStore(s *store.Store) Option {
	return func(c *Coordinator) { c.store = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tel = t
		}
	}
}

// WithSessionGenerator sets how the session ID is chosen.
func WithSessionGenerator(g SessionGenerator) Option {
	return func(c *Coordinator) { c.session = g.Generate() }
}

// WithHeartbeatTimeout sets how long a participant may stay silent.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.heartbeatTimeout = d
		}
	}
}

// WithPhaseTimeout bounds how long one barrier phase may wait for acks.
func WithPhaseTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.phaseTimeout = d
		}
	}
}

// WithObserver registers a callback for every barrier history event. It
// runs on the loop goroutine and must not block.
func WithObserver(fn func(ir.BarrierEvent)) Option {
	return func(c *Coordinator) { c.observer = fn }
}

// WithEpoch continues epoch numbering after epoch.
func WithEpoch(epoch uint64) Option {
	return func(c *Coordinator) { c.barrier = barrier.NewAt(epoch) }
}

// New creates a coordinator. Call Run to start it.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		tel:              telemetry.Noop(),
		logger:           slog.Default(),
		heartbeatTimeout: DefaultHeartbeatTimeout,
		phaseTimeout:     DefaultPhaseTimeout,
		queue:            newEventQueue(),
		stop:             make(chan struct{}),
		stopped:          make(chan struct{}),
		barrier:          barrier.New(),
		participants:     make(map[ir.ProcessID]*participant),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.session == "" {
		c.session = UUIDv7Generator{}.Generate()
	}
	c.tick = min(c.heartbeatTimeout, c.phaseTimeout) / 4
	if c.tick < 5*time.Millisecond {
		c.tick = 5 * time.Millisecond
	}
	c.logger = c.logger.With("component", "coordinator")
	c.publishStatus()
	return c
}

// Session returns the coordinator session ID.
func (c *Coordinator) Session() string { return c.session }

// Attach performs the registration handshake on a new control connection
// and hands the participant to the loop. It returns once the Hello is
// read; the connection then belongs to the coordinator.
func (c *Coordinator) Attach(ctx context.Context, conn protocol.Conn) error {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	hello, err := conn.Recv(hctx)
	if err != nil {
		conn.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	if hello.Kind != protocol.KindHello || hello.ProcessID == "" {
		conn.Close()
		return fmt.Errorf("handshake: expected Hello with process id, got %s", hello)
	}
	if hello.Version != ir.ProtocolVersion {
		_ = conn.Send(hctx, protocol.Message{
			Kind:   protocol.KindAbort,
			Reason: fmt.Sprintf("protocol version %d not supported (want %d)", hello.Version, ir.ProtocolVersion),
		})
		conn.Close()
		return fmt.Errorf("handshake: %s speaks protocol v%d, want v%d", hello.ProcessID, hello.Version, ir.ProtocolVersion)
	}

	p := newParticipant(hello.ProcessID, c.nextGen.Add(1), conn, hello.Restart)
	if !c.queue.Enqueue(event{typ: eventJoin, pid: p.pid, gen: p.gen, part: p}) {
		conn.Close()
		return ErrStopped
	}
	return nil
}

// Checkpoint runs a checkpoint barrier across every registered
// participant and waits for it to commit or abort.
func (c *Coordinator) Checkpoint(ctx context.Context) (Result, error) {
	return c.submit(ctx, &trigger{kind: barrier.KindCheckpoint})
}

// Restart runs a restart barrier for a committed checkpoint. Restarted
// participants may register before or after the trigger; the Restarting
// phase waits for all of them within the phase timeout.
func (c *Coordinator) Restart(ctx context.Context, opts RestartOptions) (Result, error) {
	return c.submit(ctx, &trigger{
		kind:         barrier.KindRestart,
		checkpointID: opts.CheckpointID,
		mode:         opts.Mode,
		participants: opts.Participants,
	})
}

func (c *Coordinator) submit(ctx context.Context, t *trigger) (Result, error) {
	t.reply = make(chan triggerResult, 1)
	if !c.queue.Enqueue(event{typ: eventTrigger, trigger: t}) {
		return Result{}, ErrStopped
	}
	select {
	case r := <-t.reply:
		return r.res, r.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Run is the single-writer event loop. It blocks until ctx is cancelled or
// Stop is called; any barrier in progress is aborted on the way out.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("coordinator starting", "session", c.session)
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()
	defer close(c.stopped)

	for {
		if ev, ok := c.queue.TryDequeue(); ok {
			c.process(ctx, ev)
			c.publishStatus()
			continue
		}

		select {
		case <-ctx.Done():
			c.logger.Info("coordinator stopping: context cancelled")
			c.shutdown(ctx)
			return ctx.Err()

		case <-c.stop:
			c.logger.Info("coordinator stopping")
			c.shutdown(ctx)
			return nil

		case <-ticker.C:
			c.checkTimeouts(ctx, time.Now())
			c.publishStatus()

		case <-c.queue.Wait():
		}
	}
}

// Stop makes Run abort any barrier in progress and return.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Done is closed when Run has returned.
func (c *Coordinator) Done() <-chan struct{} { return c.stopped }

func (c *Coordinator) shutdown(ctx context.Context) {
	for _, ev := range c.queue.Close() {
		if ev.typ == eventTrigger {
			ev.trigger.reply <- triggerResult{err: ErrStopped}
		}
		if ev.typ == eventJoin {
			ev.part.close()
		}
	}
	if t, ok := c.barrier.Abort("coordinator stopping"); ok {
		c.finishAbort(ctx, t)
	}
	if c.pending != nil {
		c.pending.reply <- triggerResult{err: ErrStopped}
		c.pending = nil
	}
	for pid, p := range c.participants {
		p.close()
		delete(c.participants, pid)
	}
	c.publishStatus()
}

// process applies one event. Called only from Run.
func (c *Coordinator) process(ctx context.Context, ev event) {
	switch ev.typ {
	case eventJoin:
		c.handleJoin(ctx, ev.part)
	case eventMessage:
		p, ok := c.participants[ev.pid]
		if !ok || p.gen != ev.gen {
			return
		}
		p.lastSeen = time.Now()
		c.handleMessage(ctx, p, ev.msg)
	case eventDisconnect:
		p, ok := c.participants[ev.pid]
		if !ok || p.gen != ev.gen {
			return
		}
		c.logger.Warn("participant connection lost", "process", p.pid, "error", ev.err)
		c.drop(ctx, p, fmt.Sprintf("connection lost: %v", ev.err))
	case eventTrigger:
		c.handleTrigger(ctx, ev.trigger)
	default:
		c.logger.Error("unknown event type", "type", ev.typ)
	}
}

func (c *Coordinator) handleJoin(ctx context.Context, p *participant) {
	if old, ok := c.participants[p.pid]; ok {
		c.logger.Warn("participant re-registered, replacing connection", "process", p.pid)
		old.close()
		delete(c.participants, p.pid)
		if c.barrier.Phase() != ir.PhaseRestarting {
			if t, ok := c.barrier.Fail(p.pid, "re-registered during barrier"); ok {
				c.finishAbort(ctx, t)
			}
		}
	}

	p.lastSeen = time.Now()
	c.participants[p.pid] = p
	p.start(c.queue)
	c.logger.Info("participant registered", "process", p.pid, "restart", p.restart)

	c.sendTo(ctx, p, protocol.Message{Kind: protocol.KindWelcome, ProcessID: p.pid, Epoch: c.barrier.Epoch()})

	// A restarted participant joining an open restart barrier gets the
	// Restarting request it missed.
	if p.restart && c.barrier.Phase() == ir.PhaseRestarting && c.barrier.IsParticipant(p.pid) {
		c.sendTo(ctx, p, c.request(ir.PhaseRestarting))
	}
}

func (c *Coordinator) handleMessage(ctx context.Context, p *participant, m protocol.Message) {
	switch m.Kind {
	case protocol.KindReply:
		switch m.Status {
		case protocol.StatusHeartbeat:
		case protocol.StatusAck:
			if m.Connections != nil {
				p.record.Connections = m.Connections
			}
			if m.Threads != nil {
				p.record.Threads = m.Threads
			}
			t, moved, err := c.barrier.Ack(p.pid, m.Phase, m.Epoch)
			if err != nil {
				c.logger.Debug("ignoring ack", "process", p.pid, "error", err)
				return
			}
			p.record.Phase = m.Phase
			if moved {
				c.advance(ctx, t)
			}
		case protocol.StatusFail:
			if m.Epoch != c.barrier.Epoch() {
				c.logger.Debug("ignoring stale failure", "process", p.pid, "epoch", m.Epoch)
				return
			}
			if c.span != nil {
				c.span.Fail(p.pid, m.Reason)
			}
			if t, ok := c.barrier.Fail(p.pid, m.Reason); ok {
				c.finishAbort(ctx, t)
			}
		}
	case protocol.KindBye:
		c.logger.Info("participant deregistered", "process", p.pid)
		c.drop(ctx, p, "deregistered")
	default:
		c.logger.Warn("unexpected message from participant", "process", p.pid, "message", m.String())
	}
}

// drop removes a participant and fails the barrier if it was part of it.
func (c *Coordinator) drop(ctx context.Context, p *participant, reason string) {
	p.close()
	delete(c.participants, p.pid)
	if c.span != nil && c.barrier.IsParticipant(p.pid) && c.barrier.Phase() != ir.PhaseIdle {
		c.span.Fail(p.pid, reason)
	}
	if t, ok := c.barrier.Fail(p.pid, reason); ok {
		c.finishAbort(ctx, t)
	}
}

func (c *Coordinator) checkTimeouts(ctx context.Context, now time.Time) {
	for _, pid := range c.participantIDs() {
		p := c.participants[pid]
		if now.Sub(p.lastSeen) > c.heartbeatTimeout {
			c.logger.Warn("participant heartbeat timeout", "process", pid, "last_seen", p.lastSeen)
			c.drop(ctx, p, fmt.Sprintf("no heartbeat for %s", c.heartbeatTimeout))
		}
	}
	if c.barrier.Phase() == ir.PhaseIdle || now.Before(c.phaseDeadline) {
		return
	}
	reason := fmt.Sprintf("%s timed out after %s", c.barrier.Phase(), c.phaseTimeout)
	var (
		t  barrier.Transition
		ok bool
	)
	if pending := c.barrier.Pending(); len(pending) > 0 {
		t, ok = c.barrier.Fail(pending[0], reason)
	} else {
		t, ok = c.barrier.Abort(reason)
	}
	if ok {
		c.finishAbort(ctx, t)
	}
}

func (c *Coordinator) handleTrigger(ctx context.Context, t *trigger) {
	if c.pending != nil || c.barrier.Phase() != ir.PhaseIdle {
		t.reply <- triggerResult{err: fmt.Errorf("%w: %s epoch %d in %s", barrier.ErrBusy, c.barrier.Kind(), c.barrier.Epoch(), c.barrier.Phase())}
		return
	}

	var (
		tr  barrier.Transition
		err error
	)
	switch t.kind {
	case barrier.KindCheckpoint:
		c.mode = ir.ModeRecord
		tr, err = c.barrier.BeginCheckpoint(c.participantIDs())
		if err == nil {
			c.checkpointID, err = ir.CheckpointID(c.session, int64(tr.Epoch), c.barrier.Participants())
			if err != nil {
				c.barrier.Abort(err.Error())
			}
		}
	case barrier.KindRestart:
		var rec ir.CheckpointRecord
		rec, err = c.resolveCheckpoint(ctx, t)
		if err == nil {
			c.checkpointID = rec.ID
			c.mode = t.mode
			tr, err = c.barrier.BeginRestart(rec.Participants)
		}
	default:
		err = fmt.Errorf("unknown trigger kind %d", t.kind)
	}
	if err != nil {
		t.reply <- triggerResult{err: err}
		return
	}

	c.pending = t
	c.span = c.tel.Begin(ctx, tr.Kind.String(), tr.Epoch, tr.To, c.barrier.Participants())
	c.phaseDeadline = time.Now().Add(c.phaseTimeout)
	c.recordEvent(ctx, tr, tr.Kind.String())
	c.logger.Info("barrier started",
		"event", "phase_transition",
		"kind", tr.Kind.String(),
		"epoch", tr.Epoch,
		"participants", len(c.barrier.Participants()))

	req := c.request(tr.To)
	for _, pid := range c.barrier.Participants() {
		p, ok := c.participants[pid]
		if !ok || (t.kind == barrier.KindRestart && !p.restart) {
			continue // restored process has not registered yet
		}
		c.sendTo(ctx, p, req)
	}
}

func (c *Coordinator) resolveCheckpoint(ctx context.Context, t *trigger) (ir.CheckpointRecord, error) {
	if c.store == nil {
		if t.checkpointID == "" || len(t.participants) == 0 {
			return ir.CheckpointRecord{}, fmt.Errorf("%w: restart without a store needs a checkpoint id and participants", ErrUnknownCheckpoint)
		}
		return ir.CheckpointRecord{ID: t.checkpointID, Participants: t.participants, Status: ir.CheckpointCommitted}, nil
	}

	var (
		rec ir.CheckpointRecord
		err error
	)
	if t.checkpointID == "" {
		rec, err = c.store.LatestCommitted(ctx)
	} else {
		rec, err = c.store.GetCheckpoint(ctx, t.checkpointID)
	}
	if errors.Is(err, store.ErrNotFound) {
		return ir.CheckpointRecord{}, fmt.Errorf("%w: %v", ErrUnknownCheckpoint, err)
	}
	if err != nil {
		return ir.CheckpointRecord{}, err
	}
	if rec.Status != ir.CheckpointCommitted {
		return ir.CheckpointRecord{}, fmt.Errorf("%w: %s is %s", ErrUnknownCheckpoint, ir.ShortID(rec.ID), rec.Status)
	}
	if len(t.participants) > 0 {
		rec.Participants = t.participants
	}
	return rec, nil
}

// request builds the phase request for the current barrier.
func (c *Coordinator) request(phase ir.Phase) protocol.Message {
	m := protocol.Message{Kind: protocol.KindRequest, Phase: phase, Epoch: c.barrier.Epoch()}
	switch phase {
	case ir.PhaseCheckpointing, ir.PhaseRestarting, ir.PhaseResuming:
		m.CheckpointID = c.checkpointID
		m.Mode = c.mode
	}
	return m
}

// advance applies a successful transition: broadcast the next request, or
// commit when the barrier is complete.
func (c *Coordinator) advance(ctx context.Context, t barrier.Transition) {
	detail := ""
	if t.Completed {
		detail = "committed " + ir.ShortID(c.checkpointID)
	}
	c.recordEvent(ctx, t, detail)
	c.span.Transition(t.From, t.To)
	c.phaseDeadline = time.Now().Add(c.phaseTimeout)
	c.logger.Info("phase transition",
		"event", "phase_transition",
		"kind", t.Kind.String(),
		"epoch", t.Epoch,
		"from", t.From.String(),
		"to", t.To.String())

	participants := c.barrier.Participants()
	if !t.Completed {
		req := c.request(t.To)
		c.broadcast(ctx, participants, req)
		return
	}

	if t.Kind == barrier.KindCheckpoint && c.store != nil {
		rec := ir.CheckpointRecord{
			ID:           c.checkpointID,
			Epoch:        int64(t.Epoch),
			Status:       ir.CheckpointCommitted,
			Participants: participants,
		}
		if err := c.store.RecordCheckpoint(ctx, c.session, rec); err != nil {
			c.logger.Error("failed to record checkpoint", "checkpoint", ir.ShortID(c.checkpointID), "error", err)
		}
	}
	c.broadcast(ctx, participants, protocol.Message{
		Kind:         protocol.KindCommit,
		Epoch:        t.Epoch,
		CheckpointID: c.checkpointID,
	})
	c.span.End("")
	c.span = nil

	if c.pending != nil {
		c.pending.reply <- triggerResult{res: Result{
			Kind:         t.Kind.String(),
			Epoch:        t.Epoch,
			CheckpointID: c.checkpointID,
			Participants: participants,
		}}
		c.pending = nil
	}
}

// finishAbort tells every participant to abandon the attempt and answers
// the trigger.
func (c *Coordinator) finishAbort(ctx context.Context, t barrier.Transition) {
	c.recordEvent(ctx, t, t.Reason)
	c.logger.Warn("barrier aborted",
		"event", "barrier_abort",
		"kind", t.Kind.String(),
		"epoch", t.Epoch,
		"phase", t.From.String(),
		"process", t.ProcessID,
		"reason", t.Reason)

	participants := c.barrier.Participants()
	if t.Kind == barrier.KindCheckpoint && c.store != nil {
		rec := ir.CheckpointRecord{
			ID:           c.checkpointID,
			Epoch:        int64(t.Epoch),
			Status:       ir.CheckpointAborted,
			Participants: participants,
			Reason:       t.Reason,
		}
		if err := c.store.RecordCheckpoint(ctx, c.session, rec); err != nil {
			c.logger.Error("failed to record aborted checkpoint", "error", err)
		}
	}
	c.broadcast(ctx, participants, protocol.Message{Kind: protocol.KindAbort, Epoch: t.Epoch, Reason: t.Reason})
	if c.span != nil {
		c.span.End(t.Reason)
		c.span = nil
	}
	if c.pending != nil {
		c.pending.reply <- triggerResult{err: &AbortError{
			Kind:      t.Kind.String(),
			Epoch:     t.Epoch,
			Phase:     t.From,
			ProcessID: t.ProcessID,
			Reason:    t.Reason,
		}}
		c.pending = nil
	}
}

func (c *Coordinator) broadcast(ctx context.Context, pids []ir.ProcessID, m protocol.Message) {
	for _, pid := range pids {
		if p, ok := c.participants[pid]; ok {
			c.sendTo(ctx, p, m)
		}
	}
}

func (c *Coordinator) sendTo(ctx context.Context, p *participant, m protocol.Message) {
	if !p.send(m) {
		c.logger.Warn("participant outbox full", "process", p.pid)
		c.drop(ctx, p, "outbox full")
	}
}

func (c *Coordinator) recordEvent(ctx context.Context, t barrier.Transition, detail string) {
	c.eventSeq++
	ev := ir.BarrierEvent{
		Seq:       c.eventSeq,
		Epoch:     int64(t.Epoch),
		From:      t.From,
		To:        t.To,
		ProcessID: t.ProcessID,
		Detail:    detail,
	}
	c.history = append(c.history, ev)
	if len(c.history) > historyLimit {
		c.history = c.history[len(c.history)-historyLimit:]
	}
	if c.store != nil {
		if _, err := c.store.AppendBarrierEvent(ctx, ev); err != nil {
			c.logger.Error("failed to persist barrier event", "error", err)
		}
	}
	if c.observer != nil {
		c.observer(ev)
	}
}

func (c *Coordinator) participantIDs() []ir.ProcessID {
	out := make([]ir.ProcessID, 0, len(c.participants))
	for pid := range c.participants {
		out = append(out, pid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
