// Package worker is the per-process agent of the checkpoint barrier.
//
// A Worker owns everything checkpoint-visible in its process: the thread
// logs, the peer connections and the safe-point gate in front of the
// interception boundary. It registers with the coordinator over one control
// connection and answers each barrier phase with an Ack or a Fail.
//
// Barrier handlers run on the Run goroutine, never on application threads.
// Heartbeats are sent from their own goroutine so a long drain does not
// starve them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/lockstep/internal/drain"
	"github.com/roach88/lockstep/internal/eventlog"
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/nameservice"
	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/replay"
	"github.com/roach88/lockstep/internal/safepoint"
	"github.com/roach88/lockstep/internal/snapshot"
)

const (
	DefaultHeartbeatInterval = 2 * time.Second
	handshakeTimeout         = 5 * time.Second
	byeTimeout               = time.Second
)

// LogStore is the durable home of the thread logs.
type LogStore interface {
	eventlog.Sink
	eventlog.Source
	TruncateTo(ctx context.Context, process ir.ProcessID, positions []ir.ThreadPosition) (int64, error)
}

// restartPlan is the checkpoint this process was restored from.
type restartPlan struct {
	manifest snapshot.Manifest
	mode     ir.Mode
}

// Worker is the agent of one participant process.
type Worker struct {
	pid               ir.ProcessID
	logger            *slog.Logger
	store             LogStore
	snapshotter       snapshot.Snapshotter
	names             nameservice.NameService
	policy            drain.Policy
	heartbeatInterval time.Duration
	restoreHost       string
	restorePorts      [2]int
	restoreListener   net.Listener

	gate     *safepoint.Gate
	boundary *replay.Boundary
	engine   atomic.Pointer[replay.Engine]
	logs     *eventlog.Set
	conns    *drain.Table
	restorer *drain.Restorer
	restart  *restartPlan

	threadsMu sync.Mutex
	threads   map[ir.ThreadID]*replay.Thread

	sendMu sync.Mutex
	conn   protocol.Conn

	// Run-owned barrier state
	phase        ir.Phase
	epoch        uint64
	checkpointID string
	restored     bool

	manifestMu   sync.Mutex
	lastManifest *snapshot.Manifest
}

// Option configures a Worker.
type Option func(*Worker)

func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithStore sets the durable log store. Required.
func WithStore(s LogStore) Option {
	return func(w *Worker) { w.store = s }
}

// WithSnapshotter sets the snapshot collaborator invoked in Checkpointing.
func WithSnapshotter(s snapshot.Snapshotter) Option {
	return func(w *Worker) { w.snapshotter = s }
}

// WithNameService sets where restore endpoints are published.
func WithNameService(ns nameservice.NameService) Option {
	return func(w *Worker) { w.names = ns }
}

func WithDrainPolicy(p drain.Policy) Option {
	return func(w *Worker) { w.policy = drain.NormalizePolicy(p) }
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.heartbeatInterval = d
		}
	}
}

// WithRestoreRange sets the host and port range of the restore listener.
// A zero start picks an ephemeral port.
func WithRestoreRange(host string, start, stop int) Option {
	return func(w *Worker) {
		w.restoreHost = host
		w.restorePorts = [2]int{start, stop}
	}
}

// WithRestoreListener uses ln for restore transports instead of binding
// one from the restore range.
func WithRestoreListener(ln net.Listener) Option {
	return func(w *Worker) { w.restoreListener = ln }
}

// WithRestart restores the process from manifest. The logs resume at the
// manifest's positions, every connection starts Restoring, and the
// interception gate stays closed until the restart barrier resumes it.
func WithRestart(m snapshot.Manifest, mode ir.Mode) Option {
	return func(w *Worker) { w.restart = &restartPlan{manifest: m, mode: mode} }
}

// New creates a worker for pid. An empty pid gets a random one; a restarted
// worker takes the pid recorded in its manifest.
func New(ctx context.Context, pid ir.ProcessID, opts ...Option) (*Worker, error) {
	w := &Worker{
		pid:               pid,
		logger:            slog.Default(),
		names:             nameservice.NewMemory(),
		policy:            drain.DefaultPolicy(),
		heartbeatInterval: DefaultHeartbeatInterval,
		restoreHost:       "127.0.0.1",
		gate:              safepoint.New(),
		threads:           make(map[ir.ThreadID]*replay.Thread),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.restart != nil {
		w.pid = w.restart.manifest.ProcessID
	}
	if w.pid == "" {
		w.pid = ir.ProcessID(uuid.NewString())
	}
	if w.store == nil {
		return nil, errors.New("worker: no log store")
	}
	w.logger = w.logger.With("component", "worker", "process", w.pid)
	w.conns = drain.NewTable(w.logger)
	w.boundary = replay.NewBoundary(w.gate, replay.Recorder{})

	if w.restart == nil {
		w.logs = eventlog.NewRecordSet(w.pid, nil)
		return w, nil
	}
	if err := w.prepareRestart(ctx); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

func (w *Worker) prepareRestart(ctx context.Context) error {
	m, mode := w.restart.manifest, w.restart.mode

	switch mode {
	case ir.ModeReplay:
		logs, err := eventlog.LoadReplaySet(ctx, w.pid, w.store, m.Threads)
		if err != nil {
			return fmt.Errorf("restart %s: %w", w.pid, err)
		}
		w.logs = logs
	default:
		// Recording continues from the checkpoint; anything the previous
		// run recorded after it belongs to an abandoned future.
		dropped, err := w.store.TruncateTo(ctx, w.pid, m.Threads)
		if err != nil {
			return fmt.Errorf("restart %s: %w", w.pid, err)
		}
		if dropped > 0 {
			w.logger.Info("discarded log entries recorded after checkpoint", "entries", dropped)
		}
		w.logs = eventlog.NewRecordSet(w.pid, m.Threads)
	}

	// No thread may intercept before the restart barrier resumes.
	if err := w.gate.Suspend(ctx); err != nil {
		return err
	}

	for _, st := range m.Connections {
		if err := w.conns.Add(drain.NewRestoring(w.pid, st, drain.WithLogger(w.logger))); err != nil {
			return err
		}
	}
	if len(m.Connections) == 0 {
		return nil
	}

	ln := w.restoreListener
	if ln == nil {
		var err error
		ln, err = drain.ListenRange(w.restoreHost, w.restorePorts[0], w.restorePorts[1])
		if err != nil {
			return fmt.Errorf("restart %s: %w", w.pid, err)
		}
	}
	w.restorer = drain.NewRestorer(w.pid, w.names, ln, w.policy, w.logger)
	if err := w.restorer.Start(ctx); err != nil {
		ln.Close()
		w.restorer = nil
		return err
	}
	w.logger.Info("restore endpoint registered", "endpoint", w.restorer.Endpoint())
	return nil
}

// ProcessID returns the worker's process ID.
func (w *Worker) ProcessID() ir.ProcessID { return w.pid }

// Mode returns the active interception mode.
func (w *Worker) Mode() ir.Mode { return w.boundary.Mode() }

// ReplayErr returns the divergence, exhaustion or corruption that halted
// replay, or nil.
func (w *Worker) ReplayErr() error {
	if e := w.engine.Load(); e != nil {
		return e.Err()
	}
	return nil
}

// Conns returns the worker's connection table.
func (w *Worker) Conns() *drain.Table { return w.conns }

// LastManifest returns the manifest of the most recent checkpoint this
// worker took part in, if any.
func (w *Worker) LastManifest() (snapshot.Manifest, bool) {
	w.manifestMu.Lock()
	defer w.manifestMu.Unlock()
	if w.lastManifest == nil {
		return snapshot.Manifest{}, false
	}
	return *w.lastManifest, true
}

// Close releases the worker's connections and restore listener.
func (w *Worker) Close() error {
	if w.conns != nil {
		w.conns.CloseAll()
	}
	if w.restorer != nil {
		return w.restorer.Close()
	}
	return nil
}

// Connect dials the coordinator's websocket endpoint and runs the worker.
func (w *Worker) Connect(ctx context.Context, url string) error {
	conn, err := protocol.Dial(ctx, url, nil)
	if err != nil {
		return err
	}
	return w.Run(ctx, conn)
}

// Run registers with the coordinator over conn and serves barrier requests
// until ctx is cancelled or the connection is lost. Any barrier still in
// progress is abandoned on the way out.
func (w *Worker) Run(ctx context.Context, conn protocol.Conn) error {
	w.conn = conn
	defer conn.Close()

	if err := w.register(ctx); err != nil {
		return err
	}

	type received struct {
		msg protocol.Message
		err error
	}
	inbox := make(chan received, 16)
	rctx, stopReader := context.WithCancel(ctx)
	defer stopReader()
	go func() {
		for {
			m, err := conn.Recv(rctx)
			select {
			case inbox <- received{m, err}:
			case <-rctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	go w.heartbeat(rctx)

	for {
		select {
		case <-ctx.Done():
			w.abandon("worker stopping")
			bctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
			_ = w.send(bctx, protocol.Message{Kind: protocol.KindBye, ProcessID: w.pid})
			cancel()
			return ctx.Err()
		case r := <-inbox:
			if r.err != nil {
				w.abandon("coordinator connection lost")
				if errors.Is(r.err, protocol.ErrClosed) {
					return fmt.Errorf("coordinator connection closed: %w", r.err)
				}
				return fmt.Errorf("coordinator connection: %w", r.err)
			}
			w.handle(ctx, r.msg)
		}
	}
}

func (w *Worker) register(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	if err := w.send(hctx, protocol.Hello(w.pid, w.restart != nil)); err != nil {
		return fmt.Errorf("register %s: %w", w.pid, err)
	}
	m, err := w.conn.Recv(hctx)
	if err != nil {
		return fmt.Errorf("register %s: %w", w.pid, err)
	}
	switch m.Kind {
	case protocol.KindWelcome:
		w.logger.Info("registered with coordinator", "epoch", m.Epoch, "restart", w.restart != nil)
		return nil
	case protocol.KindAbort:
		return fmt.Errorf("register %s: rejected: %s", w.pid, m.Reason)
	default:
		return fmt.Errorf("register %s: unexpected %s", w.pid, m)
	}
}

func (w *Worker) heartbeat(ctx context.Context) {
	tick := time.NewTicker(w.heartbeatInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := w.send(ctx, protocol.Heartbeat(w.pid)); err != nil {
				return
			}
		}
	}
}

func (w *Worker) send(ctx context.Context, m protocol.Message) error {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	return w.conn.Send(ctx, m)
}

func (w *Worker) handle(ctx context.Context, m protocol.Message) {
	switch m.Kind {
	case protocol.KindRequest:
		switch m.Phase {
		case ir.PhaseSuspending, ir.PhaseDraining, ir.PhaseCheckpointing:
			w.OnCheckpointRequest(ctx, m)
		case ir.PhaseRestarting, ir.PhaseResuming:
			w.OnRestartRequest(ctx, m)
		default:
			w.logger.Warn("unexpected request", "message", m.String())
		}
	case protocol.KindCommit:
		w.commit(m)
	case protocol.KindAbort:
		w.logger.Warn("barrier aborted", "event", "barrier_abort", "epoch", m.Epoch, "reason", m.Reason)
		if m.Epoch == w.epoch {
			w.abandon(m.Reason)
		}
	case protocol.KindWelcome:
	default:
		w.logger.Warn("unexpected message", "message", m.String())
	}
}
