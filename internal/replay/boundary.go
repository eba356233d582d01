package replay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/lockstep/internal/eventlog"
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/safepoint"
)

// Exec performs the real call.
type Exec func(ctx context.Context) Outcome

// Interceptor decides how an intercepted call is satisfied.
type Interceptor interface {
	Intercept(ctx context.Context, th *Thread, op Op, exec Exec) (Outcome, error)
	Mode() ir.Mode
}

// Thread is the handle an application thread passes through the boundary.
// It owns the thread's log; there is no thread-local lookup.
type Thread struct {
	log *eventlog.ThreadLog
}

// NewThread wraps a thread log in a handle.
func NewThread(log *eventlog.ThreadLog) *Thread {
	return &Thread{log: log}
}

// ID returns the thread's ID.
func (t *Thread) ID() ir.ThreadID { return t.log.ThreadID() }

// Log returns the thread's log.
func (t *Thread) Log() *eventlog.ThreadLog { return t.log }

// Recorder executes calls live and appends their outcomes.
type Recorder struct{}

// Mode implements Interceptor.
func (Recorder) Mode() ir.Mode { return ir.ModeRecord }

// errnoEIO is committed for a call whose outcome could not be recorded.
const errnoEIO = 5

// Intercept reserves the log slot before executing so that nested
// interceptions on the same thread are ordered after their enclosing call.
// The slot is always committed, even if exec panics, so the log never
// keeps an open slot past the interception.
func (Recorder) Intercept(ctx context.Context, th *Thread, op Op, exec Exec) (Outcome, error) {
	if !op.Kind.Valid() {
		return Outcome{}, fmt.Errorf("intercept %s: invalid event kind %d", op.Name, uint8(op.Kind))
	}
	slot, err := th.log.Reserve()
	if err != nil {
		return Outcome{}, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		failed, _ := EncodeOutcome(Outcome{Value: -1, Errno: errnoEIO})
		_, _ = slot.Commit(op.Kind, failed)
	}()

	out := exec(ctx)
	payload, err := EncodeOutcome(out)
	if err != nil {
		return Outcome{}, err
	}
	if _, err := slot.Commit(op.Kind, payload); err != nil {
		return Outcome{}, err
	}
	committed = true
	return out, nil
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithHaltHandler sets fn to be called once, with the error that halted
// replay.
func WithHaltHandler(fn func(error)) EngineOption {
	return func(e *Engine) { e.onHalt = fn }
}

// Engine replays logged outcomes in place of live execution. The first
// divergence, exhausted log or corrupt entry halts the engine: every later
// Intercept on any thread returns that same error.
type Engine struct {
	logger *slog.Logger
	onHalt func(error)

	mu     sync.Mutex
	halted error
}

// NewEngine creates a replay engine.
func NewEngine(logger *slog.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Mode implements Interceptor.
func (*Engine) Mode() ir.Mode { return ir.ModeReplay }

// Err returns the error that halted replay, or nil.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

// Intercept consumes the thread's next entry. exec is never called.
func (e *Engine) Intercept(_ context.Context, th *Thread, op Op, _ Exec) (Outcome, error) {
	if err := e.Err(); err != nil {
		return Outcome{}, err
	}
	entry, err := th.log.Consume()
	if err != nil {
		e.logger.Error("replay halted",
			"thread", th.ID(),
			"op", op.Name,
			"error", err)
		return Outcome{}, e.halt(fmt.Errorf("replay %s: %w", op.Name, err))
	}
	if entry.Kind != op.Kind {
		div := &DivergenceError{
			ThreadID: th.ID(),
			Seq:      entry.Seq,
			Expected: entry.Kind,
			Observed: op.Kind,
			Op:       op.Name,
		}
		e.logger.Error("replay divergence",
			"event", "replay_divergence",
			"thread", div.ThreadID,
			"seq", div.Seq,
			"expected", div.Expected.String(),
			"observed", div.Observed.String())
		return Outcome{}, e.halt(div)
	}
	out, err := DecodeOutcome(entry.Payload)
	if err != nil {
		return Outcome{}, e.halt(eventlog.NewCorruptionError(th.ID(), entry.Seq, err.Error(), nil))
	}
	return out, nil
}

// halt records err unless an earlier error already halted the engine, and
// returns whichever error won.
func (e *Engine) halt(err error) error {
	e.mu.Lock()
	if e.halted != nil {
		err = e.halted
		e.mu.Unlock()
		return err
	}
	e.halted = err
	e.mu.Unlock()
	if e.onHalt != nil {
		e.onHalt(err)
	}
	return err
}

// Boundary admits intercepted calls through the safe-point gate and
// dispatches them to the active Interceptor.
type Boundary struct {
	gate    *safepoint.Gate
	current atomic.Pointer[interceptorBox]
}

type interceptorBox struct{ Interceptor }

// NewBoundary creates a boundary using gate and the given strategy.
func NewBoundary(gate *safepoint.Gate, strategy Interceptor) *Boundary {
	b := &Boundary{gate: gate}
	b.Use(strategy)
	return b
}

// Use switches the active strategy.
func (b *Boundary) Use(strategy Interceptor) {
	b.current.Store(&interceptorBox{strategy})
}

// Mode returns the active strategy's mode.
func (b *Boundary) Mode() ir.Mode {
	return b.current.Load().Mode()
}

// Intercept runs one intercepted call for th. The thread is outside a safe
// point for exactly the duration of this call.
func (b *Boundary) Intercept(ctx context.Context, th *Thread, op Op, exec Exec) (Outcome, error) {
	if err := b.gate.Enter(ctx, th.ID()); err != nil {
		return Outcome{}, err
	}
	defer b.gate.Exit(th.ID())
	return b.current.Load().Intercept(ctx, th, op, exec)
}
