// Package telemetry bridges barrier progress to OpenTelemetry.
//
// Each barrier epoch is one span; every phase transition is a span event
// and a phase-duration sample. Commits and aborts are counted. With nil
// providers everything is a noop.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/roach88/lockstep/internal/ir"
)

const instrumentationName = "github.com/roach88/lockstep"

// Telemetry emits barrier spans and metrics.
type Telemetry struct {
	tp     trace.TracerProvider
	mp     metric.MeterProvider
	tracer trace.Tracer

	completed metric.Int64Counter
	aborted   metric.Int64Counter
	phaseDur  metric.Float64Histogram
}

// New creates a Telemetry using the given providers; nil means noop.
func New(tp trace.TracerProvider, mp metric.MeterProvider) *Telemetry {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	if mp == nil {
		mp = metricnoop.NewMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	t := &Telemetry{tp: tp, mp: mp, tracer: tp.Tracer(instrumentationName)}

	// Instrument creation only fails on invalid names; fall back to noop.
	var err error
	if t.completed, err = meter.Int64Counter("lockstep.barrier.completed",
		metric.WithDescription("Barriers that returned to Idle successfully")); err != nil {
		t.completed, _ = metricnoop.Meter{}.Int64Counter("lockstep.barrier.completed")
	}
	if t.aborted, err = meter.Int64Counter("lockstep.barrier.aborted",
		metric.WithDescription("Barriers aborted to Idle")); err != nil {
		t.aborted, _ = metricnoop.Meter{}.Int64Counter("lockstep.barrier.aborted")
	}
	if t.phaseDur, err = meter.Float64Histogram("lockstep.barrier.phase.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Time spent in each barrier phase")); err != nil {
		t.phaseDur, _ = metricnoop.Meter{}.Float64Histogram("lockstep.barrier.phase.duration")
	}
	return t
}

// Noop returns a Telemetry that records nothing.
func Noop() *Telemetry { return New(nil, nil) }

// Handler instruments an HTTP handler.
func (t *Telemetry) Handler(h http.Handler, operation string) http.Handler {
	return otelhttp.NewHandler(h, operation,
		otelhttp.WithTracerProvider(t.tp),
		otelhttp.WithMeterProvider(t.mp))
}

// Barrier traces one barrier epoch.
type Barrier struct {
	t          *Telemetry
	span       trace.Span
	ctx        context.Context
	kind       string
	phase      ir.Phase
	phaseStart time.Time
}

// Begin starts the span for a barrier epoch.
func (t *Telemetry) Begin(ctx context.Context, kind string, epoch uint64, first ir.Phase, participants []ir.ProcessID) *Barrier {
	names := make([]string, len(participants))
	for i, p := range participants {
		names[i] = string(p)
	}
	ctx, span := t.tracer.Start(ctx, "lockstep."+kind,
		trace.WithAttributes(
			attribute.String("lockstep.barrier.kind", kind),
			attribute.Int64("lockstep.barrier.epoch", int64(epoch)),
			attribute.StringSlice("lockstep.barrier.participants", names),
		))
	return &Barrier{t: t, span: span, ctx: ctx, kind: kind, phase: first, phaseStart: time.Now()}
}

// Context returns the context carrying the barrier span.
func (b *Barrier) Context() context.Context { return b.ctx }

// Transition records a phase change.
func (b *Barrier) Transition(from, to ir.Phase) {
	b.observePhase(from)
	b.span.AddEvent("phase_transition", trace.WithAttributes(
		attribute.String("lockstep.phase.from", from.String()),
		attribute.String("lockstep.phase.to", to.String()),
	))
	b.phase = to
	b.phaseStart = time.Now()
}

// Fail records a participant failure.
func (b *Barrier) Fail(pid ir.ProcessID, reason string) {
	b.span.AddEvent("participant_failed", trace.WithAttributes(
		attribute.String("lockstep.process_id", string(pid)),
		attribute.String("lockstep.reason", reason),
	))
}

// End closes the span. A non-empty abortReason marks it as an error.
func (b *Barrier) End(abortReason string) {
	attrs := metric.WithAttributes(attribute.String("lockstep.barrier.kind", b.kind))
	if abortReason != "" {
		b.observePhase(b.phase)
		b.span.SetStatus(codes.Error, abortReason)
		b.t.aborted.Add(context.Background(), 1, attrs)
	} else {
		b.span.SetStatus(codes.Ok, "")
		b.t.completed.Add(context.Background(), 1, attrs)
	}
	b.span.End()
}

func (b *Barrier) observePhase(p ir.Phase) {
	if p == ir.PhaseIdle {
		return
	}
	b.t.phaseDur.Record(context.Background(), time.Since(b.phaseStart).Seconds(),
		metric.WithAttributes(attribute.String("lockstep.phase", p.String())))
}
