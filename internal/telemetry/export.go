package telemetry

import (
	"context"
	"log/slog"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// LogExporter writes every finished barrier span to a logger.
type LogExporter struct {
	logger *slog.Logger
}

// NewLogExporter returns an exporter that logs through logger.
func NewLogExporter(logger *slog.Logger) *LogExporter {
	return &LogExporter{logger: logger}
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *LogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		attrs := []any{
			"event", "barrier_span",
			"span", s.Name(),
			"trace_id", s.SpanContext().TraceID().String(),
			"duration", s.EndTime().Sub(s.StartTime()),
			"status", s.Status().Code.String(),
			"events", len(s.Events()),
		}
		for _, kv := range s.Attributes() {
			attrs = append(attrs, string(kv.Key), kv.Value.Emit())
		}
		if d := s.Status().Description; d != "" {
			attrs = append(attrs, "reason", d)
		}
		e.logger.InfoContext(ctx, "barrier span", attrs...)
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter.
func (e *LogExporter) Shutdown(context.Context) error { return nil }

// NewLogging returns a Telemetry backed by an SDK tracer provider that logs
// each barrier span when it ends, and the provider's shutdown function.
func NewLogging(logger *slog.Logger) (*Telemetry, func(context.Context) error) {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(NewLogExporter(logger)))
	return New(tp, nil), tp.Shutdown
}
