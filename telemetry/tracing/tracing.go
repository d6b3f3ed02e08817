package tracing

// Thin wrapper over the OpenTelemetry tracer. Submissions get one span per
// call; batch attempts do not open spans of their own. A nil or disabled
// Tracer is always safe to use.

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer starts spans for autopilot operations.
type Tracer struct {
	tracer trace.Tracer
	tp     *sdktrace.TracerProvider
}

// New returns a Tracer backed by an in-process SDK provider. When disabled,
// spans are no-ops but context propagation still works.
func New(enabled bool) *Tracer {
	if !enabled {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("ocrpilot")}
	}
	tp := sdktrace.NewTracerProvider()
	return &Tracer{tracer: tp.Tracer("ocrpilot"), tp: tp}
}

// Start opens a span named name with the given string attributes.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Shutdown flushes the underlying provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.tp == nil {
		return nil
	}
	return t.tp.Shutdown(ctx)
}

// ExtractIDs returns the hex trace and span ids carried by ctx, empty when absent.
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
