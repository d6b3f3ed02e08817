package tracing

import (
	"context"
	"testing"
)

func TestEnabledTracerProducesIDs(t *testing.T) {
	tr := New(true)
	defer func() { _ = tr.Shutdown(context.Background()) }()

	ctx, span := tr.Start(context.Background(), "ocr.submit_tiles")
	defer span.End()

	traceID, spanID := ExtractIDs(ctx)
	if traceID == "" || spanID == "" {
		t.Fatalf("expected ids, got trace=%q span=%q", traceID, spanID)
	}
}

func TestDisabledTracerIsSafe(t *testing.T) {
	tr := New(false)
	ctx, span := tr.Start(context.Background(), "noop")
	span.End()
	if traceID, _ := ExtractIDs(ctx); traceID != "" {
		t.Fatalf("noop tracer should not produce sampled ids, got %q", traceID)
	}
}

func TestNilTracerIsSafe(t *testing.T) {
	var tr *Tracer
	ctx, span := tr.Start(context.Background(), "nil")
	_ = ctx
	_ = span
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown: %v", err)
	}
}
