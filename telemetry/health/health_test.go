package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestEvaluatorAggregatesWorstStatus(t *testing.T) {
	eval := NewEvaluator(time.Minute,
		ProbeFunc(func(ctx context.Context) ProbeResult { return Healthy("a") }),
		ProbeFunc(func(ctx context.Context) ProbeResult { return Degraded("b", "slow") }),
	)
	snap := eval.Evaluate(context.Background())
	if snap.Overall != StatusDegraded {
		t.Fatalf("expected degraded, got %s", snap.Overall)
	}
	if len(snap.Probes) != 2 {
		t.Fatalf("expected two probe results, got %d", len(snap.Probes))
	}
}

func TestEvaluatorUnhealthyDominates(t *testing.T) {
	eval := NewEvaluator(time.Minute,
		ProbeFunc(func(ctx context.Context) ProbeResult { return Degraded("a", "meh") }),
		ProbeFunc(func(ctx context.Context) ProbeResult { return Unhealthy("b", "down") }),
	)
	if snap := eval.Evaluate(context.Background()); snap.Overall != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", snap.Overall)
	}
}

func TestEvaluatorCachesWithinTTL(t *testing.T) {
	var calls atomic.Int32
	eval := NewEvaluator(time.Minute, ProbeFunc(func(ctx context.Context) ProbeResult {
		calls.Add(1)
		return Healthy("a")
	}))

	_ = eval.Evaluate(context.Background())
	_ = eval.Evaluate(context.Background())
	if calls.Load() != 1 {
		t.Fatalf("expected one probe call within TTL, got %d", calls.Load())
	}

	eval.ForceInvalidate()
	_ = eval.Evaluate(context.Background())
	if calls.Load() != 2 {
		t.Fatalf("expected recompute after invalidate, got %d", calls.Load())
	}
}

func TestEvaluatorNoProbesIsUnknown(t *testing.T) {
	eval := NewEvaluator(time.Minute)
	if snap := eval.Evaluate(context.Background()); snap.Overall != StatusUnknown {
		t.Fatalf("expected unknown, got %s", snap.Overall)
	}
}

func TestRegisterAddsProbe(t *testing.T) {
	eval := NewEvaluator(time.Minute)
	eval.Register(ProbeFunc(func(ctx context.Context) ProbeResult { return Healthy("late") }))
	eval.ForceInvalidate()
	if snap := eval.Evaluate(context.Background()); snap.Overall != StatusHealthy {
		t.Fatalf("expected healthy, got %s", snap.Overall)
	}
}
