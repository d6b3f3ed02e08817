package policy

import (
	"math"
	"sync"
	"time"
)

// Signal enumerates runtime conditions that can trigger re-evaluation.
type Signal string

const (
	SignalRequestFailed    Signal = "request_failed"
	SignalBackendUnhealthy Signal = "backend_unhealthy"
	SignalBackendRecovered Signal = "backend_recovered"
	SignalLatencySpike     Signal = "latency_spike"
	SignalPeriodicTimer    Signal = "periodic_timer"
	SignalNoChange         Signal = "no_change"
)

// Hysteresis are the anti-flap controls for runtime policy switching.
type Hysteresis struct {
	CooldownSeconds   int
	FlapWindowSeconds int
	FlapThreshold     int
}

// DefaultHysteresis mirrors the documented defaults.
func DefaultHysteresis() Hysteresis {
	return Hysteresis{CooldownSeconds: 45, FlapWindowSeconds: 180, FlapThreshold: 3}
}

// RuntimeState is the suppression-accounting blob. Values, not pointers, flow
// through the engine; the pipeline stores the latest copy in a StateStore.
type RuntimeState struct {
	LastSwitch               time.Time
	SwitchTimestamps         []time.Time
	SuppressionCount         int
	CooldownSuppressionCount int
	FlapSuppressionCount     int
}

// ReevalContext supplies the inputs needed for deterministic hysteresis.
type ReevalContext struct {
	Now        time.Time
	State      RuntimeState
	Hysteresis Hysteresis
}

// ReevalDecision reports whether the pipeline should re-run selection.
type ReevalDecision struct {
	ShouldReevaluate  bool
	ReasonCode        string
	State             RuntimeState
	CooldownRemaining int // seconds; 0 when not suppressed by cooldown
	FlapWindowCount   int
	HardFailureBypass bool
}

// ShouldReevaluate decides whether runtime conditions warrant failover
// re-selection. Hard-failure signals are never blocked by suppression.
// A nil ctx skips hysteresis entirely (stateless intent mapping only).
func ShouldReevaluate(signal Signal, decision Decision, ctx *ReevalContext) ReevalDecision {
	baseReason, baseShould := baseReevalReason(signal, decision)
	if ctx == nil {
		if !baseShould {
			return ReevalDecision{ReasonCode: ReasonReevalNotRequired}
		}
		return ReevalDecision{ShouldReevaluate: true, ReasonCode: baseReason}
	}

	hyst := ctx.Hysteresis
	state := pruneState(ctx.State, ctx.Now, hyst.FlapWindowSeconds)
	if !baseShould {
		return ReevalDecision{ReasonCode: ReasonReevalNotRequired, State: state}
	}

	hardFailure := signal == SignalRequestFailed || signal == SignalBackendUnhealthy
	flapCount := len(state.SwitchTimestamps)
	cooldownRemaining, inCooldown := cooldownRemainingSeconds(state, ctx.Now, hyst.CooldownSeconds)
	flapLimitHit := hyst.FlapThreshold > 0 && flapCount >= hyst.FlapThreshold

	if hardFailure {
		return ReevalDecision{
			ShouldReevaluate:  true,
			ReasonCode:        ReasonReevalFailure,
			State:             recordSwitch(state, ctx.Now, hyst.FlapWindowSeconds),
			FlapWindowCount:   flapCount,
			HardFailureBypass: inCooldown || flapLimitHit,
		}
	}

	if inCooldown {
		return ReevalDecision{
			ReasonCode:        ReasonSuppressedCooldown,
			State:             recordSuppression(state, true, false),
			CooldownRemaining: cooldownRemaining,
			FlapWindowCount:   flapCount,
		}
	}
	if flapLimitHit {
		return ReevalDecision{
			ReasonCode:      ReasonSuppressedFlapping,
			State:           recordSuppression(state, false, true),
			FlapWindowCount: flapCount,
		}
	}
	return ReevalDecision{
		ShouldReevaluate: true,
		ReasonCode:       baseReason,
		State:            recordSwitch(state, ctx.Now, hyst.FlapWindowSeconds),
		FlapWindowCount:  flapCount,
	}
}

func baseReevalReason(signal Signal, decision Decision) (string, bool) {
	switch signal {
	case SignalRequestFailed, SignalBackendUnhealthy:
		return ReasonReevalFailure, true
	case SignalBackendRecovered:
		return ReasonReevalRecovered, true
	case SignalLatencySpike:
		// The GPU path is trusted to be fast; latency spikes only matter elsewhere.
		if decision.HardwarePath != PathGPU {
			return ReasonReevalLatency, true
		}
	case SignalPeriodicTimer:
		return ReasonReevalTimer, true
	}
	return ReasonReevalNotRequired, false
}

func pruneState(state RuntimeState, now time.Time, flapWindowSeconds int) RuntimeState {
	if flapWindowSeconds <= 0 || len(state.SwitchTimestamps) == 0 {
		return state
	}
	cutoff := now.Add(-time.Duration(flapWindowSeconds) * time.Second)
	filtered := make([]time.Time, 0, len(state.SwitchTimestamps))
	for _, ts := range state.SwitchTimestamps {
		if !ts.Before(cutoff) {
			filtered = append(filtered, ts)
		}
	}
	state.SwitchTimestamps = filtered
	return state
}

func recordSwitch(state RuntimeState, now time.Time, flapWindowSeconds int) RuntimeState {
	next := pruneState(state, now, flapWindowSeconds)
	next.LastSwitch = now
	next.SwitchTimestamps = append(append([]time.Time(nil), next.SwitchTimestamps...), now)
	return next
}

func recordSuppression(state RuntimeState, cooldown, flap bool) RuntimeState {
	state.SuppressionCount++
	if cooldown {
		state.CooldownSuppressionCount++
	}
	if flap {
		state.FlapSuppressionCount++
	}
	return state
}

func cooldownRemainingSeconds(state RuntimeState, now time.Time, cooldownSeconds int) (int, bool) {
	if cooldownSeconds <= 0 || state.LastSwitch.IsZero() {
		return 0, false
	}
	elapsed := now.Sub(state.LastSwitch).Seconds()
	if elapsed >= float64(cooldownSeconds) {
		return 0, false
	}
	remaining := int(math.Ceil(float64(cooldownSeconds) - elapsed))
	if remaining < 1 {
		remaining = 1
	}
	return remaining, true
}

// StateStore holds the process-wide runtime state. The engine above never
// mutates it; the pipeline applies returned states explicitly.
type StateStore struct {
	mu    sync.Mutex
	state RuntimeState
}

// NewStateStore returns an empty store.
func NewStateStore() *StateStore { return &StateStore{} }

// Get returns a copy of the current state.
func (s *StateStore) Get() RuntimeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.state
	out.SwitchTimestamps = append([]time.Time(nil), s.state.SwitchTimestamps...)
	return out
}

// Apply stores the state returned by ShouldReevaluate.
func (s *StateStore) Apply(state RuntimeState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Reset clears all accounting. Reserved for tests.
func (s *StateStore) Reset() {
	s.mu.Lock()
	s.state = RuntimeState{}
	s.mu.Unlock()
}
