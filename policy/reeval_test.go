package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gpuDecision() Decision {
	return Decision{BackendID: "glm-ocr-local-openai", BackendMode: ModeOpenAICompatible, HardwarePath: PathGPU}
}

func remoteDecision() Decision {
	return Decision{BackendID: "glm-ocr-remote-openai", BackendMode: ModeOpenAICompatible, HardwarePath: PathRemote}
}

func ts(sec int64) time.Time { return time.Unix(sec, 0) }

func TestNoChangeIsIdempotent(t *testing.T) {
	state := RuntimeState{LastSwitch: ts(100), SwitchTimestamps: []time.Time{ts(100)}}
	ctx := &ReevalContext{Now: ts(120), State: state, Hysteresis: DefaultHysteresis()}

	out := ShouldReevaluate(SignalNoChange, gpuDecision(), ctx)

	assert.False(t, out.ShouldReevaluate)
	assert.Equal(t, ReasonReevalNotRequired, out.ReasonCode)
	assert.Equal(t, state.LastSwitch, out.State.LastSwitch)
	assert.Zero(t, out.State.SuppressionCount)
}

func TestStatelessIntentMapping(t *testing.T) {
	cases := []struct {
		signal Signal
		reason string
		should bool
	}{
		{SignalRequestFailed, ReasonReevalFailure, true},
		{SignalBackendUnhealthy, ReasonReevalFailure, true},
		{SignalBackendRecovered, ReasonReevalRecovered, true},
		{SignalPeriodicTimer, ReasonReevalTimer, true},
		{SignalNoChange, ReasonReevalNotRequired, false},
	}
	for _, tc := range cases {
		out := ShouldReevaluate(tc.signal, remoteDecision(), nil)
		assert.Equal(t, tc.should, out.ShouldReevaluate, "signal %s", tc.signal)
		assert.Equal(t, tc.reason, out.ReasonCode, "signal %s", tc.signal)
	}
}

func TestLatencySpikeIgnoredOnGPUPath(t *testing.T) {
	out := ShouldReevaluate(SignalLatencySpike, gpuDecision(), nil)
	assert.False(t, out.ShouldReevaluate)
	assert.Equal(t, ReasonReevalNotRequired, out.ReasonCode)

	out = ShouldReevaluate(SignalLatencySpike, remoteDecision(), nil)
	assert.True(t, out.ShouldReevaluate)
	assert.Equal(t, ReasonReevalLatency, out.ReasonCode)
}

func TestCooldownSuppression(t *testing.T) {
	state := RuntimeState{LastSwitch: ts(100), SwitchTimestamps: []time.Time{ts(100)}}
	ctx := &ReevalContext{Now: ts(120), State: state, Hysteresis: DefaultHysteresis()}

	out := ShouldReevaluate(SignalLatencySpike, remoteDecision(), ctx)

	assert.False(t, out.ShouldReevaluate)
	assert.Equal(t, ReasonSuppressedCooldown, out.ReasonCode)
	assert.Equal(t, 25, out.CooldownRemaining)
	assert.Equal(t, 1, out.State.SuppressionCount)
	assert.Equal(t, 1, out.State.CooldownSuppressionCount)
}

func TestFlapSuppressionAfterWindowFills(t *testing.T) {
	state := RuntimeState{
		LastSwitch:       ts(150),
		SwitchTimestamps: []time.Time{ts(110), ts(130), ts(150)},
	}
	ctx := &ReevalContext{Now: ts(210), State: state, Hysteresis: DefaultHysteresis()}

	out := ShouldReevaluate(SignalPeriodicTimer, remoteDecision(), ctx)

	assert.False(t, out.ShouldReevaluate)
	assert.Equal(t, ReasonSuppressedFlapping, out.ReasonCode)
	assert.Equal(t, 3, out.FlapWindowCount)
	assert.Equal(t, 1, out.State.FlapSuppressionCount)
}

func TestHardFailureBypassesSuppression(t *testing.T) {
	state := RuntimeState{
		LastSwitch:       ts(210),
		SwitchTimestamps: []time.Time{ts(120), ts(170), ts(210)},
	}
	ctx := &ReevalContext{Now: ts(220), State: state, Hysteresis: DefaultHysteresis()}

	out := ShouldReevaluate(SignalBackendUnhealthy, remoteDecision(), ctx)

	require.True(t, out.ShouldReevaluate)
	assert.Equal(t, ReasonReevalFailure, out.ReasonCode)
	assert.True(t, out.HardFailureBypass)
	assert.Equal(t, ts(220), out.State.LastSwitch)
	assert.Equal(t, ts(220), out.State.SwitchTimestamps[len(out.State.SwitchTimestamps)-1])
}

func TestHardFailureWithoutSuppressionDoesNotFlagBypass(t *testing.T) {
	ctx := &ReevalContext{Now: ts(500), Hysteresis: DefaultHysteresis()}

	out := ShouldReevaluate(SignalRequestFailed, remoteDecision(), ctx)

	assert.True(t, out.ShouldReevaluate)
	assert.False(t, out.HardFailureBypass)
	assert.Equal(t, ts(500), out.State.LastSwitch)
}

func TestPruneDropsTimestampsOutsideWindow(t *testing.T) {
	state := RuntimeState{
		LastSwitch:       ts(100),
		SwitchTimestamps: []time.Time{ts(10), ts(50), ts(100)},
	}
	ctx := &ReevalContext{Now: ts(250), State: state, Hysteresis: DefaultHysteresis()}

	out := ShouldReevaluate(SignalPeriodicTimer, remoteDecision(), ctx)

	// ts(10) and ts(50) fall outside the 180 s window ending at 250.
	assert.True(t, out.ShouldReevaluate)
	require.Len(t, out.State.SwitchTimestamps, 2)
	assert.Equal(t, ts(100), out.State.SwitchTimestamps[0])
	assert.Equal(t, ts(250), out.State.SwitchTimestamps[1])
}

func TestApprovedReevalRecordsSwitch(t *testing.T) {
	ctx := &ReevalContext{Now: ts(1000), Hysteresis: DefaultHysteresis()}

	out := ShouldReevaluate(SignalBackendRecovered, remoteDecision(), ctx)

	assert.True(t, out.ShouldReevaluate)
	assert.Equal(t, ReasonReevalRecovered, out.ReasonCode)
	assert.Equal(t, []time.Time{ts(1000)}, out.State.SwitchTimestamps)
}

func TestStateStoreRoundTrip(t *testing.T) {
	store := NewStateStore()
	store.Apply(RuntimeState{LastSwitch: ts(42), SwitchTimestamps: []time.Time{ts(42)}})

	got := store.Get()
	assert.Equal(t, ts(42), got.LastSwitch)

	// Mutating the copy must not leak into the store.
	got.SwitchTimestamps[0] = ts(99)
	assert.Equal(t, ts(42), store.Get().SwitchTimestamps[0])

	store.Reset()
	assert.Zero(t, store.Get().LastSwitch)
}
