// Package policy implements the deterministic backend selection and
// re-evaluation engine. It is pure: all mutable runtime state is passed in and
// returned by value so the submission pipeline can own the singletons.
package policy

import "errors"

// Backend modes.
const (
	ModeOpenAICompatible = "openai-compatible"
	ModeMaaS             = "maas"
)

// Hardware paths.
const (
	PathGPU    = "gpu"
	PathCPU    = "cpu"
	PathRemote = "remote"
)

// Reason codes form a closed set; consumers depend on these exact strings.
const (
	ReasonLocalGPUPreferred = "policy.local.gpu-preferred"
	ReasonLocalCPUFallback  = "policy.local.cpu-fallback"
	ReasonRemoteFallback    = "policy.remote.fallback"
	ReasonSkipUnhealthy     = "policy.skip.unhealthy"

	ReasonReevalTimer       = "policy.reeval.timer"
	ReasonReevalFailure     = "policy.reeval.failure"
	ReasonReevalRecovered   = "policy.reeval.recovered"
	ReasonReevalLatency     = "policy.reeval.latency"
	ReasonReevalNotRequired = "policy.reeval.not-required"

	ReasonSuppressedCooldown = "policy.reeval.suppressed.cooldown"
	ReasonSuppressedFlapping = "policy.reeval.suppressed.flapping"
)

// Health is the tri-state health annotation on a candidate.
type Health int

const (
	HealthUnknown Health = iota
	HealthGood
	HealthBad
)

// Candidate is a backend considered by the selector.
type Candidate struct {
	BackendID    string
	BackendMode  string
	HardwarePath string
	Health       Health
}

// Decision is the immutable result of a selection with policy trace metadata.
type Decision struct {
	BackendID        string   `json:"backend_id"`
	BackendMode      string   `json:"backend_mode"`
	HardwarePath     string   `json:"hardware_path"`
	FallbackChain    []string `json:"fallback_chain"`
	ReasonCodes      []string `json:"reason_codes"`
	ReevaluateAfterS int      `json:"reevaluate_after_s"`
}

// ErrNoCandidates is returned when selection runs on an empty tuple.
var ErrNoCandidates = errors.New("policy: at least one backend candidate required")

// Select picks the first candidate not marked unhealthy, in input order;
// preference therefore follows candidate order. Unhealthy candidates are skipped; if every candidate is unhealthy the first
// one is chosen anyway so the executor still has something to try.
func Select(candidates []Candidate) (Decision, error) {
	if len(candidates) == 0 {
		return Decision{}, ErrNoCandidates
	}

	var reasons []string
	selected := -1
	for i, c := range candidates {
		if c.Health == HealthBad {
			reasons = append(reasons, ReasonSkipUnhealthy)
			continue
		}
		selected = i
		break
	}
	if selected < 0 {
		selected = 0
		reasons = append(reasons, ReasonSkipUnhealthy)
	}
	chosen := candidates[selected]

	switch chosen.HardwarePath {
	case PathGPU:
		reasons = append(reasons, ReasonLocalGPUPreferred)
	case PathCPU:
		reasons = append(reasons, ReasonLocalCPUFallback)
	default:
		reasons = append(reasons, ReasonRemoteFallback)
	}

	var fallback []string
	for _, c := range candidates {
		if c.BackendID != chosen.BackendID {
			fallback = append(fallback, c.BackendID)
		}
	}

	// Re-evaluate faster when not on the top-tier local GPU path.
	reevalAfter := 30
	if chosen.HardwarePath == PathGPU {
		reevalAfter = 120
	}

	return Decision{
		BackendID:        chosen.BackendID,
		BackendMode:      chosen.BackendMode,
		HardwarePath:     chosen.HardwarePath,
		FallbackChain:    fallback,
		ReasonCodes:      reasons,
		ReevaluateAfterS: reevalAfter,
	}, nil
}
