package ocr

import (
	"strings"

	"github.com/pagepress/ocrpilot/config"
	"github.com/pagepress/ocrpilot/hardware"
	"github.com/pagepress/ocrpilot/policy"
)

// Stable backend identifiers.
const (
	BackendLocalOpenAI  = "glm-ocr-local-openai"
	BackendRemoteOpenAI = "glm-ocr-remote-openai"
	BackendMaaS         = "glm-ocr-maas"
)

// ResolveBackend produces the ordered candidate tuple from settings +
// capabilities and runs the policy selector over it. The returned chain lists
// every candidate id with the selected backend first.
func ResolveBackend(settings config.Settings, caps hardware.CapabilitySnapshot) (ResolvedBackend, error) {
	var candidates []policy.Candidate
	if strings.TrimSpace(settings.OCR.LocalURL) != "" {
		path := policy.PathCPU
		if caps.GPUCount() > 0 {
			path = policy.PathGPU
		}
		candidates = append(candidates, policy.Candidate{
			BackendID:    BackendLocalOpenAI,
			BackendMode:  policy.ModeOpenAICompatible,
			HardwarePath: path,
		})
	}
	if strings.TrimSpace(settings.OCR.ServerURL) != "" {
		candidates = append(candidates, policy.Candidate{
			BackendID:    BackendRemoteOpenAI,
			BackendMode:  policy.ModeOpenAICompatible,
			HardwarePath: policy.PathRemote,
		})
	}
	if strings.TrimSpace(settings.OCR.MaaSURL) != "" {
		candidates = append(candidates, policy.Candidate{
			BackendID:    BackendMaaS,
			BackendMode:  policy.ModeMaaS,
			HardwarePath: policy.PathRemote,
		})
	}

	decision, err := policy.Select(candidates)
	if err != nil {
		return ResolvedBackend{}, err
	}

	chain := append([]string{decision.BackendID}, decision.FallbackChain...)
	return ResolvedBackend{
		BackendID:     decision.BackendID,
		BackendMode:   decision.BackendMode,
		HardwarePath:  decision.HardwarePath,
		FallbackChain: chain,
		ReasonCodes:   decision.ReasonCodes,
		Decision:      decision,
		Candidates:    candidates,
	}, nil
}

// candidateByID finds the candidate metadata for a backend id.
func candidateByID(candidates []policy.Candidate, id string) (policy.Candidate, bool) {
	for _, c := range candidates {
		if c.BackendID == id {
			return c, true
		}
	}
	return policy.Candidate{}, false
}
