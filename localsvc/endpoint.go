package localsvc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Normalization failures map onto stable reason fragments surfaced in status
// payloads as "invalid-local-url:<fragment>".
var (
	ErrScheme = errors.New("local-url-scheme")
	ErrNetloc = errors.New("local-url-netloc")
)

// NormalizeEndpoint canonicalizes a user-supplied OCR base URL. OpenAI-style
// suffixes are stripped so probes and launch plans always work from the
// versioned base; an empty path defaults to /v1.
func NormalizeEndpoint(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrScheme, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", ErrScheme
	}
	if parsed.Host == "" {
		return "", ErrNetloc
	}

	path := strings.TrimRight(parsed.Path, "/")
	if path == "" {
		path = "/v1"
	}
	if strings.HasSuffix(path, "/chat/completions") {
		path = strings.TrimSuffix(path, "/chat/completions")
		if path == "" {
			path = "/v1"
		}
	}
	if strings.HasSuffix(path, "/models") {
		path = strings.TrimSuffix(path, "/models")
		if path == "" {
			path = "/v1"
		}
	}
	return fmt.Sprintf("%s://%s%s", parsed.Scheme, parsed.Host, path), nil
}

// ProbeCandidates derives the health-check URLs for an endpoint, deduplicated
// while preserving order: {base}/models first, then {scheme}://{host}/health.
func ProbeCandidates(endpoint string) []string {
	endpoint = strings.TrimRight(endpoint, "/")
	candidates := []string{endpoint + "/models"}
	if parsed, err := url.Parse(endpoint); err == nil {
		candidates = append(candidates, fmt.Sprintf("%s://%s/health", parsed.Scheme, parsed.Host))
	}
	deduped := candidates[:0]
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		deduped = append(deduped, c)
	}
	return deduped
}

// ProbeResult reports the outcome of one health probe pass.
type ProbeResult struct {
	Healthy    bool
	StatusCode int    // zero when no candidate responded
	ProbeURL   string // last candidate reached, or the winning one
}

// ProbeFunc is the health-probe contract; injectable for tests.
type ProbeFunc func(ctx context.Context, endpoint string, timeout time.Duration) ProbeResult

// ProbeHealth tries each candidate in order. Any response with a status below
// 500 counts as healthy; the first such hit wins.
func ProbeHealth(ctx context.Context, endpoint string, timeout time.Duration) ProbeResult {
	if timeout < time.Second {
		timeout = time.Second
	}
	client := &http.Client{Timeout: timeout}
	var result ProbeResult
	for _, probeURL := range ProbeCandidates(endpoint) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
		if err != nil {
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			continue
		}
		_ = resp.Body.Close()
		result.StatusCode = resp.StatusCode
		result.ProbeURL = probeURL
		if resp.StatusCode < 500 {
			result.Healthy = true
			return result
		}
	}
	return result
}
