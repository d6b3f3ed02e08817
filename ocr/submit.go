package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pagepress/ocrpilot/config"
	"github.com/pagepress/ocrpilot/hardware"
	"github.com/pagepress/ocrpilot/internal/autotune"
	"github.com/pagepress/ocrpilot/policy"
	"github.com/pagepress/ocrpilot/telemetry/events"
)

// Retry schedule for one HTTP round-trip: sleep 3 s, then 9 s, three attempts total.
var backoffSchedule = []time.Duration{3 * time.Second, 9 * time.Second}

const maxAttempts = 3

// payloadOverheadBytes approximates the JSON envelope around the tile images.
const payloadOverheadBytes = 2048

// submitGroup walks the failover chain for one tile group: skip open
// circuits, gate local backends on the lifecycle manager, submit, and convert
// failures into breaker + event updates. When every circuit is open the
// last-tier remote still gets one best-effort probe.
func (c *Client) submitGroup(ctx context.Context, run *submissionRun, backend ResolvedBackend, group []encodedTile, settings config.Settings, caps hardware.CapabilitySnapshot, controller *autotune.Controller) error {
	var lastErr error
	attempted := false

	for _, id := range backend.FallbackChain {
		cand, ok := candidateByID(backend.Candidates, id)
		if !ok {
			continue
		}
		if !c.breakers.Allow(id) {
			c.emitEvent(ctx, run, FailoverEvent{
				Event:        EventBackendSkipped,
				BackendID:    id,
				BackendMode:  cand.BackendMode,
				HardwarePath: cand.HardwarePath,
				ReasonCode:   ReasonCircuitOpen,
				CircuitOpen:  true,
			})
			continue
		}

		if isLocalPath(cand.HardwarePath) {
			status := run.ensureLocal(ctx, c, settings, caps, cand.HardwarePath)
			if !status.Healthy {
				c.breakers.RecordFailure(id, ReasonLocalUnhealthy)
				c.emitEvent(ctx, run, FailoverEvent{
					Event:        EventBackendFailed,
					BackendID:    id,
					BackendMode:  cand.BackendMode,
					HardwarePath: cand.HardwarePath,
					ReasonCode:   ReasonLocalUnhealthy,
					CircuitOpen:  c.breakers.IsOpen(id),
					StatusCode:   status.StatusCode,
				})
				c.reevaluate(ctx, policy.SignalBackendUnhealthy, backend.Decision, settings.Hysteresis)
				lastErr = &SubmitError{BackendID: id, ReasonCode: ReasonLocalUnhealthy,
					Err: fmt.Errorf("local service %s (%s)", status.Action, status.Reason)}
				continue
			}
		}

		attempted = true
		if err := c.attemptBackend(ctx, run, cand, backend, group, settings, controller); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	if !attempted {
		if cand, ok := lastRemoteCandidate(backend.Candidates); ok {
			// Best-effort probe past the open circuits.
			if err := c.attemptBackend(ctx, run, cand, backend, group, settings, controller); err != nil {
				return err
			}
			return nil
		}
	}

	if lastErr == nil {
		lastErr = &SubmitError{BackendID: backend.BackendID, ReasonCode: ReasonCircuitOpen,
			Err: fmt.Errorf("every backend circuit is open")}
	}
	return lastErr
}

func lastRemoteCandidate(candidates []policy.Candidate) (policy.Candidate, bool) {
	for i := len(candidates) - 1; i >= 0; i-- {
		if candidates[i].HardwarePath == policy.PathRemote {
			return candidates[i], true
		}
	}
	return policy.Candidate{}, false
}

// attemptBackend submits the group to one backend, translating the outcome
// into breaker state, failover events, and autotune feedback.
func (c *Client) attemptBackend(ctx context.Context, run *submissionRun, cand policy.Candidate, backend ResolvedBackend, group []encodedTile, settings config.Settings, controller *autotune.Controller) error {
	c.emitEvent(ctx, run, FailoverEvent{
		Event:        EventBackendAttempted,
		BackendID:    cand.BackendID,
		BackendMode:  cand.BackendMode,
		HardwarePath: cand.HardwarePath,
	})

	batches, err := c.submitToBackend(ctx, cand, group, settings)
	if err != nil {
		reason := ReasonTransportError
		status := 0
		var httpErr *httpStatusError
		if errors.As(err, &httpErr) {
			reason = ReasonHTTPError
			status = httpErr.status
		}
		c.breakers.RecordFailure(cand.BackendID, reason)
		if status >= 500 {
			controller.Observe(autotune.Feedback{StatusCode: status, Attempts: maxAttempts})
		}
		c.emitEvent(ctx, run, FailoverEvent{
			Event:        EventBackendFailed,
			BackendID:    cand.BackendID,
			BackendMode:  cand.BackendMode,
			HardwarePath: cand.HardwarePath,
			ReasonCode:   reason,
			CircuitOpen:  c.breakers.IsOpen(cand.BackendID),
			StatusCode:   status,
		})
		c.reevaluate(ctx, policy.SignalRequestFailed, backend.Decision, settings.Hysteresis)
		c.logger.WarnCtx(ctx, "backend submission failed",
			slog.String("backend_id", cand.BackendID), slog.String("reason", reason), slog.Any("error", err))
		return &SubmitError{BackendID: cand.BackendID, ReasonCode: reason, Err: err}
	}

	c.breakers.RecordSuccess(cand.BackendID)
	lastStatus := 0
	for _, batch := range batches {
		run.recordBatch(batch.telemetry, batch.markdown)
		controller.Observe(autotune.Feedback{
			StatusCode: batch.telemetry.StatusCode,
			Latency:    time.Duration(batch.telemetry.LatencyMS) * time.Millisecond,
			Attempts:   batch.telemetry.Attempts,
		})
		lastStatus = batch.telemetry.StatusCode
		if c.mBatches != nil {
			c.mBatches.Inc(1, cand.BackendID)
			c.mTiles.Inc(float64(len(batch.telemetry.TileIDs)), cand.BackendID)
			c.mLatency.Observe(float64(batch.telemetry.LatencyMS)/1000, cand.BackendID)
		}
	}
	if c.gLimit != nil {
		c.gLimit.Set(float64(controller.Limit()))
	}
	c.emitEvent(ctx, run, FailoverEvent{
		Event:        EventBackendSucceeded,
		BackendID:    cand.BackendID,
		BackendMode:  cand.BackendMode,
		HardwarePath: cand.HardwarePath,
		StatusCode:   lastStatus,
	})
	return nil
}

func (c *Client) emitEvent(ctx context.Context, run *submissionRun, ev FailoverEvent) {
	ev = run.appendEvent(ev)
	if c.mFailover != nil {
		c.mFailover.Inc(1, ev.Event)
	}
	c.publish(ctx, events.Event{
		Category: events.CategoryFailover,
		Type:     ev.Event,
		Labels:   map[string]string{"backend_id": ev.BackendID},
		Fields: map[string]interface{}{
			"seq":           ev.Seq,
			"backend_mode":  ev.BackendMode,
			"hardware_path": ev.HardwarePath,
			"reason_code":   ev.ReasonCode,
			"circuit_open":  ev.CircuitOpen,
		},
	})
}

// batchOutcome pairs one round-trip's telemetry with its extracted markdown.
type batchOutcome struct {
	telemetry BatchTelemetry
	markdown  []string
}

// submitToBackend issues the HTTP round-trips for one group against one
// backend. Chat and MaaS shapes carry one tile per request; the legacy batch
// shape carries the whole group.
func (c *Client) submitToBackend(ctx context.Context, cand policy.Candidate, group []encodedTile, settings config.Settings) ([]batchOutcome, error) {
	base := backendBaseURL(cand.BackendID, settings)
	if base == "" {
		return nil, fmt.Errorf("backend %s has no configured URL", cand.BackendID)
	}
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	// API keys are for hosted endpoints only; never sent to local servers.
	if settings.OCR.APIKey != "" && cand.HardwarePath == policy.PathRemote {
		headers.Set("Authorization", "Bearer "+settings.OCR.APIKey)
	}

	switch {
	case cand.BackendMode == policy.ModeMaaS:
		return c.submitPerTile(ctx, base, headers, group, func(tile encodedTile) (map[string]any, func(map[string]any) (string, error)) {
			return BuildMaaSPayload(tile.imageB64, tile.model), ExtractMaaSMarkdown
		})
	default:
		submitURL, chat := resolveSubmitEndpoint(base)
		if chat {
			return c.submitPerTile(ctx, submitURL, headers, group, func(tile encodedTile) (map[string]any, func(map[string]any) (string, error)) {
				return BuildOpenAIChatPayload(tile.imageB64, GLMDefaultPrompt, tile.model), ExtractOpenAIMarkdown
			})
		}
		return c.submitLegacyBatch(ctx, submitURL, headers, group, settings.OCR.UseFP8)
	}
}

func (c *Client) submitPerTile(ctx context.Context, submitURL string, headers http.Header, group []encodedTile, build func(encodedTile) (map[string]any, func(map[string]any) (string, error))) ([]batchOutcome, error) {
	outcomes := make([]batchOutcome, 0, len(group))
	for _, tile := range group {
		payload, extract := build(tile)
		tileIDs := []string{tile.tileID}
		outcome, err := c.roundTrip(ctx, submitURL, headers, payload, tileIDs, tile.sizeBytes+payloadOverheadBytes,
			func(body map[string]any) ([]string, error) {
				md, err := extract(body)
				if err != nil {
					return nil, err
				}
				return []string{md}, nil
			})
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func (c *Client) submitLegacyBatch(ctx context.Context, submitURL string, headers http.Header, group []encodedTile, useFP8 bool) ([]batchOutcome, error) {
	tileIDs := make([]string, 0, len(group))
	payloadBytes := payloadOverheadBytes
	for _, tile := range group {
		tileIDs = append(tileIDs, tile.tileID)
		payloadBytes += tile.sizeBytes
	}
	outcome, err := c.roundTrip(ctx, submitURL, headers, buildLegacyPayload(group, useFP8), tileIDs, payloadBytes,
		func(body map[string]any) ([]string, error) {
			return extractLegacyBatch(body, tileIDs)
		})
	if err != nil {
		return nil, err
	}
	return []batchOutcome{outcome}, nil
}

// httpStatusError marks responses with status >= 400 so the failover layer
// can distinguish HTTP failures from transport failures.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("ocr backend returned status %d", e.status)
}

// malformedError marks responses whose body could not be normalized. These
// trigger failover without further in-batch retries.
type malformedError struct{ err error }

func (e *malformedError) Error() string { return e.err.Error() }
func (e *malformedError) Unwrap() error { return e.err }

// isRetryable: transient transport errors, 429, and 5xx retry within the
// batch; other 4xx and malformed responses go straight to failover.
func isRetryable(err error) bool {
	var malformed *malformedError
	if errors.As(err, &malformed) {
		return false
	}
	var httpErr *httpStatusError
	if errors.As(err, &httpErr) {
		return httpErr.status == http.StatusTooManyRequests || httpErr.status >= 500
	}
	return true
}

// roundTrip posts the payload with the fixed backoff schedule. Extraction
// failures are wrapped as malformed responses and end the round-trip without
// an in-batch retry.
func (c *Client) roundTrip(ctx context.Context, submitURL string, headers http.Header, payload map[string]any, tileIDs []string, payloadBytes int, extract func(map[string]any) ([]string, error)) (batchOutcome, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return batchOutcome{}, err
	}

	var lastErr error
	attemptsUsed := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptsUsed = attempt
		start := time.Now()
		markdown, status, requestID, attemptErr := c.attemptOnce(ctx, submitURL, headers, body, extract)
		if attemptErr == nil {
			return batchOutcome{
				telemetry: BatchTelemetry{
					TileIDs:      tileIDs,
					LatencyMS:    time.Since(start).Milliseconds(),
					StatusCode:   status,
					RequestID:    requestID,
					PayloadBytes: payloadBytes,
					Attempts:     attempt,
				},
				markdown: markdown,
			}, nil
		}
		lastErr = attemptErr
		c.logger.WarnCtx(ctx, "ocr request failed",
			slog.String("url", submitURL), slog.Int("attempt", attempt), slog.Int("max_attempts", maxAttempts),
			slog.Int("status", status), slog.Any("error", attemptErr))
		if attempt >= maxAttempts || !isRetryable(attemptErr) {
			break
		}
		if err := c.sleep(ctx, backoffSchedule[attempt-1]); err != nil {
			return batchOutcome{}, err
		}
	}
	return batchOutcome{}, fmt.Errorf("ocr request failed after %d attempts: %w", attemptsUsed, lastErr)
}

func (c *Client) attemptOnce(ctx context.Context, submitURL string, headers http.Header, body []byte, extract func(map[string]any) ([]string, error)) (markdown []string, status int, requestID string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, submitURL, bytes.NewReader(body))
	if err != nil {
		return nil, 0, "", err
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	status = resp.StatusCode

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, status, "", err
	}
	if status >= 400 {
		return nil, status, "", &httpStatusError{status: status, body: string(raw)}
	}

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, status, "", &malformedError{err: fmt.Errorf("ocr response is not a JSON object: %w", err)}
	}
	markdown, err = extract(parsed)
	if err != nil {
		return nil, status, "", &malformedError{err: err}
	}
	return markdown, status, extractRequestID(resp.Header, parsed), nil
}
