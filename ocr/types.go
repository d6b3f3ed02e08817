// Package ocr drives tile batches through the selected OCR backend: batching,
// concurrency limiting, retries, payload assembly, response normalization,
// failover, and telemetry.
package ocr

import (
	"fmt"

	"github.com/pagepress/ocrpilot/hardware"
	"github.com/pagepress/ocrpilot/internal/autotune"
	"github.com/pagepress/ocrpilot/localsvc"
	"github.com/pagepress/ocrpilot/policy"
)

// TileRequest describes one tile submission to the OCR backend.
type TileRequest struct {
	TileID    string
	TileBytes []byte
	Model     string // optional per-tile override
}

// BatchTelemetry holds structured metrics for each HTTP round-trip.
type BatchTelemetry struct {
	TileIDs      []string `json:"tile_ids"`
	LatencyMS    int64    `json:"latency_ms"`
	StatusCode   int      `json:"status_code"`
	RequestID    string   `json:"request_id,omitempty"`
	PayloadBytes int      `json:"payload_bytes"`
	Attempts     int      `json:"attempts"`
}

// QuotaStatus tracks daily quota usage for hosted OCR endpoints. A zero Limit
// means quota accounting is disabled.
type QuotaStatus struct {
	Limit            int     `json:"limit"`
	Used             int     `json:"used"`
	ThresholdRatio   float64 `json:"threshold_ratio"`
	WarningTriggered bool    `json:"warning_triggered"`
}

// FailoverEventKind enumerates the failover log entries.
const (
	EventBackendAttempted = "backend_attempted"
	EventBackendFailed    = "backend_failed"
	EventBackendSucceeded = "backend_succeeded"
	EventBackendSkipped   = "backend_skipped"
)

// Failover reason codes (closed set).
const (
	ReasonLocalUnhealthy = "runtime.failover.local-unhealthy"
	ReasonCircuitOpen    = "runtime.failover.circuit-open"
	ReasonHTTPError      = "runtime.failover.http-error"
	ReasonTransportError = "runtime.failover.transport-error"
)

// FailoverEvent is one ordered entry in the per-submission failover log.
type FailoverEvent struct {
	Seq          int    `json:"seq"`
	Event        string `json:"event"`
	BackendID    string `json:"backend_id"`
	BackendMode  string `json:"backend_mode"`
	HardwarePath string `json:"hardware_path"`
	ReasonCode   string `json:"reason_code,omitempty"`
	CircuitOpen  bool   `json:"circuit_open"`
	StatusCode   int    `json:"status_code,omitempty"`
}

// ResolvedBackend is the executable outcome of backend resolution: the policy
// decision plus the full ordered chain (selected backend first).
type ResolvedBackend struct {
	BackendID    string             `json:"backend_id"`
	BackendMode  string             `json:"backend_mode"`
	HardwarePath string             `json:"hardware_path"`
	FallbackChain []string          `json:"fallback_chain"`
	ReasonCodes  []string           `json:"reason_codes"`
	Decision     policy.Decision    `json:"decision"`
	Candidates   []policy.Candidate `json:"-"`
}

// Provenance records enough to reproduce a run.
type Provenance struct {
	SubmissionID    string                      `json:"submission_id"`
	Model           string                      `json:"model"`
	ServedModelName string                      `json:"served_model_name,omitempty"`
	LaunchCommand   []string                    `json:"launch_command,omitempty"`
	LocalService    *localsvc.Status            `json:"local_service,omitempty"`
	Capabilities    hardware.CapabilitySnapshot `json:"capabilities"`
}

// Result is the return value of SubmitTiles.
type Result struct {
	MarkdownChunks []string         `json:"markdown_chunks"`
	Batches        []BatchTelemetry `json:"batches"`
	Quota          QuotaStatus      `json:"quota"`
	Autotune       *autotune.Report `json:"autotune,omitempty"`
	FailoverEvents []FailoverEvent  `json:"failover_events"`
	Backend        ResolvedBackend  `json:"backend"`
	Provenance     Provenance       `json:"provenance"`
}

// SubmitError is the terminal error when every backend in the chain failed.
// The cause is the final backend's error.
type SubmitError struct {
	BackendID  string
	ReasonCode string
	Err        error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("ocr submission failed (backend=%s, reason=%s): %v", e.BackendID, e.ReasonCode, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }
