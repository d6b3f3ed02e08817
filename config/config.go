package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the unified configuration for the autopilot and its telemetry.
type Settings struct {
	OCR        OCRSettings        `yaml:"ocr"`
	Hysteresis HysteresisSettings `yaml:"hysteresis"`
	Telemetry  TelemetrySettings  `yaml:"telemetry"`
	Logging    LoggingSettings    `yaml:"logging"`
}

// OCRSettings configures backends, batching, concurrency, and the managed
// local inference server.
type OCRSettings struct {
	ServerURL string `yaml:"server_url"`
	LocalURL  string `yaml:"local_url"`
	MaaSURL   string `yaml:"maas_url"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	UseFP8    bool   `yaml:"use_fp8"`

	MinConcurrency  int `yaml:"min_concurrency"`
	MaxConcurrency  int `yaml:"max_concurrency"`
	MaxBatchTiles   int `yaml:"max_batch_tiles"`
	MaxBatchBytes   int `yaml:"max_batch_bytes"`
	LatencyTargetMS int `yaml:"latency_target_ms"`

	// DailyQuotaTiles of 0 disables quota accounting.
	DailyQuotaTiles int `yaml:"daily_quota_tiles"`

	LocalAutostart          bool `yaml:"local_autostart"`
	LocalStartupTimeoutS    int  `yaml:"local_startup_timeout_s"`
	LocalHealthcheckTimeout int  `yaml:"local_healthcheck_timeout_s"`
	LocalMaxRestarts        int  `yaml:"local_max_restarts"`
}

// HysteresisSettings are the anti-flap controls for runtime policy switching.
type HysteresisSettings struct {
	CooldownSeconds   int `yaml:"cooldown_seconds"`
	FlapWindowSeconds int `yaml:"flap_window_seconds"`
	FlapThreshold     int `yaml:"flap_threshold"`
}

// TelemetrySettings selects which telemetry subsystems are active.
type TelemetrySettings struct {
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsBackend string `yaml:"metrics_backend"` // prometheus|otel|noop
	TracingEnabled bool   `yaml:"tracing_enabled"`
	EventsEnabled  bool   `yaml:"events_enabled"`
	HealthEnabled  bool   `yaml:"health_enabled"`
	HealthProbeTTL time.Duration `yaml:"health_probe_ttl"`
}

// LoggingSettings tunes the slog backend.
type LoggingSettings struct {
	Level string `yaml:"level"` // debug|info|warn|error
}

// Defaults returns settings mirroring the documented option defaults.
func Defaults() Settings {
	return Settings{
		OCR: OCRSettings{
			Model:                   "glm-ocr",
			MinConcurrency:          1,
			MaxConcurrency:          4,
			MaxBatchTiles:           4,
			MaxBatchBytes:           25_000_000,
			LatencyTargetMS:         2500,
			LocalAutostart:          false,
			LocalStartupTimeoutS:    180,
			LocalHealthcheckTimeout: 3,
			LocalMaxRestarts:        1,
		},
		Hysteresis: HysteresisSettings{
			CooldownSeconds:   45,
			FlapWindowSeconds: 180,
			FlapThreshold:     3,
		},
		Telemetry: TelemetrySettings{
			MetricsEnabled: true,
			MetricsBackend: "prometheus",
			TracingEnabled: false,
			EventsEnabled:  true,
			HealthEnabled:  true,
			HealthProbeTTL: 2 * time.Second,
		},
		Logging: LoggingSettings{Level: "info"},
	}
}

// Validate fails fast on configuration errors.
func (s Settings) Validate() error {
	for name, raw := range map[string]string{
		"ocr.server_url": s.OCR.ServerURL,
		"ocr.local_url":  s.OCR.LocalURL,
		"ocr.maas_url":   s.OCR.MaaSURL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%s: unsupported scheme %q", name, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("%s: missing host", name)
		}
	}
	if strings.TrimSpace(s.OCR.Model) == "" {
		return fmt.Errorf("ocr.model must not be empty")
	}
	if s.OCR.MinConcurrency < 1 {
		return fmt.Errorf("ocr.min_concurrency must be >= 1")
	}
	if s.OCR.MaxConcurrency < s.OCR.MinConcurrency {
		return fmt.Errorf("ocr.max_concurrency must be >= ocr.min_concurrency")
	}
	if s.OCR.MaxBatchTiles < 1 {
		return fmt.Errorf("ocr.max_batch_tiles must be >= 1")
	}
	if s.OCR.MaxBatchBytes < 1 {
		return fmt.Errorf("ocr.max_batch_bytes must be >= 1")
	}
	if s.OCR.DailyQuotaTiles < 0 {
		return fmt.Errorf("ocr.daily_quota_tiles must not be negative")
	}
	if s.Hysteresis.FlapThreshold < 0 || s.Hysteresis.CooldownSeconds < 0 || s.Hysteresis.FlapWindowSeconds < 0 {
		return fmt.Errorf("hysteresis values must not be negative")
	}
	switch strings.ToLower(s.Telemetry.MetricsBackend) {
	case "", "prom", "prometheus", "otel", "opentelemetry", "noop":
	default:
		return fmt.Errorf("telemetry.metrics_backend: unknown backend %q", s.Telemetry.MetricsBackend)
	}
	return nil
}

// Load reads a yaml file over Defaults() and validates the result.
func Load(path string) (Settings, error) {
	s := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read settings: %w", err)
	}
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("parse settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}
