// Package ocrpilot composes the OCR autopilot subsystems behind a single
// facade: backend policy, local service lifecycle, submission pipeline with
// failover, and the telemetry stack.
package ocrpilot

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pagepress/ocrpilot/config"
	"github.com/pagepress/ocrpilot/hardware"
	"github.com/pagepress/ocrpilot/internal/breaker"
	"github.com/pagepress/ocrpilot/localsvc"
	"github.com/pagepress/ocrpilot/ocr"
	"github.com/pagepress/ocrpilot/policy"
	"github.com/pagepress/ocrpilot/telemetry/events"
	"github.com/pagepress/ocrpilot/telemetry/health"
	"github.com/pagepress/ocrpilot/telemetry/metrics"
	"github.com/pagepress/ocrpilot/telemetry/tracing"
)

// Autopilot owns every mutable runtime singleton (capability cache, breaker
// registry, quota tracker, policy state, local manager) as an explicit object
// with reset entry points, and exposes the submission pipeline over them.
type Autopilot struct {
	cfg         config.Settings
	prober      *hardware.Prober
	breakers    *breaker.Registry
	quota       *ocr.QuotaTracker
	policyState *policy.StateStore
	local       *localsvc.Manager
	client      *ocr.Client

	metricsProvider metrics.Provider
	bus             events.Bus
	tracer          *tracing.Tracer
	healthEval      *health.Evaluator
	startedAt       time.Time

	lastLocalStatus *localsvc.Status
}

// Snapshot is a unified view of autopilot state.
type Snapshot struct {
	StartedAt    time.Time        `json:"started_at"`
	Uptime       time.Duration    `json:"uptime"`
	Circuits     []breaker.Entry  `json:"circuits,omitempty"`
	Quota        ocr.QuotaStatus  `json:"quota"`
	LocalService *localsvc.Status `json:"local_service,omitempty"`
}

// New constructs an Autopilot from validated settings.
func New(cfg config.Settings, base *slog.Logger) (*Autopilot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Autopilot{
		cfg:         cfg,
		prober:      hardware.NewProber(),
		breakers:    breaker.NewRegistry(breaker.Options{}),
		quota:       ocr.NewQuotaTracker(),
		policyState: policy.NewStateStore(),
		local:       localsvc.NewManager(base),
		startedAt:   time.Now(),
	}

	a.metricsProvider = selectMetricsProvider(cfg.Telemetry)
	if cfg.Telemetry.EventsEnabled {
		a.bus = events.NewBus(a.metricsProvider)
	}
	a.tracer = tracing.New(cfg.Telemetry.TracingEnabled)

	a.client = ocr.NewClient(ocr.ClientOptions{
		Breakers:     a.breakers,
		Quota:        a.quota,
		PolicyState:  a.policyState,
		Local:        localService{a},
		Capabilities: a.capabilities,
		Bus:          a.bus,
		Logger:       base,
		Metrics:      a.metricsProvider,
		Tracer:       a.tracer,
	})

	if cfg.Telemetry.HealthEnabled {
		a.healthEval = health.NewEvaluator(cfg.Telemetry.HealthProbeTTL, a.healthProbes()...)
	}
	return a, nil
}

// selectMetricsProvider maps the configured backend onto a Provider.
func selectMetricsProvider(cfg config.TelemetrySettings) metrics.Provider {
	if !cfg.MetricsEnabled {
		return nil
	}
	switch strings.ToLower(cfg.MetricsBackend) {
	case "", "prom", "prometheus":
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	case "otel", "opentelemetry":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{})
	case "noop":
		return metrics.NewNoopProvider()
	default:
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	}
}

// localService adapts the manager while capturing the latest status for
// snapshots and health probes.
type localService struct{ a *Autopilot }

func (l localService) EnsureService(ctx context.Context, settings config.Settings, caps hardware.CapabilitySnapshot, preferredHardwarePath string) localsvc.Status {
	status := l.a.local.EnsureService(ctx, settings, caps, preferredHardwarePath)
	l.a.lastLocalStatus = &status
	return status
}

func (a *Autopilot) capabilities(ctx context.Context) hardware.CapabilitySnapshot {
	return a.prober.Snapshot(ctx)
}

func (a *Autopilot) healthProbes() []health.Probe {
	circuitProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		entries := a.breakers.Snapshot()
		open := a.breakers.OpenCount()
		if open == 0 {
			return health.Healthy("circuits")
		}
		if open < len(entries) {
			return health.Degraded("circuits", "some backend circuits open")
		}
		return health.Unhealthy("circuits", "every backend circuit open")
	})
	localProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		if strings.TrimSpace(a.cfg.OCR.LocalURL) == "" {
			return health.Healthy("local_service")
		}
		st := a.lastLocalStatus
		if st == nil {
			return health.Unknown("local_service", "not probed yet")
		}
		if st.Healthy {
			return health.Healthy("local_service")
		}
		return health.Degraded("local_service", st.Reason)
	})
	quotaProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		if a.cfg.OCR.DailyQuotaTiles <= 0 {
			return health.Healthy("quota")
		}
		status := a.quota.Status(a.cfg.OCR.DailyQuotaTiles, ocr.QuotaWarningRatio)
		if status.Used >= status.Limit {
			return health.Unhealthy("quota", "daily tile quota exhausted")
		}
		if float64(status.Used) >= float64(status.Limit)*status.ThresholdRatio {
			return health.Degraded("quota", "daily tile quota threshold crossed")
		}
		return health.Healthy("quota")
	})
	return []health.Probe{circuitProbe, localProbe, quotaProbe}
}

// SubmitTiles runs the full pipeline over the supplied tile requests.
func (a *Autopilot) SubmitTiles(ctx context.Context, requests []ocr.TileRequest) (ocr.Result, error) {
	return a.client.SubmitTiles(ctx, requests, a.cfg)
}

// ResolveBackend exposes the resolver over the cached capability snapshot.
func (a *Autopilot) ResolveBackend(ctx context.Context) (ocr.ResolvedBackend, error) {
	return ocr.ResolveBackend(a.cfg, a.capabilities(ctx))
}

// EnsureLocalService probes or starts the managed local server.
func (a *Autopilot) EnsureLocalService(ctx context.Context) localsvc.Status {
	caps := a.capabilities(ctx)
	return localService{a}.EnsureService(ctx, a.cfg, caps, caps.PreferredHardwarePath())
}

// Client exposes the submission pipeline for embedders needing custom settings.
func (a *Autopilot) Client() *ocr.Client { return a.client }

// LocalManager exposes the lifecycle manager.
func (a *Autopilot) LocalManager() *localsvc.Manager { return a.local }

// Settings returns the active settings snapshot.
func (a *Autopilot) Settings() config.Settings { return a.cfg }

// UpdateSettings swaps the settings used by subsequent submissions. Invalid
// settings are rejected.
func (a *Autopilot) UpdateSettings(cfg config.Settings) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

// EventBus returns the telemetry bus (nil when events are disabled).
func (a *Autopilot) EventBus() events.Bus { return a.bus }

// MetricsHandler returns the Prometheus exposition handler when that backend
// is active, nil otherwise.
func (a *Autopilot) MetricsHandler() http.Handler {
	if hp, ok := a.metricsProvider.(interface{ MetricsHandler() http.Handler }); ok {
		return hp.MetricsHandler()
	}
	return nil
}

// HealthSnapshot evaluates (or returns cached) subsystem health.
func (a *Autopilot) HealthSnapshot(ctx context.Context) health.Snapshot {
	if a.healthEval == nil {
		return health.Snapshot{}
	}
	return a.healthEval.Evaluate(ctx)
}

// Snapshot returns a unified state view.
func (a *Autopilot) Snapshot() Snapshot {
	snap := Snapshot{
		StartedAt: a.startedAt,
		Uptime:    time.Since(a.startedAt),
		Circuits:  a.breakers.Snapshot(),
		Quota:     a.quota.Status(a.cfg.OCR.DailyQuotaTiles, ocr.QuotaWarningRatio),
	}
	snap.LocalService = a.lastLocalStatus
	return snap
}

// Reset clears every runtime singleton. Reserved for tests.
func (a *Autopilot) Reset() {
	a.breakers.Reset()
	a.quota.Reset()
	a.policyState.Reset()
	a.prober.Reset()
}

// Stop terminates the managed local service and flushes telemetry.
func (a *Autopilot) Stop(ctx context.Context) error {
	a.local.Shutdown()
	return a.tracer.Shutdown(ctx)
}
