package ocr

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/pagepress/ocrpilot/config"
	"github.com/pagepress/ocrpilot/hardware"
	"github.com/pagepress/ocrpilot/internal/autotune"
	"github.com/pagepress/ocrpilot/internal/breaker"
	"github.com/pagepress/ocrpilot/localsvc"
	"github.com/pagepress/ocrpilot/policy"
	"github.com/pagepress/ocrpilot/telemetry/events"
	"github.com/pagepress/ocrpilot/telemetry/logging"
	"github.com/pagepress/ocrpilot/telemetry/metrics"
	"github.com/pagepress/ocrpilot/telemetry/tracing"
)

// HTTPDoer abstracts the HTTP client for tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// LocalService abstracts the lifecycle manager for tests.
type LocalService interface {
	EnsureService(ctx context.Context, settings config.Settings, caps hardware.CapabilitySnapshot, preferredHardwarePath string) localsvc.Status
}

// newHTTPClient applies the per-attempt timeout budget: connect 10 s,
// response header 60 s, TLS 10 s, generous overall cap.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 2 * time.Minute,
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// ClientOptions wires the pipeline's collaborators. Nil fields get defaults.
type ClientOptions struct {
	HTTPClient   HTTPDoer
	Breakers     *breaker.Registry
	Quota        *QuotaTracker
	PolicyState  *policy.StateStore
	Local        LocalService
	Capabilities func(ctx context.Context) hardware.CapabilitySnapshot
	Bus          events.Bus
	Logger       *slog.Logger
	Metrics      metrics.Provider
	Tracer       *tracing.Tracer
	Sleep        func(ctx context.Context, d time.Duration) error
	NewID        func() string
}

// Client is the OCR submission pipeline. It owns the mutable runtime
// singletons (breakers, quota, policy state); the policy engine stays pure.
type Client struct {
	http        HTTPDoer
	breakers    *breaker.Registry
	quota       *QuotaTracker
	policyState *policy.StateStore
	local       LocalService
	caps        func(ctx context.Context) hardware.CapabilitySnapshot
	bus         events.Bus
	logger      logging.Logger
	tracer      *tracing.Tracer
	sleep       func(ctx context.Context, d time.Duration) error
	newID       func() string

	mBatches    metrics.Counter
	mTiles      metrics.Counter
	mFailover   metrics.Counter
	mLatency    metrics.Histogram
	gLimit      metrics.Gauge
	gQuotaUsed  metrics.Gauge
}

// NewClient builds a pipeline from options.
func NewClient(opts ClientOptions) *Client {
	c := &Client{
		http:        opts.HTTPClient,
		breakers:    opts.Breakers,
		quota:       opts.Quota,
		policyState: opts.PolicyState,
		local:       opts.Local,
		caps:        opts.Capabilities,
		bus:         opts.Bus,
		logger:      logging.Component(opts.Logger, "ocr"),
		tracer:      opts.Tracer,
		sleep:       opts.Sleep,
		newID:       opts.NewID,
	}
	if c.http == nil {
		c.http = newHTTPClient()
	}
	if c.breakers == nil {
		c.breakers = breaker.NewRegistry(breaker.Options{})
	}
	if c.quota == nil {
		c.quota = NewQuotaTracker()
	}
	if c.policyState == nil {
		c.policyState = policy.NewStateStore()
	}
	if c.local == nil {
		c.local = localsvc.NewManager(opts.Logger)
	}
	if c.caps == nil {
		c.caps = hardware.HostCapabilities
	}
	if c.sleep == nil {
		c.sleep = func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		}
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	if opts.Metrics != nil {
		c.initMetrics(opts.Metrics)
	}
	return c
}

func (c *Client) initMetrics(provider metrics.Provider) {
	c.mBatches = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "ocrpilot", Subsystem: "ocr", Name: "batches_total", Help: "Total batch round-trips submitted", Labels: []string{"backend"}}})
	c.mTiles = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "ocrpilot", Subsystem: "ocr", Name: "tiles_total", Help: "Total tiles submitted", Labels: []string{"backend"}}})
	c.mFailover = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "ocrpilot", Subsystem: "ocr", Name: "failover_events_total", Help: "Failover events by kind", Labels: []string{"event"}}})
	c.mLatency = provider.NewHistogram(metrics.HistogramOpts{CommonOpts: metrics.CommonOpts{Namespace: "ocrpilot", Subsystem: "ocr", Name: "batch_latency_seconds", Help: "Batch round-trip latency", Labels: []string{"backend"}}})
	c.gLimit = provider.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{Namespace: "ocrpilot", Subsystem: "ocr", Name: "concurrency_limit", Help: "Current adaptive in-flight limit"}})
	c.gQuotaUsed = provider.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{Namespace: "ocrpilot", Subsystem: "ocr", Name: "quota_used_tiles", Help: "Tiles consumed against the daily quota"}})
}

// Breakers exposes the circuit registry for introspection and health probes.
func (c *Client) Breakers() *breaker.Registry { return c.breakers }

// Quota exposes the quota tracker.
func (c *Client) Quota() *QuotaTracker { return c.quota }

// PolicyState exposes the hysteresis state store.
func (c *Client) PolicyState() *policy.StateStore { return c.policyState }

// submissionRun holds per-submission mutable state shared across batch goroutines.
type submissionRun struct {
	mu           sync.Mutex
	seq          int
	events       []FailoverEvent
	telemetry    []BatchTelemetry
	markdownByID map[string]string
	localStatus  map[string]*localsvc.Status // keyed by preferred hardware path
	lastManaged  *localsvc.Status
}

func (r *submissionRun) appendEvent(ev FailoverEvent) FailoverEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.Seq = r.seq
	r.seq++
	r.events = append(r.events, ev)
	return ev
}

func (r *submissionRun) recordBatch(t BatchTelemetry, markdown []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.telemetry = append(r.telemetry, t)
	for i, id := range t.TileIDs {
		if i < len(markdown) {
			r.markdownByID[id] = markdown[i]
		}
	}
}

// ensureLocal memoizes the lifecycle call per submission so each batch does
// not re-trigger probe-or-start.
func (r *submissionRun) ensureLocal(ctx context.Context, c *Client, settings config.Settings, caps hardware.CapabilitySnapshot, path string) localsvc.Status {
	r.mu.Lock()
	if r.localStatus == nil {
		r.localStatus = make(map[string]*localsvc.Status)
	}
	if cached := r.localStatus[path]; cached != nil {
		r.mu.Unlock()
		return *cached
	}
	r.mu.Unlock()

	status := c.local.EnsureService(ctx, settings, caps, path)

	r.mu.Lock()
	r.localStatus[path] = &status
	if status.Managed {
		r.lastManaged = &status
	}
	r.mu.Unlock()
	return status
}

// SubmitTiles drives every tile through the selected backend chain and
// returns Markdown chunks aligned to the request order plus full telemetry.
// The returned error is non-nil only when every backend in the chain failed;
// the result's failover event log is populated either way.
func (c *Client) SubmitTiles(ctx context.Context, requests []TileRequest, settings config.Settings) (Result, error) {
	if len(requests) == 0 {
		return Result{
			MarkdownChunks: []string{},
			Quota:          QuotaStatus{ThresholdRatio: QuotaWarningRatio},
		}, nil
	}

	caps := c.caps(ctx)
	backend, err := ResolveBackend(settings, caps)
	if err != nil {
		return Result{}, err
	}

	submissionID := c.newID()
	ctx, span := c.tracer.Start(ctx, "ocr.submit_tiles",
		attribute.String("backend_id", backend.BackendID),
		attribute.Int("tiles", len(requests)))
	defer span.End()

	encoded := encodeRequests(requests, settings)
	groups := groupTiles(encoded, settings.OCR.MaxBatchTiles, settings.OCR.MaxBatchBytes)

	controller := autotune.NewController(
		settings.OCR.MinConcurrency,
		settings.OCR.MaxConcurrency,
		time.Duration(settings.OCR.LatencyTargetMS)*time.Millisecond,
	)

	run := &submissionRun{markdownByID: make(map[string]string, len(requests))}
	for _, req := range requests {
		run.markdownByID[req.TileID] = ""
	}

	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	for _, group := range groups {
		wg.Add(1)
		go func(group []encodedTile) {
			defer wg.Done()
			if err := controller.Acquire(groupCtx); err != nil {
				errOnce.Do(func() { firstErr = err; cancel() })
				return
			}
			defer controller.Release()
			if err := c.submitGroup(groupCtx, run, backend, group, settings, caps, controller); err != nil {
				errOnce.Do(func() { firstErr = err; cancel() })
			}
		}(group)
	}
	wg.Wait()

	result := Result{
		Batches:        run.telemetry,
		FailoverEvents: run.events,
		Backend:        backend,
		Provenance:     c.buildProvenance(submissionID, settings, caps, run),
	}
	report := controller.Report()
	result.Autotune = &report
	if c.gLimit != nil {
		c.gLimit.Set(float64(report.FinalLimit))
	}

	if firstErr != nil {
		return result, firstErr
	}

	quota := c.quota.Record(len(requests), settings.OCR.DailyQuotaTiles, QuotaWarningRatio)
	result.Quota = quota
	if c.gQuotaUsed != nil {
		c.gQuotaUsed.Set(float64(quota.Used))
	}
	if quota.WarningTriggered {
		c.logger.WarnCtx(ctx, "daily OCR quota threshold crossed",
			slog.Int("used", quota.Used), slog.Int("limit", quota.Limit))
		c.publish(ctx, events.Event{
			Category: events.CategoryQuota,
			Type:     "quota_warning",
			Severity: "warn",
			Fields:   map[string]interface{}{"used": quota.Used, "limit": quota.Limit},
		})
	}

	chunks := make([]string, 0, len(requests))
	for _, req := range requests {
		chunks = append(chunks, run.markdownByID[req.TileID])
	}
	result.MarkdownChunks = chunks
	return result, nil
}

func (c *Client) buildProvenance(submissionID string, settings config.Settings, caps hardware.CapabilitySnapshot, run *submissionRun) Provenance {
	prov := Provenance{SubmissionID: submissionID, Capabilities: caps}
	if model, served, err := localsvc.ResolveLaunchModel(settings.OCR.Model); err == nil {
		prov.Model = model
		prov.ServedModelName = served
	} else {
		prov.Model = settings.OCR.Model
	}
	run.mu.Lock()
	if run.lastManaged != nil {
		prov.LocalService = run.lastManaged
		prov.LaunchCommand = run.lastManaged.Command
	}
	run.mu.Unlock()
	return prov
}

func (c *Client) publish(ctx context.Context, ev events.Event) {
	if c.bus == nil {
		return
	}
	_ = c.bus.PublishCtx(ctx, ev)
}

// reevaluate feeds a runtime signal through the hysteresis engine and stores
// the returned state.
func (c *Client) reevaluate(ctx context.Context, signal policy.Signal, decision policy.Decision, hyst config.HysteresisSettings) policy.ReevalDecision {
	reevalCtx := &policy.ReevalContext{
		Now:   time.Now(),
		State: c.policyState.Get(),
		Hysteresis: policy.Hysteresis{
			CooldownSeconds:   hyst.CooldownSeconds,
			FlapWindowSeconds: hyst.FlapWindowSeconds,
			FlapThreshold:     hyst.FlapThreshold,
		},
	}
	out := policy.ShouldReevaluate(signal, decision, reevalCtx)
	c.policyState.Apply(out.State)
	c.publish(ctx, events.Event{
		Category: events.CategoryPolicy,
		Type:     "reevaluation",
		Fields: map[string]interface{}{
			"signal":              string(signal),
			"reason_code":         out.ReasonCode,
			"should_reevaluate":   out.ShouldReevaluate,
			"hard_failure_bypass": out.HardFailureBypass,
		},
	})
	return out
}

// isLocalPath reports whether a candidate runs on this host.
func isLocalPath(path string) bool {
	return path == policy.PathGPU || path == policy.PathCPU
}

// backendBaseURL picks the configured URL for a backend id.
func backendBaseURL(id string, settings config.Settings) string {
	switch id {
	case BackendLocalOpenAI:
		return strings.TrimSpace(settings.OCR.LocalURL)
	case BackendMaaS:
		return strings.TrimSpace(settings.OCR.MaaSURL)
	default:
		return strings.TrimSpace(settings.OCR.ServerURL)
	}
}
