package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var metricNameRE = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)

// PrometheusProvider implements Provider backed by a Prometheus registry.
type PrometheusProvider struct {
	reg        *prom.Registry
	mu         sync.RWMutex
	counters   map[string]*prom.CounterVec
	gauges     map[string]*prom.GaugeVec
	histograms map[string]*prom.HistogramVec
	problems   []error

	handler http.Handler
}

// PrometheusProviderOptions configures the provider.
type PrometheusProviderOptions struct {
	Registry *prom.Registry // optional custom registry
}

// NewPrometheusProvider creates a provider with its own registry unless one is supplied.
func NewPrometheusProvider(opts PrometheusProviderOptions) *PrometheusProvider {
	reg := opts.Registry
	if reg == nil {
		reg = prom.NewRegistry()
	}
	return &PrometheusProvider{
		reg:        reg,
		counters:   make(map[string]*prom.CounterVec),
		gauges:     make(map[string]*prom.GaugeVec),
		histograms: make(map[string]*prom.HistogramVec),
		handler:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
}

// MetricsHandler returns an HTTP handler exposing /metrics.
func (p *PrometheusProvider) MetricsHandler() http.Handler { return p.handler }

func (p *PrometheusProvider) buildFQName(c CommonOpts) (string, error) {
	if c.Name == "" {
		return "", errors.New("metric name required")
	}
	fq := c.Name
	if c.Subsystem != "" {
		fq = c.Subsystem + "_" + fq
	}
	if c.Namespace != "" {
		fq = c.Namespace + "_" + fq
	}
	if !metricNameRE.MatchString(fq) {
		return "", fmt.Errorf("invalid metric name %q", fq)
	}
	return fq, nil
}

func (p *PrometheusProvider) recordProblem(err error) {
	p.mu.Lock()
	p.problems = append(p.problems, err)
	p.mu.Unlock()
}

func (p *PrometheusProvider) NewCounter(opts CounterOpts) Counter {
	fq, err := p.buildFQName(opts.CommonOpts)
	if err != nil {
		p.recordProblem(err)
		return noopCounter{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.counters[fq]; ok {
		return &promCounter{vec: existing}
	}
	vec := prom.NewCounterVec(prom.CounterOpts{Name: fq, Help: opts.Help}, opts.Labels)
	if err := p.reg.Register(vec); err != nil {
		p.problems = append(p.problems, err)
		return noopCounter{}
	}
	p.counters[fq] = vec
	return &promCounter{vec: vec}
}

func (p *PrometheusProvider) NewGauge(opts GaugeOpts) Gauge {
	fq, err := p.buildFQName(opts.CommonOpts)
	if err != nil {
		p.recordProblem(err)
		return noopGauge{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.gauges[fq]; ok {
		return &promGauge{vec: existing}
	}
	vec := prom.NewGaugeVec(prom.GaugeOpts{Name: fq, Help: opts.Help}, opts.Labels)
	if err := p.reg.Register(vec); err != nil {
		p.problems = append(p.problems, err)
		return noopGauge{}
	}
	p.gauges[fq] = vec
	return &promGauge{vec: vec}
}

func (p *PrometheusProvider) NewHistogram(opts HistogramOpts) Histogram {
	fq, err := p.buildFQName(opts.CommonOpts)
	if err != nil {
		p.recordProblem(err)
		return noopHistogram{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.histograms[fq]; ok {
		return &promHistogram{vec: existing}
	}
	buckets := opts.Buckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}
	vec := prom.NewHistogramVec(prom.HistogramOpts{Name: fq, Help: opts.Help, Buckets: buckets}, opts.Labels)
	if err := p.reg.Register(vec); err != nil {
		p.problems = append(p.problems, err)
		return noopHistogram{}
	}
	p.histograms[fq] = vec
	return &promHistogram{vec: vec}
}

func (p *PrometheusProvider) NewTimer(h HistogramOpts) func() Timer {
	hist := p.NewHistogram(h)
	return func() Timer { return &histTimer{h: hist, start: time.Now()} }
}

// Health reports the first registration problem, if any.
func (p *PrometheusProvider) Health(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.problems) > 0 {
		return p.problems[0]
	}
	return nil
}

type promCounter struct{ vec *prom.CounterVec }

func (c *promCounter) Inc(delta float64, labels ...string) {
	if delta <= 0 {
		return
	}
	m, err := c.vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		return
	}
	m.Add(delta)
}

type promGauge struct{ vec *prom.GaugeVec }

func (g *promGauge) Set(value float64, labels ...string) {
	m, err := g.vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		return
	}
	m.Set(value)
}

func (g *promGauge) Add(delta float64, labels ...string) {
	m, err := g.vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		return
	}
	m.Add(delta)
}

type promHistogram struct{ vec *prom.HistogramVec }

func (h *promHistogram) Observe(value float64, labels ...string) {
	m, err := h.vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		return
	}
	m.Observe(value)
}

type histTimer struct {
	h     Histogram
	start time.Time
}

func (t *histTimer) ObserveDuration(labels ...string) {
	t.h.Observe(time.Since(t.start).Seconds(), labels...)
}
