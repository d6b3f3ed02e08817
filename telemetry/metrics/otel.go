package metrics

// OpenTelemetry bridge implementing the Provider interface. Keeps the internal
// abstraction stable while letting deployments opt into OTel exporters.
// Gauges simulate Set semantics via an UpDownCounter delta.

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// OTelProviderOptions configures the OTel-backed provider.
type OTelProviderOptions struct {
	MeterName string // defaults to "ocrpilot"
}

// NewOTelProvider returns a Provider backed by an OTel MeterProvider.
// Exporters, views, and resource attributes can be layered on by callers;
// zero-config by default.
func NewOTelProvider(opts OTelProviderOptions) Provider {
	name := opts.MeterName
	if name == "" {
		name = "ocrpilot"
	}
	mp := sdkmetric.NewMeterProvider()
	return &otelProvider{mp: mp, meter: mp.Meter(name)}
}

type otelProvider struct {
	mp    *sdkmetric.MeterProvider
	meter metric.Meter
}

func (p *otelProvider) NewCounter(opts CounterOpts) Counter {
	inst, err := p.meter.Float64Counter(buildOTelName(opts.CommonOpts), metric.WithDescription(opts.Help))
	if err != nil {
		return noopCounter{}
	}
	return &otelCounter{c: inst, labelKeys: opts.Labels}
}

func (p *otelProvider) NewGauge(opts GaugeOpts) Gauge {
	inst, err := p.meter.Float64UpDownCounter(buildOTelName(opts.CommonOpts), metric.WithDescription(opts.Help))
	if err != nil {
		return noopGauge{}
	}
	return &otelGauge{g: inst, labelKeys: opts.Labels}
}

func (p *otelProvider) NewHistogram(opts HistogramOpts) Histogram {
	inst, err := p.meter.Float64Histogram(buildOTelName(opts.CommonOpts), metric.WithDescription(opts.Help))
	if err != nil {
		return noopHistogram{}
	}
	return &otelHistogram{h: inst, labelKeys: opts.Labels}
}

func (p *otelProvider) NewTimer(h HistogramOpts) func() Timer {
	hist := p.NewHistogram(h)
	return func() Timer { return &histTimer{h: hist, start: time.Now()} }
}

func (p *otelProvider) Health(ctx context.Context) error { return nil }

// buildOTelName composes namespace/subsystem/name using '.' separators.
func buildOTelName(c CommonOpts) string {
	out := c.Name
	if c.Subsystem != "" {
		out = c.Subsystem + "." + out
	}
	if c.Namespace != "" {
		out = c.Namespace + "." + out
	}
	return out
}

func toAttributes(keys, values []string) []attribute.KeyValue {
	n := len(keys)
	if len(values) < n {
		n = len(values)
	}
	attrs := make([]attribute.KeyValue, 0, n)
	for i := 0; i < n; i++ {
		attrs = append(attrs, attribute.String(keys[i], values[i]))
	}
	return attrs
}

type otelCounter struct {
	c         metric.Float64Counter
	labelKeys []string
}

func (c *otelCounter) Inc(delta float64, labels ...string) {
	if delta <= 0 {
		return
	}
	ctx := context.Background()
	if len(c.labelKeys) == 0 || len(labels) == 0 {
		c.c.Add(ctx, delta)
		return
	}
	c.c.Add(ctx, delta, metric.WithAttributes(toAttributes(c.labelKeys, labels)...))
}

type otelGauge struct {
	g         metric.Float64UpDownCounter
	mu        sync.Mutex
	last      map[string]float64
	labelKeys []string
}

func (g *otelGauge) key(labels []string) string {
	out := ""
	for _, l := range labels {
		out += l + "\x00"
	}
	return out
}

// Set applies the delta between the requested value and the last observed one.
func (g *otelGauge) Set(value float64, labels ...string) {
	g.mu.Lock()
	if g.last == nil {
		g.last = make(map[string]float64)
	}
	k := g.key(labels)
	delta := value - g.last[k]
	g.last[k] = value
	g.mu.Unlock()
	g.add(delta, labels)
}

func (g *otelGauge) Add(delta float64, labels ...string) {
	g.mu.Lock()
	if g.last == nil {
		g.last = make(map[string]float64)
	}
	k := g.key(labels)
	g.last[k] += delta
	g.mu.Unlock()
	g.add(delta, labels)
}

func (g *otelGauge) add(delta float64, labels []string) {
	ctx := context.Background()
	if len(g.labelKeys) == 0 || len(labels) == 0 {
		g.g.Add(ctx, delta)
		return
	}
	g.g.Add(ctx, delta, metric.WithAttributes(toAttributes(g.labelKeys, labels)...))
}

type otelHistogram struct {
	h         metric.Float64Histogram
	labelKeys []string
}

func (h *otelHistogram) Observe(value float64, labels ...string) {
	ctx := context.Background()
	if len(h.labelKeys) == 0 || len(labels) == 0 {
		h.h.Record(ctx, value)
		return
	}
	h.h.Record(ctx, value, metric.WithAttributes(toAttributes(h.labelKeys, labels)...))
}
