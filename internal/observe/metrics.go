// Package observe provides observability primitives for the DJ R3X kernel:
// OpenTelemetry metrics, tracing helpers, and HTTP middleware for the health
// and metrics endpoints.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported via
// the Prometheus bridge installed by [InitProvider], so /metrics stays a plain
// Prometheus scrape target. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all kernel metrics.
const meterName = "github.com/cantinaworks/djrex"

// Metrics holds all OpenTelemetry metric instruments for the kernel. All
// fields are safe for concurrent use — the underlying OTel types handle their
// own synchronisation.
type Metrics struct {
	// EmitDuration tracks total handler time per bus emission. Use with
	// attribute.String("topic", ...).
	EmitDuration metric.Float64Histogram

	// HandlerErrors counts handler failures per topic.
	HandlerErrors metric.Int64Counter

	// PlanDuration tracks wall time of timeline plans. Use with attributes:
	//   attribute.String("layer", ...), attribute.String("status", ...)
	PlanDuration metric.Float64Histogram

	// PlansTotal counts finished plans by layer and terminal status.
	PlansTotal metric.Int64Counter

	// SynthDuration tracks text-to-speech synthesis latency.
	SynthDuration metric.Float64Histogram

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors by provider and kind.
	ProviderErrors metric.Int64Counter

	// CacheHits and CacheMisses count speech cache lookups.
	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter

	// CacheEntries tracks the live speech cache population.
	CacheEntries metric.Int64UpDownCounter

	// ActivePlans tracks plans currently running across all layers.
	ActivePlans metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// bus handlers on the low end and full DJ transitions on the high end.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.EmitDuration, err = m.Float64Histogram("djrex.bus.emit.duration",
		metric.WithDescription("Total handler time per bus emission."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HandlerErrors, err = m.Int64Counter("djrex.bus.handler.errors",
		metric.WithDescription("Handler failures by topic."),
	); err != nil {
		return nil, err
	}
	if met.PlanDuration, err = m.Float64Histogram("djrex.timeline.plan.duration",
		metric.WithDescription("Wall time of timeline plans by layer and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlansTotal, err = m.Int64Counter("djrex.timeline.plans",
		metric.WithDescription("Finished plans by layer and terminal status."),
	); err != nil {
		return nil, err
	}
	if met.SynthDuration, err = m.Float64Histogram("djrex.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("djrex.provider.requests",
		metric.WithDescription("Provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("djrex.provider.errors",
		metric.WithDescription("Provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.CacheHits, err = m.Int64Counter("djrex.speech_cache.hits",
		metric.WithDescription("Speech cache lookup hits."),
	); err != nil {
		return nil, err
	}
	if met.CacheMisses, err = m.Int64Counter("djrex.speech_cache.misses",
		metric.WithDescription("Speech cache lookup misses."),
	); err != nil {
		return nil, err
	}
	if met.CacheEntries, err = m.Int64UpDownCounter("djrex.speech_cache.entries",
		metric.WithDescription("Live speech cache entries."),
	); err != nil {
		return nil, err
	}
	if met.ActivePlans, err = m.Int64UpDownCounter("djrex.timeline.active_plans",
		metric.WithDescription("Plans currently running across all layers."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("djrex.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// BusObserver adapts m to the bus observer hook: each emission records its
// handler time and any handler errors under the emitted topic.
func (m *Metrics) BusObserver() func(topic string, d time.Duration, handlerErrs int) {
	return func(topic string, d time.Duration, handlerErrs int) {
		ctx := context.Background()
		m.EmitDuration.Record(ctx, d.Seconds(),
			metric.WithAttributes(attribute.String("topic", topic)))
		if handlerErrs > 0 {
			m.HandlerErrors.Add(ctx, int64(handlerErrs),
				metric.WithAttributes(attribute.String("topic", topic)))
		}
	}
}

// RecordPlan records one finished plan.
func (m *Metrics) RecordPlan(ctx context.Context, layer, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("layer", layer),
		attribute.String("status", status),
	)
	m.PlanDuration.Record(ctx, d.Seconds(), attrs)
	m.PlansTotal.Add(ctx, 1, attrs)
}

// RecordProviderRequest records a provider call with the standard attribute
// set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordCacheLookup records one speech cache lookup.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if hit {
		m.CacheHits.Add(ctx, 1)
		return
	}
	m.CacheMisses.Add(ctx, 1)
}
