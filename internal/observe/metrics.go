// Package observe provides application-wide observability primitives for
// Domovoy: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Domovoy metrics.
const meterName = "github.com/domovoy-ai/domovoy"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// PipelineDuration tracks end-to-end command pipeline latency. Use with
	// attribute: attribute.String("intent", ...).
	PipelineDuration metric.Float64Histogram

	// ModelDuration tracks upstream model call latency.
	ModelDuration metric.Float64Histogram

	// TTSDuration tracks speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// MemoryDuration tracks memory tier read/write latency. Use with
	// attribute: attribute.String("tier", "recent"|"semantic").
	MemoryDuration metric.Float64Histogram

	// --- Counters ---

	// Commands counts processed commands. Use with attributes:
	//   attribute.String("intent", ...), attribute.String("type", ...)
	Commands metric.Int64Counter

	// ActionsExecuted counts home-automation service calls. Use with
	// attribute: attribute.String("status", "ok"|"failed"|"denied").
	ActionsExecuted metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// RateLimited counts denials per limiter name.
	RateLimited metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors by provider name.
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live streaming sessions.
	ActiveSessions metric.Int64UpDownCounter

	// PendingConfirmations tracks plans withheld awaiting user approval.
	PendingConfirmations metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.PipelineDuration, err = m.Float64Histogram("domovoy.pipeline.duration",
		metric.WithDescription("End-to-end command pipeline latency by intent."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ModelDuration, err = m.Float64Histogram("domovoy.model.duration",
		metric.WithDescription("Latency of upstream model calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("domovoy.tts.duration",
		metric.WithDescription("Latency of speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MemoryDuration, err = m.Float64Histogram("domovoy.memory.duration",
		metric.WithDescription("Latency of memory tier operations by tier."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Commands, err = m.Int64Counter("domovoy.commands",
		metric.WithDescription("Total processed commands by intent and response type."),
	); err != nil {
		return nil, err
	}
	if met.ActionsExecuted, err = m.Int64Counter("domovoy.actions.executed",
		metric.WithDescription("Total home-automation service calls by status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("domovoy.provider.requests",
		metric.WithDescription("Total provider API requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.RateLimited, err = m.Int64Counter("domovoy.ratelimit.denials",
		metric.WithDescription("Total rate-limit denials by limiter name."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("domovoy.provider.errors",
		metric.WithDescription("Total provider errors by provider."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("domovoy.active_sessions",
		metric.WithDescription("Number of live streaming sessions."),
	); err != nil {
		return nil, err
	}
	if met.PendingConfirmations, err = m.Int64UpDownCounter("domovoy.pending_confirmations",
		metric.WithDescription("Plans withheld awaiting user confirmation."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("domovoy.http.request.duration",
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

// RecordCommand records one processed command with the standard attribute
// set.
func (m *Metrics) RecordCommand(ctx context.Context, intent, responseType string) {
	m.Commands.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("intent", intent),
			attribute.String("type", responseType),
		),
	)
}

// RecordAction records one home-automation service call outcome.
func (m *Metrics) RecordAction(ctx context.Context, status string) {
	m.ActionsExecuted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordRateLimited records one rate-limit denial.
func (m *Metrics) RecordRateLimited(ctx context.Context, name string) {
	m.RateLimited.Add(ctx, 1,
		metric.WithAttributes(attribute.String("name", name)),
	)
}
