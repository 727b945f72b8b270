// Package observe provides application-wide observability primitives for
// chatloop: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all chatloop metrics.
const meterName = "github.com/MrWong99/chatloop"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use, the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// CompletionDuration tracks chat completion round-trip latency.
	CompletionDuration metric.Float64Histogram

	// ToolExecutionDuration tracks local function and MCP tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// CompletionRequests counts completion API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("mode", ...), attribute.String("status", ...)
	CompletionRequests metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// TokensUsed counts tokens consumed by completion requests. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", "prompt"|"completion")
	TokensUsed metric.Int64Counter

	// --- Error counters ---

	// CompletionErrors counts completion provider errors. Use with attribute:
	//   attribute.String("provider", ...)
	CompletionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveRuns tracks the number of conversation runs currently in flight.
	ActiveRuns metric.Int64UpDownCounter

	// FeedSubscribers tracks the number of connected event feed clients.
	FeedSubscribers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// model inference latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CompletionDuration, err = m.Float64Histogram("chatloop.completion.duration",
		metric.WithDescription("Latency of chat completion round trips."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("chatloop.tool_execution.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CompletionRequests, err = m.Int64Counter("chatloop.completion.requests",
		metric.WithDescription("Total completion API requests by provider, mode, and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("chatloop.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.TokensUsed, err = m.Int64Counter("chatloop.tokens.used",
		metric.WithDescription("Total tokens consumed by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.CompletionErrors, err = m.Int64Counter("chatloop.completion.errors",
		metric.WithDescription("Total completion provider errors by provider."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveRuns, err = m.Int64UpDownCounter("chatloop.active_runs",
		metric.WithDescription("Number of conversation runs currently in flight."),
	); err != nil {
		return nil, err
	}
	if met.FeedSubscribers, err = m.Int64UpDownCounter("chatloop.feed_subscribers",
		metric.WithDescription("Number of connected event feed clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("chatloop.http.request.duration",
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

// RecordCompletionRequest is a convenience method that records a completion
// request counter increment with the standard attribute set.
func (m *Metrics) RecordCompletionRequest(ctx context.Context, provider, mode, status string) {
	m.CompletionRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("mode", mode),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordTokens is a convenience method that records prompt and completion
// token consumption for a provider.
func (m *Metrics) RecordTokens(ctx context.Context, provider string, prompt, completion int64) {
	if prompt > 0 {
		m.TokensUsed.Add(ctx, prompt,
			metric.WithAttributes(
				attribute.String("provider", provider),
				attribute.String("kind", "prompt"),
			),
		)
	}
	if completion > 0 {
		m.TokensUsed.Add(ctx, completion,
			metric.WithAttributes(
				attribute.String("provider", provider),
				attribute.String("kind", "completion"),
			),
		)
	}
}

// RecordCompletionError is a convenience method that records a completion
// error counter increment.
func (m *Metrics) RecordCompletionError(ctx context.Context, provider string) {
	m.CompletionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}
