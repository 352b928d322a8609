// Package observe provides application-wide observability primitives for
// mcpbridge: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all mcpbridge metrics.
const meterName = "github.com/arboras/mcpbridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ToolCallDuration tracks end-to-end MCP tool execution latency, from
	// the bridge receiving a toolcall request to writing its reply.
	ToolCallDuration metric.Float64Histogram

	// TimeToReady tracks how long a spawned helper takes to report ready,
	// from spawn to the ready event.
	TimeToReady metric.Float64Histogram

	// --- Counters ---

	// SpawnAttempts counts spawn attempts by service name and outcome.
	// Use with attributes: attribute.String("service", ...), attribute.String("status", ...)
	SpawnAttempts metric.Int64Counter

	// Restarts counts helper restarts by service name and whether the
	// exit looked abort-like.
	Restarts metric.Int64Counter

	// ToolCalls counts tool invocations by service name and status.
	ToolCalls metric.Int64Counter

	// RequestTimeouts counts pending requests the router expired, by
	// kind ("toolcall" or "spawn").
	RequestTimeouts metric.Int64Counter

	// --- Gauges ---

	// ActiveHelpers tracks the number of currently running helper
	// subprocesses.
	ActiveHelpers metric.Int64UpDownCounter

	// RegisteredServices tracks the number of entries in the registry.
	RegisteredServices metric.Int64UpDownCounter

	// --- HTTP middleware (diagnostics endpoint) ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// typical helper-spawn and tool-call latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ToolCallDuration, err = m.Float64Histogram("mcpbridge.toolcall.duration",
		metric.WithDescription("Latency of MCP tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TimeToReady, err = m.Float64Histogram("mcpbridge.spawn.time_to_ready",
		metric.WithDescription("Time from spawn to a helper reporting ready."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.SpawnAttempts, err = m.Int64Counter("mcpbridge.spawn.attempts",
		metric.WithDescription("Total spawn attempts by service and outcome."),
	); err != nil {
		return nil, err
	}
	if met.Restarts, err = m.Int64Counter("mcpbridge.helper.restarts",
		metric.WithDescription("Total helper restarts by service and whether the exit looked abort-like."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("mcpbridge.tool.calls",
		metric.WithDescription("Total tool invocations by service and status."),
	); err != nil {
		return nil, err
	}
	if met.RequestTimeouts, err = m.Int64Counter("mcpbridge.request.timeouts",
		metric.WithDescription("Total pending requests expired by the router, by kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveHelpers, err = m.Int64UpDownCounter("mcpbridge.helpers.active",
		metric.WithDescription("Number of currently running helper subprocesses."),
	); err != nil {
		return nil, err
	}
	if met.RegisteredServices, err = m.Int64UpDownCounter("mcpbridge.services.registered",
		metric.WithDescription("Number of services currently in the registry."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("mcpbridge.http.request.duration",
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

// RecordSpawnAttempt records a spawn attempt's outcome for service.
func (m *Metrics) RecordSpawnAttempt(ctx context.Context, service, status string) {
	m.SpawnAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("service", service),
			attribute.String("status", status),
		),
	)
}

// RecordRestart records a helper restart for service.
func (m *Metrics) RecordRestart(ctx context.Context, service string, abortLike bool) {
	m.Restarts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("service", service),
			attribute.Bool("abort_like", abortLike),
		),
	)
}

// RecordToolCall records a tool call's outcome for service.
func (m *Metrics) RecordToolCall(ctx context.Context, service, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("service", service),
			attribute.String("status", status),
		),
	)
}

// RecordRequestTimeout records a request the router expired before a reply
// arrived.
func (m *Metrics) RecordRequestTimeout(ctx context.Context, kind string) {
	m.RequestTimeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
