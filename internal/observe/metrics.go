// Package observe provides application-wide observability primitives for
// posvoice: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so the same instruments are
// scraped from /metrics. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all posvoice metrics.
const meterName = "github.com/MrWong99/posvoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// ToolDuration tracks tool dispatch latency. Use with attribute "tool".
	ToolDuration metric.Float64Histogram

	// ConnectDuration tracks the time from connect request to open channel.
	ConnectDuration metric.Float64Histogram

	// --- Counters ---

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// Reconnects counts reconnect attempts. Use with attribute:
	//   attribute.String("outcome", "scheduled"|"exhausted")
	Reconnects metric.Int64Counter

	// VoicedFrames counts frames that passed the voice gate. Use with
	// attribute "source".
	VoicedFrames metric.Int64Counter

	// DroppedFrames counts outbound frames discarded because the send queue
	// was full or the channel was not open.
	DroppedFrames metric.Int64Counter

	// Nudges counts silence nudges. Use with attribute "phase".
	Nudges metric.Int64Counter

	// Interruptions counts barge-in flushes.
	Interruptions metric.Int64Counter

	// Invoices counts finalised invoices.
	Invoices metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of connected voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds).
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ToolDuration, err = m.Float64Histogram("posvoice.tool.duration",
		metric.WithDescription("Latency of tool dispatch."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("posvoice.session.connect.duration",
		metric.WithDescription("Time from connect request to open channel."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ToolCalls, err = m.Int64Counter("posvoice.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("posvoice.session.reconnects",
		metric.WithDescription("Reconnect attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.VoicedFrames, err = m.Int64Counter("posvoice.capture.voiced_frames",
		metric.WithDescription("Captured frames that passed the voice gate."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("posvoice.capture.dropped_frames",
		metric.WithDescription("Outbound frames discarded before transmission."),
	); err != nil {
		return nil, err
	}
	if met.Nudges, err = m.Int64Counter("posvoice.session.nudges",
		metric.WithDescription("Silence nudges sent by checkout phase."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("posvoice.playback.interruptions",
		metric.WithDescription("Playback flushes caused by barge-in."),
	); err != nil {
		return nil, err
	}
	if met.Invoices, err = m.Int64Counter("posvoice.pos.invoices",
		metric.WithDescription("Invoices finalised through the voice assistant."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("posvoice.active_sessions",
		metric.WithDescription("Number of connected voice sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("posvoice.http.request.duration",
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordToolCall records one tool invocation and its latency in seconds.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, seconds float64) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
	m.ToolDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("tool", tool)))
}

// RecordReconnect records a reconnect attempt with the given outcome.
func (m *Metrics) RecordReconnect(ctx context.Context, outcome string) {
	m.Reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordNudge records a silence nudge sent during phase.
func (m *Metrics) RecordNudge(ctx context.Context, phase string) {
	m.Nudges.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
}

// RecordVoicedFrame records one gated frame from source.
func (m *Metrics) RecordVoicedFrame(ctx context.Context, source string) {
	m.VoicedFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordDroppedFrames records n frames discarded on the way from source to
// the remote service.
func (m *Metrics) RecordDroppedFrames(ctx context.Context, source string, n int64) {
	m.DroppedFrames.Add(ctx, n, metric.WithAttributes(attribute.String("source", source)))
}
