// Package observe provides application-wide observability primitives for
// voicebridge: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all voicebridge metrics.
const meterName = "github.com/MrWong99/voicebridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SessionConnectDuration tracks how long establishing a Gemini Live
	// session takes, including the WebSocket dial and setup message.
	SessionConnectDuration metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts audio chunks transmitted to the remote service.
	FramesSent metric.Int64Counter

	// ChunksReceived counts synthesized audio chunks received from the
	// remote service.
	ChunksReceived metric.Int64Counter

	// ChunksDropped counts audio chunks discarded instead of forwarded.
	// Use with attribute: attribute.String("reason", ...)
	ChunksDropped metric.Int64Counter

	// DecodeErrors counts malformed frames received from relay clients.
	DecodeErrors metric.Int64Counter

	// Reconnects counts session reconnection attempts. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	Reconnects metric.Int64Counter

	// Interrupts counts user interruptions of the assistant's speech.
	Interrupts metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live remote sessions (0 or 1 per
	// process, but kept as a gauge for fleet-level aggregation).
	ActiveSessions metric.Int64UpDownCounter

	// RelayClients tracks the number of connected relay WebSocket clients.
	RelayClients metric.Int64UpDownCounter

	// --- Signal level ---

	// InputLevel samples the peak amplitude of captured audio frames, in the
	// range [0, 1]. Useful for diagnosing silent or clipping microphones.
	InputLevel metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for connection-setup latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// levelBuckets defines histogram bucket boundaries for normalised audio
// amplitude.
var levelBuckets = []float64{
	0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 0.75, 0.9, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SessionConnectDuration, err = m.Float64Histogram("voicebridge.session.connect.duration",
		metric.WithDescription("Latency of establishing a remote speech session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.InputLevel, err = m.Float64Histogram("voicebridge.audio.input_level",
		metric.WithDescription("Peak amplitude of captured audio frames, normalised to [0, 1]."),
		metric.WithExplicitBucketBoundaries(levelBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("voicebridge.audio.frames_sent",
		metric.WithDescription("Total audio chunks transmitted to the remote service."),
	); err != nil {
		return nil, err
	}
	if met.ChunksReceived, err = m.Int64Counter("voicebridge.audio.chunks_received",
		metric.WithDescription("Total synthesized audio chunks received from the remote service."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("voicebridge.audio.chunks_dropped",
		metric.WithDescription("Total audio chunks discarded instead of forwarded, by reason."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("voicebridge.relay.decode_errors",
		metric.WithDescription("Total malformed frames received from relay clients."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("voicebridge.session.reconnects",
		metric.WithDescription("Total session reconnection attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.Interrupts, err = m.Int64Counter("voicebridge.session.interrupts",
		metric.WithDescription("Total user interruptions of the assistant's speech."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicebridge.active_sessions",
		metric.WithDescription("Number of live remote speech sessions."),
	); err != nil {
		return nil, err
	}
	if met.RelayClients, err = m.Int64UpDownCounter("voicebridge.relay.clients",
		metric.WithDescription("Number of connected relay WebSocket clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicebridge.http.request.duration",
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

// RecordChunkDropped records a discarded audio chunk with the standard
// reason attribute.
func (m *Metrics) RecordChunkDropped(ctx context.Context, reason string) {
	m.ChunksDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordReconnect records a reconnection attempt outcome.
func (m *Metrics) RecordReconnect(ctx context.Context, status string) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
