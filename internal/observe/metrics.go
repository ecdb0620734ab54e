// Package observe provides application-wide observability primitives for the
// sesame-voice client: OpenTelemetry metrics, tracing, structured logging,
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

// meterName is the instrumentation scope name used for all client metrics.
const meterName = "github.com/chandan-vk6/sesame-voice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture path ---

	// CaptureBlocks counts microphone blocks processed by the gate. Use with
	// attribute: attribute.Bool("voiced", ...)
	CaptureBlocks metric.Int64Counter

	// FramesSent counts PCM frames transmitted to the service.
	FramesSent metric.Int64Counter

	// --- Playback path ---

	// ChunksReceived counts binary audio chunks received from the service.
	ChunksReceived metric.Int64Counter

	// ChunkDecodeErrors counts received chunks that failed PCM decoding.
	ChunkDecodeErrors metric.Int64Counter

	// PlaybackQueueDepth tracks the number of chunks waiting in the playback
	// queue.
	PlaybackQueueDepth metric.Int64UpDownCounter

	// --- Session lifecycle ---

	// ControlMessages counts JSON control messages by status. Use with
	// attribute: attribute.String("status", ...)
	ControlMessages metric.Int64Counter

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ConnectDuration tracks time from dial to the connected handshake.
	ConnectDuration metric.Float64Histogram

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

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.CaptureBlocks, err = m.Int64Counter("sesame.capture.blocks",
		metric.WithDescription("Total microphone blocks processed, by voiced flag."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("sesame.frames.sent",
		metric.WithDescription("Total PCM frames sent to the voice service."),
	); err != nil {
		return nil, err
	}
	if met.ChunksReceived, err = m.Int64Counter("sesame.chunks.received",
		metric.WithDescription("Total binary audio chunks received from the voice service."),
	); err != nil {
		return nil, err
	}
	if met.ChunkDecodeErrors, err = m.Int64Counter("sesame.chunks.decode_errors",
		metric.WithDescription("Total received chunks that failed PCM decoding."),
	); err != nil {
		return nil, err
	}
	if met.ControlMessages, err = m.Int64Counter("sesame.control.messages",
		metric.WithDescription("Total JSON control messages by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.PlaybackQueueDepth, err = m.Int64UpDownCounter("sesame.playback.queue_depth",
		metric.WithDescription("Number of chunks waiting in the playback queue."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("sesame.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("sesame.connect.duration",
		metric.WithDescription("Time from dial to the connected handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("sesame.http.request.duration",
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

// RecordCaptureBlock records one processed microphone block.
func (m *Metrics) RecordCaptureBlock(ctx context.Context, voiced bool) {
	m.CaptureBlocks.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("voiced", voiced)),
	)
}

// RecordControlMessage records one JSON control message by status.
func (m *Metrics) RecordControlMessage(ctx context.Context, status string) {
	m.ControlMessages.Add(ctx, 1,
		metric.WithAttributes(Attr("status", status)),
	)
}
