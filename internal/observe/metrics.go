// Package observe provides application-wide observability primitives for
// Torchvox: OpenTelemetry metrics with a Prometheus exporter bridge, plus
// HTTP middleware that records request latency.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped via
// the standard /metrics endpoint. A package-level default [Metrics] instance
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

// meterName is the instrumentation scope name used for all Torchvox metrics.
const meterName = "github.com/MrWong99/torchvox"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// ClipsStarted counts clips whose pipeline reached streaming state.
	ClipsStarted metric.Int64Counter

	// ClipsStopped counts terminated clips, whatever the cause.
	ClipsStopped metric.Int64Counter

	// AdmissionDenied counts rejected playback requests. Use with
	// attribute.String("reason", ...): disabled, antispam, limit.
	AdmissionDenied metric.Int64Counter

	// ActiveClips tracks the number of currently streaming clips.
	ActiveClips metric.Int64UpDownCounter

	// ClipDuration tracks observed clip length in seconds.
	ClipDuration metric.Float64Histogram

	// PCMBytesRelayed counts decoded PCM bytes written to the voice server.
	PCMBytesRelayed metric.Int64Counter

	// BridgeMessages counts chat bridge traffic. Use with
	// attribute.String("direction", "in"|"out").
	BridgeMessages metric.Int64Counter

	// CommandsHandled counts dispatched chat commands. Use with
	// attribute.String("command", ...).
	CommandsHandled metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// durationBuckets defines histogram bucket boundaries (in seconds) sized for
// audio clips, which run from sub-second stings to multi-minute songs.
var durationBuckets = []float64{
	0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ClipsStarted, err = m.Int64Counter("torchvox.clips.started",
		metric.WithDescription("Total clips that reached streaming state."),
	); err != nil {
		return nil, err
	}
	if met.ClipsStopped, err = m.Int64Counter("torchvox.clips.stopped",
		metric.WithDescription("Total clips terminated, any cause."),
	); err != nil {
		return nil, err
	}
	if met.AdmissionDenied, err = m.Int64Counter("torchvox.admission.denied",
		metric.WithDescription("Playback requests rejected by admission control, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ActiveClips, err = m.Int64UpDownCounter("torchvox.clips.active",
		metric.WithDescription("Number of currently streaming clips."),
	); err != nil {
		return nil, err
	}
	if met.ClipDuration, err = m.Float64Histogram("torchvox.clip.duration",
		metric.WithDescription("Observed clip length."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PCMBytesRelayed, err = m.Int64Counter("torchvox.pcm.bytes",
		metric.WithDescription("Decoded PCM bytes relayed to the voice server."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.BridgeMessages, err = m.Int64Counter("torchvox.bridge.messages",
		metric.WithDescription("Chat bridge messages by direction."),
	); err != nil {
		return nil, err
	}
	if met.CommandsHandled, err = m.Int64Counter("torchvox.commands.handled",
		metric.WithDescription("Dispatched chat commands by command name."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("torchvox.http.request.duration",
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// RecordClipStarted records a clip entering streaming state.
func (m *Metrics) RecordClipStarted(ctx context.Context) {
	m.ClipsStarted.Add(ctx, 1)
	m.ActiveClips.Add(ctx, 1)
}

// RecordClipStopped records a clip termination with its observed duration.
func (m *Metrics) RecordClipStopped(ctx context.Context, seconds float64) {
	m.ClipsStopped.Add(ctx, 1)
	m.ActiveClips.Add(ctx, -1)
	m.ClipDuration.Record(ctx, seconds)
}

// RecordAdmissionDenied records a rejected playback request.
func (m *Metrics) RecordAdmissionDenied(ctx context.Context, reason string) {
	m.AdmissionDenied.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordPCMBytes records decoded PCM bytes written to the voice server.
func (m *Metrics) RecordPCMBytes(ctx context.Context, n int) {
	m.PCMBytesRelayed.Add(ctx, int64(n))
}

// RecordBridgeMessage records one chat bridge message.
func (m *Metrics) RecordBridgeMessage(ctx context.Context, direction string) {
	m.BridgeMessages.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordCommand records one dispatched chat command.
func (m *Metrics) RecordCommand(ctx context.Context, command string) {
	m.CommandsHandled.Add(ctx, 1,
		metric.WithAttributes(attribute.String("command", command)),
	)
}
