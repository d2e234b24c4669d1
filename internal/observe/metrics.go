// Package observe provides application-wide observability primitives for
// voxloop: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all voxloop metrics.
const meterName = "github.com/voxloop/voxloop"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// CaptureDuration tracks the audio length of accepted capture sessions.
	CaptureDuration metric.Float64Histogram

	// TranscribeDuration tracks speech-to-text latency per utterance.
	TranscribeDuration metric.Float64Histogram

	// RespondFirstAudio tracks time from the respond request to the first
	// audio fragment reaching the playback sink.
	RespondFirstAudio metric.Float64Histogram

	// TurnDuration tracks whole-turn latency, capture stop to playback
	// drained.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts processed turns. Use with attribute:
	//   attribute.String("outcome", ...)
	Turns metric.Int64Counter

	// HallucinationRejects counts recordings and transcripts dropped by an
	// artifact gate. Use with attribute:
	//   attribute.String("gate", ...)
	HallucinationRejects metric.Int64Counter

	// TranscribeRetries counts transcription retry attempts (not first
	// attempts).
	TranscribeRetries metric.Int64Counter

	// BargeIns counts user interruptions of in-progress playback.
	BargeIns metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveConversations tracks the number of live conversation engines.
	ActiveConversations metric.Int64UpDownCounter

	// ActiveCaptures tracks the number of capture sessions currently
	// holding an audio source.
	ActiveCaptures metric.Int64UpDownCounter

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
	if met.CaptureDuration, err = m.Float64Histogram("voxloop.capture.duration",
		metric.WithDescription("Audio length of accepted capture sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscribeDuration, err = m.Float64Histogram("voxloop.transcribe.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RespondFirstAudio, err = m.Float64Histogram("voxloop.respond.first_audio",
		metric.WithDescription("Time from respond request to first scheduled audio fragment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("voxloop.turn.duration",
		metric.WithDescription("Whole-turn latency, capture stop to playback drained."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("voxloop.turns",
		metric.WithDescription("Total processed turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.HallucinationRejects, err = m.Int64Counter("voxloop.hallucination.rejects",
		metric.WithDescription("Recordings and transcripts dropped by an artifact gate."),
	); err != nil {
		return nil, err
	}
	if met.TranscribeRetries, err = m.Int64Counter("voxloop.transcribe.retries",
		metric.WithDescription("Transcription retry attempts after transient failures."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voxloop.barge_ins",
		metric.WithDescription("User interruptions of in-progress playback."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("voxloop.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConversations, err = m.Int64UpDownCounter("voxloop.conversations.active",
		metric.WithDescription("Number of live conversation engines."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCaptures, err = m.Int64UpDownCounter("voxloop.captures.active",
		metric.WithDescription("Number of capture sessions holding an audio source."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxloop.http.request.duration",
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

// RecordTurn is a convenience method that records one processed turn with its
// outcome ("completed", "barged_in", "rejected", "command", "failed").
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordHallucinationReject is a convenience method that records one gate
// rejection with the gate that fired.
func (m *Metrics) RecordHallucinationReject(ctx context.Context, gate string) {
	m.HallucinationRejects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("gate", gate)),
	)
}

// RecordBargeIn is a convenience method that records one barge-in.
func (m *Metrics) RecordBargeIn(ctx context.Context) {
	m.BargeIns.Add(ctx, 1)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
