// Package observe provides application-wide observability primitives for the
// language tutor backend: OpenTelemetry metrics and a Prometheus exporter
// bridge so metrics can be scraped via the standard /metrics endpoint.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all tutor metrics.
const meterName = "github.com/Snehasis4321/language-learning-backend"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks the time from end of speech to the final transcript.
	STTDuration metric.Float64Histogram

	// CompletionDuration tracks tutor completion latency.
	CompletionDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency, from the first
	// text chunk submitted to the last audio chunk received.
	TTSDuration metric.Float64Histogram

	// TurnDuration tracks end-to-end turn latency: final transcript in to
	// first synthesized audio out.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed tutoring turns. Use with attribute:
	//   attribute.String("room", ...)
	Turns metric.Int64Counter

	// Interruptions counts learner barge-ins that cut off tutor playback.
	Interruptions metric.Int64Counter

	// Corrections counts transcript corrections applied by the phonetic
	// vocabulary stage.
	Corrections metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live tutoring sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveParticipants tracks the number of connected room participants
	// across all sessions.
	ActiveParticipants metric.Int64UpDownCounter
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
	if met.STTDuration, err = m.Float64Histogram("tutor.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CompletionDuration, err = m.Float64Histogram("tutor.completion.duration",
		metric.WithDescription("Latency of tutor completion generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("tutor.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("tutor.turn.duration",
		metric.WithDescription("End-to-end latency from final transcript to first audio out."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("tutor.turns",
		metric.WithDescription("Total completed tutoring turns by room."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("tutor.interruptions",
		metric.WithDescription("Total learner barge-ins that interrupted tutor playback."),
	); err != nil {
		return nil, err
	}
	if met.Corrections, err = m.Int64Counter("tutor.transcript.corrections",
		metric.WithDescription("Total phonetic vocabulary corrections applied to transcripts."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("tutor.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("tutor.active_sessions",
		metric.WithDescription("Number of live tutoring sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveParticipants, err = m.Int64UpDownCounter("tutor.active_participants",
		metric.WithDescription("Number of connected participants across all sessions."),
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

// RecordTurn is a convenience method that increments the turn counter for a
// room.
func (m *Metrics) RecordTurn(ctx context.Context, roomID string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("room", roomID)),
	)
}

// RecordInterruption is a convenience method that increments the barge-in
// counter for a room.
func (m *Metrics) RecordInterruption(ctx context.Context, roomID string) {
	m.Interruptions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("room", roomID)),
	)
}

// RecordCorrection is a convenience method that increments the transcript
// correction counter.
func (m *Metrics) RecordCorrection(ctx context.Context) {
	m.Corrections.Add(ctx, 1)
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
