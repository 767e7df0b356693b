// Package observe provides application-wide observability primitives for
// Clementine: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Clementine metrics.
const meterName = "github.com/MrWong99/clementine"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// SpeechSessionDuration tracks how long a capture gesture lasted, from
	// start to end, abort, or forced end.
	SpeechSessionDuration metric.Float64Histogram

	// RuntimeDuration tracks conversational-runtime round trips.
	RuntimeDuration metric.Float64Histogram

	// StoreDuration tracks memory/profile store calls. Use with attribute:
	//   attribute.String("op", ...)
	StoreDuration metric.Float64Histogram

	// SynthesisDuration tracks speech synthesis latency.
	SynthesisDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// SpeechSessions counts finished capture sessions. Use with attribute:
	//   attribute.String("outcome", ...) (transcript, empty, aborted, timeout, error)
	SpeechSessions metric.Int64Counter

	// RecognitionRestarts counts transparent restarts after the platform
	// ended recognition on its own. Use with attribute:
	//   attribute.String("status", ...)
	RecognitionRestarts metric.Int64Counter

	// StaleEvents counts recognition events discarded because their session
	// had already ended.
	StaleEvents metric.Int64Counter

	// ReplyFallbacks counts replies replaced by the apology message.
	ReplyFallbacks metric.Int64Counter

	// Messages counts persisted chat messages. Use with attributes:
	//   attribute.String("role", ...), attribute.String("source", ...)
	Messages metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// RecognitionErrors counts platform recognition errors. Use with attribute:
	//   attribute.String("code", ...)
	RecognitionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSpeechSessions tracks capture sessions currently in progress.
	ActiveSpeechSessions metric.Int64UpDownCounter

	// ActiveConnections tracks connected speech sockets.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for remote
// calls.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers capture gestures up to the safety timeout.
var sessionBuckets = []float64{
	0.5, 1, 2, 5, 10, 20, 30, 45, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SpeechSessionDuration, err = m.Float64Histogram("clementine.speech.session.duration",
		metric.WithDescription("Duration of speech capture sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RuntimeDuration, err = m.Float64Histogram("clementine.runtime.duration",
		metric.WithDescription("Latency of conversational runtime calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StoreDuration, err = m.Float64Histogram("clementine.store.duration",
		metric.WithDescription("Latency of memory/profile store calls by operation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("clementine.synthesis.duration",
		metric.WithDescription("Latency of reply speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("clementine.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.SpeechSessions, err = m.Int64Counter("clementine.speech.sessions",
		metric.WithDescription("Total finished speech sessions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.RecognitionRestarts, err = m.Int64Counter("clementine.speech.restarts",
		metric.WithDescription("Total transparent recognition restarts by status."),
	); err != nil {
		return nil, err
	}
	if met.StaleEvents, err = m.Int64Counter("clementine.speech.stale_events",
		metric.WithDescription("Total recognition events discarded for ended sessions."),
	); err != nil {
		return nil, err
	}
	if met.ReplyFallbacks, err = m.Int64Counter("clementine.reply.fallbacks",
		metric.WithDescription("Total replies replaced by the apology message."),
	); err != nil {
		return nil, err
	}
	if met.Messages, err = m.Int64Counter("clementine.messages",
		metric.WithDescription("Total chat messages by role and input source."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("clementine.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.RecognitionErrors, err = m.Int64Counter("clementine.speech.recognition_errors",
		metric.WithDescription("Total platform recognition errors by code."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSpeechSessions, err = m.Int64UpDownCounter("clementine.speech.active_sessions",
		metric.WithDescription("Number of speech capture sessions in progress."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("clementine.active_connections",
		metric.WithDescription("Number of connected speech sockets."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("clementine.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordSpeechSession records the outcome and duration of a finished capture
// session.
func (m *Metrics) RecordSpeechSession(ctx context.Context, outcome string, seconds float64) {
	m.SpeechSessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.SpeechSessionDuration.Record(ctx, seconds)
}

// RecordRecognitionError records a platform recognition error by code.
func (m *Metrics) RecordRecognitionError(ctx context.Context, code string) {
	m.RecognitionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

// RecordRestart records a transparent recognition restart attempt.
func (m *Metrics) RecordRestart(ctx context.Context, status string) {
	m.RecognitionRestarts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordMessage records a persisted chat message.
func (m *Metrics) RecordMessage(ctx context.Context, role, source string) {
	m.Messages.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("role", role),
			attribute.String("source", source),
		),
	)
}
