// Package observe provides application-wide observability primitives for
// tablevoice: OpenTelemetry metrics, tracing helpers, trace-aware logging,
// and HTTP middleware for the diagnostics server.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// bridges them to Prometheus so the diagnostics server can expose /metrics.
// Tests should use [NewMetrics] with a custom [metric.MeterProvider] instead
// of [DefaultMetrics] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all tablevoice metrics.
const meterName = "github.com/MrWong99/tablevoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Discovery ---

	// DiscoveryAttempts counts broadcast attempts (one per schedule tick,
	// regardless of how many interfaces were targeted).
	DiscoveryAttempts metric.Int64Counter

	// DiscoverySendErrors counts failed datagram sends.
	DiscoverySendErrors metric.Int64Counter

	// DiscoveryCycles counts completed discovery cycles.
	DiscoveryCycles metric.Int64Counter

	// DiscoveryOutcomes counts terminal discovery results. Use with attribute:
	//   attribute.String("outcome", "connected"|"exhausted")
	DiscoveryOutcomes metric.Int64Counter

	// DiscoveryDuration tracks the time from Start to a server reply.
	DiscoveryDuration metric.Float64Histogram

	// --- Audio arbiter ---

	// AudioAcquisitions counts granted ownership tokens. Use with attribute:
	//   attribute.String("role", "capture"|"playback")
	AudioAcquisitions metric.Int64Counter

	// AudioHeld is 1 while a token is outstanding and 0 otherwise.
	AudioHeld metric.Int64UpDownCounter

	// AudioTeardownFailures counts stream close errors and timeouts.
	AudioTeardownFailures metric.Int64Counter

	// --- Voice turn latency ---

	// STTDuration tracks the time spent finalising a transcript.
	STTDuration metric.Float64Histogram

	// ChatDuration tracks the chat API round trip.
	ChatDuration metric.Float64Histogram

	// TTSDuration tracks synthesis plus playback of a reply.
	TTSDuration metric.Float64Histogram

	// VoiceTurns counts finished turns. Use with attribute:
	//   attribute.String("outcome", "ok"|"empty"|"remote_error"|...)
	VoiceTurns metric.Int64Counter

	// RecordingTimeouts counts recordings stopped by the absolute deadline.
	RecordingTimeouts metric.Int64Counter

	// --- Providers ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks diagnostics request processing time.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for the
// voice turn stages.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 7.5, 10, 15, 30,
}

// discoveryBuckets covers a full discovery budget of several minutes.
var discoveryBuckets = []float64{
	0.1, 0.5, 1, 3, 10, 30, 60, 120, 300, 600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.DiscoveryAttempts, "tablevoice.discovery.attempts", "Broadcast attempts sent by the discovery engine."},
		{&met.DiscoverySendErrors, "tablevoice.discovery.send_errors", "Discovery datagrams that failed to send."},
		{&met.DiscoveryCycles, "tablevoice.discovery.cycles", "Completed discovery cycles."},
		{&met.DiscoveryOutcomes, "tablevoice.discovery.outcomes", "Terminal discovery outcomes."},
		{&met.AudioAcquisitions, "tablevoice.audio.acquisitions", "Audio ownership tokens granted by role."},
		{&met.AudioTeardownFailures, "tablevoice.audio.teardown_failures", "Audio stream teardown errors and timeouts."},
		{&met.VoiceTurns, "tablevoice.voice.turns", "Finished voice turns by outcome."},
		{&met.RecordingTimeouts, "tablevoice.voice.recording_timeouts", "Recordings stopped by the record deadline."},
		{&met.ProviderRequests, "tablevoice.provider.requests", "Total provider API requests by provider, kind, and status."},
		{&met.ProviderErrors, "tablevoice.provider.errors", "Total provider errors by provider and kind."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	histograms := []struct {
		dst     *metric.Float64Histogram
		name    string
		desc    string
		buckets []float64
	}{
		{&met.DiscoveryDuration, "tablevoice.discovery.duration", "Time from discovery start to a server reply.", discoveryBuckets},
		{&met.STTDuration, "tablevoice.stt.duration", "Latency of transcript finalisation.", latencyBuckets},
		{&met.ChatDuration, "tablevoice.chat.duration", "Latency of the chat API round trip.", latencyBuckets},
		{&met.TTSDuration, "tablevoice.tts.duration", "Duration of reply synthesis and playback.", latencyBuckets},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(h.buckets...),
		); err != nil {
			return nil, err
		}
	}

	if met.AudioHeld, err = m.Int64UpDownCounter("tablevoice.audio.held",
		metric.WithDescription("Outstanding audio ownership tokens (0 or 1)."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("tablevoice.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordDiscoveryOutcome records a terminal discovery result.
func (m *Metrics) RecordDiscoveryOutcome(ctx context.Context, outcome string) {
	m.DiscoveryOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordTurn records a finished voice turn.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.VoiceTurns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordAcquisition records a granted audio token for role.
func (m *Metrics) RecordAcquisition(ctx context.Context, role string) {
	m.AudioAcquisitions.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}
