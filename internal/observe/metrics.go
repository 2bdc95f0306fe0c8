// Package observe provides the observability primitives shared by every
// earmark component: OpenTelemetry metrics and tracing, trace-aware logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed for
// Prometheus scraping by [InitProvider]. Tests should build a [Metrics] with
// [NewMetrics] and a private [metric.MeterProvider].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/earmark"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	STTDuration       metric.Float64Histogram
	SpeakerDuration   metric.Float64Histogram
	LLMDuration       metric.Float64Histogram
	EmbeddingDuration metric.Float64Histogram

	// InterpretationDuration covers one event end to end, retries included.
	InterpretationDuration metric.Float64Histogram

	// --- Provider counters ---

	// ProviderRequests uses attributes provider, kind and status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors uses attributes provider and kind.
	ProviderErrors metric.Int64Counter

	// --- Pipeline counters ---

	// BuffersDropped counts input buffers lost to queue overflow or
	// normalization errors. Attribute: reason.
	BuffersDropped metric.Int64Counter

	SegmentsRecorded metric.Int64Counter

	// EventsAppended uses attribute type.
	EventsAppended metric.Int64Counter

	// ItemsProposed uses attributes action and replay.
	ItemsProposed metric.Int64Counter

	// ApprovalTransitions uses attributes from and to.
	ApprovalTransitions metric.Int64Counter

	// LearningEvents uses attribute category.
	LearningEvents metric.Int64Counter

	// --- Gauges ---

	ActiveSessions          metric.Int64UpDownCounter
	QueueDepth              metric.Int64UpDownCounter
	InFlightInterpretations metric.Int64UpDownCounter

	// HTTPRequestDuration uses attributes method, route and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, sized for local
// inference which is slower than hosted APIs.
var latencyBuckets = []float64{
	0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.STTDuration, "earmark.stt.duration", "Latency of speech-to-text transcription."},
		{&met.SpeakerDuration, "earmark.speaker.duration", "Latency of speaker identification."},
		{&met.LLMDuration, "earmark.llm.duration", "Latency of one LLM completion."},
		{&met.EmbeddingDuration, "earmark.embedding.duration", "Latency of embedding generation."},
		{&met.InterpretationDuration, "earmark.interpretation.duration", "Latency of interpreting one event including retries."},
	}
	for _, h := range histograms {
		inst, err := m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
		if err != nil {
			return nil, err
		}
		*h.dst = inst
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ProviderRequests, "earmark.provider.requests", "Total provider requests by provider, kind, and status."},
		{&met.ProviderErrors, "earmark.provider.errors", "Total provider errors by provider and kind."},
		{&met.BuffersDropped, "earmark.audio.buffers_dropped", "Input buffers dropped by reason."},
		{&met.SegmentsRecorded, "earmark.audio.segments_recorded", "Speech segments persisted."},
		{&met.EventsAppended, "earmark.events.appended", "Raw events appended by type."},
		{&met.ItemsProposed, "earmark.items.proposed", "Memory items proposed by action."},
		{&met.ApprovalTransitions, "earmark.approval.transitions", "Item status transitions."},
		{&met.LearningEvents, "earmark.learning.events", "Supervised-learning events by category."},
	}
	for _, c := range counters {
		inst, err := m.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = inst
	}

	gauges := []struct {
		dst  *metric.Int64UpDownCounter
		name string
		desc string
	}{
		{&met.ActiveSessions, "earmark.active_sessions", "Sessions currently recording."},
		{&met.QueueDepth, "earmark.audio.queue_depth", "Buffers waiting in the ingestion queue."},
		{&met.InFlightInterpretations, "earmark.interpretation.in_flight", "Interpretations currently running."},
	}
	for _, g := range gauges {
		inst, err := m.Int64UpDownCounter(g.name, metric.WithDescription(g.desc))
		if err != nil {
			return nil, err
		}
		*g.dst = inst
	}

	var err error
	if met.HTTPRequestDuration, err = m.Float64Histogram("earmark.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
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
// fails.
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

// RecordProviderRequest increments the provider request counter.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError increments the provider error counter.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordDrop counts one dropped input buffer.
func (m *Metrics) RecordDrop(ctx context.Context, reason string) {
	m.BuffersDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordEvent counts one appended raw event.
func (m *Metrics) RecordEvent(ctx context.Context, eventType string) {
	m.EventsAppended.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// RecordItem counts one proposed memory item.
func (m *Metrics) RecordItem(ctx context.Context, action string, replay bool) {
	m.ItemsProposed.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("action", action),
			attribute.Bool("replay", replay),
		),
	)
}

// RecordTransition counts one approval status change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.ApprovalTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordLearningEvent counts one supervised-learning event.
func (m *Metrics) RecordLearningEvent(ctx context.Context, category string) {
	m.LearningEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}
