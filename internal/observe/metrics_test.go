package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere returns the value of the data point of counter name whose
// attribute key equals value.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.Emit() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"earmark.stt.duration", m.STTDuration},
		{"earmark.speaker.duration", m.SpeakerDuration},
		{"earmark.llm.duration", m.LLMDuration},
		{"earmark.embedding.duration", m.EmbeddingDuration},
		{"earmark.interpretation.duration", m.InterpretationDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 4.2)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordProviderRequest(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "ollama", "llm", "ok")
	m.RecordProviderRequest(ctx, "ollama", "llm", "ok")
	m.RecordProviderRequest(ctx, "ollama", "llm", "error")
	m.RecordProviderError(ctx, "ollama", "llm")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "earmark.provider.requests", "status", "ok"); got != 2 {
		t.Errorf("requests{status=ok} = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "earmark.provider.errors", "provider", "ollama"); got != 1 {
		t.Errorf("errors{provider=ollama} = %d, want 1", got)
	}
}

func TestPipelineCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDrop(ctx, "queue_full")
	m.RecordDrop(ctx, "queue_full")
	m.RecordEvent(ctx, "transcript")
	m.RecordItem(ctx, "add_memory", false)
	m.RecordTransition(ctx, "pending", "approved")
	m.RecordLearningEvent(ctx, "interpretation_parse_error")
	m.SegmentsRecorded.Add(ctx, 3)

	rm := collect(t, reader)

	tests := []struct {
		name, key, value string
		want             int64
	}{
		{"earmark.audio.buffers_dropped", "reason", "queue_full", 2},
		{"earmark.events.appended", "type", "transcript", 1},
		{"earmark.items.proposed", "action", "add_memory", 1},
		{"earmark.approval.transitions", "to", "approved", 1},
		{"earmark.learning.events", "category", "interpretation_parse_error", 1},
	}
	for _, tc := range tests {
		if got := sumWhere(t, rm, tc.name, tc.key, tc.value); got != tc.want {
			t.Errorf("%s{%s=%s} = %d, want %d", tc.name, tc.key, tc.value, got, tc.want)
		}
	}

	met := findMetric(rm, "earmark.audio.segments_recorded")
	if met == nil {
		t.Fatal("segments_recorded not found")
	}
	if got := met.Data.(metricdata.Sum[int64]).DataPoints[0].Value; got != 3 {
		t.Errorf("segments_recorded = %d, want 3", got)
	}
}

func TestUpDownCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.QueueDepth.Add(ctx, 5)
	m.QueueDepth.Add(ctx, -2)
	m.InFlightInterpretations.Add(ctx, 2)

	rm := collect(t, reader)

	tests := []struct {
		name string
		want int64
	}{
		{"earmark.active_sessions", 1},
		{"earmark.audio.queue_depth", 3},
		{"earmark.interpretation.in_flight", 2},
	}
	for _, tc := range tests {
		met := findMetric(rm, tc.name)
		if met == nil {
			t.Fatalf("metric %q not found", tc.name)
		}
		sum, ok := met.Data.(metricdata.Sum[int64])
		if !ok {
			t.Fatalf("metric %q is not a sum", tc.name)
		}
		if got := sum.DataPoints[0].Value; got != tc.want {
			t.Errorf("%s = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
