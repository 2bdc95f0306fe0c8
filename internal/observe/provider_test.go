package observe

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

func TestInitProvider_ExportsToRegistry(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{ServiceVersion: "test", Registerer: reg})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	m.RecordEvent(context.Background(), "transcript")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "earmark_events_appended_total" {
			found = true
		}
	}
	if !found {
		t.Errorf("earmark_events_appended_total not exported; got %d families", len(families))
	}

	_, span := Tracer().Start(context.Background(), "startup")
	defer span.End()
	if !span.SpanContext().IsSampled() {
		t.Error("root span not sampled with default ratio")
	}
}

func TestProviderConfig_Sampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		desc := ProviderConfig{SampleRatio: tt.ratio}.sampler().Description()
		if !strings.Contains(desc, tt.want) {
			t.Errorf("sampler(%v) = %q, want it to mention %q", tt.ratio, desc, tt.want)
		}
	}
}
