package observe

import (
	"bytes"
	"context"
	"log/slog"
	"regexp"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracer installs an in-memory TracerProvider as the global one for the
// duration of the test.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs redirects slog.Default into a buffer for the duration of the
// test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

var traceIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	useTracer(t)
	seen := make(map[string]bool)
	for range 50 {
		ctx, span := StartSpan(context.Background(), "interpret")
		id := CorrelationID(ctx)
		span.End()
		if !traceIDPattern.MatchString(id) {
			t.Fatalf("CorrelationID = %q, want 32 hex chars", id)
		}
		if seen[id] {
			t.Fatalf("duplicate correlation id %s", id)
		}
		seen[id] = true
	}
}

func TestStartSpan_RecordsNamedSpan(t *testing.T) {
	exp := useTracer(t)

	_, span := StartSpan(context.Background(), "pipeline.segment")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "pipeline.segment" {
		t.Fatalf("spans = %v, want one pipeline.segment", spans.Snapshots())
	}
	if got := spans[0].InstrumentationScope.Name; got != tracerName {
		t.Errorf("scope = %q, want %q", got, tracerName)
	}
}

func TestLogger(t *testing.T) {
	useTracer(t)
	buf := captureLogs(t)

	Logger(context.Background()).Info("idle")
	ctx, span := StartSpan(context.Background(), "approve")
	Logger(ctx).Info("traced")
	span.End()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("log lines = %d, want 2:\n%s", len(lines), buf)
	}
	if strings.Contains(lines[0], "trace_id") {
		t.Errorf("untraced line carries trace_id: %s", lines[0])
	}
	for _, key := range []string{"trace_id=" + CorrelationID(ctx), "span_id="} {
		if !strings.Contains(lines[1], key) {
			t.Errorf("traced line missing %q: %s", key, lines[1])
		}
	}
}

func TestSessionLogger_AddsSessionID(t *testing.T) {
	buf := captureLogs(t)

	SessionLogger(context.Background(), 42).Info("hello")

	if !strings.Contains(buf.String(), "session_id=42") {
		t.Errorf("log output %q missing session_id", buf.String())
	}
}
