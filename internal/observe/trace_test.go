package observe

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// installTestTracer swaps in an in-memory exporter as the global tracer
// provider for the duration of the test.
func installTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

func TestCorrelationIDEmptyWithoutSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID = %q, want empty outside a span", got)
	}
}

func TestCorrelationIDIsHexTraceID(t *testing.T) {
	installTestTracer(t)

	ctx, span := StartSpan(context.Background(), "session.start")
	defer span.End()

	cid := CorrelationID(ctx)
	if len(cid) != 32 {
		t.Fatalf("correlation ID length = %d, want 32", len(cid))
	}
	if cid != span.SpanContext().TraceID().String() {
		t.Errorf("correlation ID %q does not match the span's trace ID", cid)
	}
	for _, c := range cid {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			t.Fatalf("correlation ID contains non-hex character %q", c)
		}
	}
}

func TestStartSpanRecordsNameAndAttributes(t *testing.T) {
	exp := installTestTracer(t)

	_, span := StartSpan(context.Background(), "session.start",
		trace.WithAttributes(attribute.String("character", "maya")),
	)
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "session.start" {
		t.Errorf("span name = %q, want session.start", spans[0].Name)
	}
	var found bool
	for _, attr := range spans[0].Attributes {
		if attr.Key == "character" && attr.Value.AsString() == "maya" {
			found = true
		}
	}
	if !found {
		t.Error("span is missing the character attribute")
	}
}

func TestCorrelationIDsAreDistinctAcrossSessions(t *testing.T) {
	installTestTracer(t)

	seen := make(map[string]struct{}, 100)
	for range 100 {
		ctx, span := StartSpan(context.Background(), "session.start")
		cid := CorrelationID(ctx)
		span.End()
		if _, dup := seen[cid]; dup {
			t.Fatalf("duplicate correlation ID %s", cid)
		}
		seen[cid] = struct{}{}
	}
}

func TestLoggerAttachesTraceFields(t *testing.T) {
	installTestTracer(t)

	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	ctx, span := StartSpan(context.Background(), "session.start")
	defer span.End()

	Logger(ctx).Info("session starting", "character", "maya")

	out := buf.String()
	if !bytes.Contains([]byte(out), []byte("trace_id=")) {
		t.Errorf("log line missing trace_id: %s", out)
	}
	if !bytes.Contains([]byte(out), []byte("span_id=")) {
		t.Errorf("log line missing span_id: %s", out)
	}
}

func TestLoggerWithoutSpanOmitsTraceFields(t *testing.T) {
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	Logger(context.Background()).Info("idle")

	if bytes.Contains(buf.Bytes(), []byte("trace_id")) {
		t.Errorf("log line should not carry trace_id: %s", buf.String())
	}
}

func TestTracerNotNil(t *testing.T) {
	if Tracer() == nil {
		t.Fatal("Tracer() returned nil")
	}
}
