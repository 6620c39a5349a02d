package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func testSpanContext(t *testing.T) trace.SpanContext {
	t.Helper()
	tid, err := trace.TraceIDFromHex("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("TraceIDFromHex: %v", err)
	}
	sid, err := trace.SpanIDFromHex("0123456789abcdef")
	if err != nil {
		t.Fatalf("SpanIDFromHex: %v", err)
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
	})
}

func TestStartSpanPropagatesParentTrace(t *testing.T) {
	parent := testSpanContext(t)
	ctx := trace.ContextWithSpanContext(context.Background(), parent)

	ctx, span := StartSpan(ctx, "test-op")
	defer span.End()

	got := trace.SpanContextFromContext(ctx)
	if got.TraceID() != parent.TraceID() {
		t.Fatalf("trace id = %s, want %s", got.TraceID(), parent.TraceID())
	}
}

func TestLoggerCarriesTraceID(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	sc := testSpanContext(t)
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	Logger(ctx).Info("hello")
	if out := buf.String(); !strings.Contains(out, "trace_id="+sc.TraceID().String()) {
		t.Fatalf("log line missing trace_id: %q", out)
	}
}

func TestLoggerWithoutSpanIsPlain(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	Logger(context.Background()).Info("hello")
	if out := buf.String(); strings.Contains(out, "trace_id") {
		t.Fatalf("unexpected trace_id in %q", out)
	}
}
