package observe

import (
	"bytes"
	"context"
	"log/slog"
	"regexp"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var traceIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

func spanContext(t *testing.T) context.Context {
	t.Helper()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(tracetest.NewInMemoryExporter()))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "tool fetch_topics")
	t.Cleanup(func() { span.End() })
	return ctx
}

func TestCorrelationID(t *testing.T) {
	t.Parallel()

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without a span = %q, want empty", got)
	}

	seen := make(map[string]bool)
	for range 20 {
		id := CorrelationID(spanContext(t))
		if !traceIDPattern.MatchString(id) {
			t.Fatalf("CorrelationID = %q, want 32 hex digits", id)
		}
		if seen[id] {
			t.Fatalf("duplicate correlation ID %s", id)
		}
		seen[id] = true
	}
}

// Not parallel: swaps the default logger.
func TestLogger(t *testing.T) {
	orig := slog.Default()
	t.Cleanup(func() { slog.SetDefault(orig) })

	var buf bytes.Buffer
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))

	Logger(context.Background()).Info("no span")
	if line := buf.String(); strings.Contains(line, "trace_id") {
		t.Errorf("log without a span carries trace_id: %s", line)
	}

	buf.Reset()
	ctx := spanContext(t)
	Logger(ctx).Info("in span", "tool", "fetch_topics")
	line := buf.String()
	if !strings.Contains(line, "trace_id="+CorrelationID(ctx)) || !strings.Contains(line, "span_id=") {
		t.Errorf("log in a span lacks trace fields: %s", line)
	}
}

// Not parallel: swaps the global tracer provider.
func TestToolSpan(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	_, succeeded := StartToolSpan(context.Background(), "fetch_topics", "caller-1")
	EndToolSpan(succeeded, "ok", "")
	succeeded.End()
	_, failed := StartToolSpan(context.Background(), "add_topic", "caller-2")
	EndToolSpan(failed, "timeout", "add_topic timed out")
	failed.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("exported %d spans, want 2", len(spans))
	}
	attrs := func(i int) map[attribute.Key]string {
		m := make(map[attribute.Key]string)
		for _, kv := range spans[i].Attributes {
			m[kv.Key] = kv.Value.Emit()
		}
		return m
	}

	if spans[0].Name != "tool fetch_topics" {
		t.Errorf("name = %q", spans[0].Name)
	}
	a := attrs(0)
	if a[AttrTool] != "fetch_topics" || a[AttrCaller] != "caller-1" || a[AttrOutcome] != "ok" {
		t.Errorf("attributes = %v", a)
	}
	if spans[0].Status.Code == codes.Error {
		t.Error("successful call marked as error")
	}

	if got := attrs(1)[AttrOutcome]; got != "timeout" {
		t.Errorf("outcome = %q, want timeout", got)
	}
	if st := spans[1].Status; st.Code != codes.Error || st.Description != "add_topic timed out" {
		t.Errorf("status = %+v", st)
	}
}
