package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/diffusiondata/diffusion-mcp-server-sub000"

// Span attribute keys shared by tool and HTTP spans.
const (
	AttrTool      = attribute.Key("mcp.tool")
	AttrCaller    = attribute.Key("mcp.caller")
	AttrOutcome   = attribute.Key("mcp.outcome")
	AttrSessionID = attribute.Key("mcp.session_id")
)

// StartSpan starts a span from the global provider. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// StartToolSpan starts the span covering one tool call, named "tool <name>"
// and tagged with the tool and the calling MCP session.
func StartToolSpan(ctx context.Context, tool, caller string) (context.Context, trace.Span) {
	return StartSpan(ctx, "tool "+tool,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(AttrTool.String(tool), AttrCaller.String(caller)),
	)
}

// EndToolSpan records a tool call's outcome on span. A non-empty failure
// marks the span as errored with that message. It does not end the span.
func EndToolSpan(span trace.Span, outcome, failure string) {
	span.SetAttributes(AttrOutcome.String(outcome))
	if failure != "" {
		span.SetStatus(codes.Error, failure)
	}
}

// CorrelationID is the trace ID of ctx's span, or "" outside a span. HTTP
// responses echo it and audit records store it.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger is slog.Default with the trace and span IDs of ctx attached.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
