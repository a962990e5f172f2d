// Package observe provides the server's observability primitives:
// OpenTelemetry metrics, tracing, trace-aware logging, and HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and bridged to
// Prometheus by [InitProvider]. Tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/session"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/diffusiondata/diffusion-mcp-server-sub000"

// Outcome label for successful tool calls. Failures use the failure kind.
const OutcomeSuccess = "success"

// Metrics holds all OpenTelemetry instruments for the server. All fields are
// safe for concurrent use.
type Metrics struct {
	// ToolDuration tracks tool call latency from receipt to result. Use with
	// attributes:
	//   attribute.String("tool", ...), attribute.String("outcome", ...)
	ToolDuration metric.Float64Histogram

	// ToolCalls counts terminal tool results by tool and outcome.
	ToolCalls metric.Int64Counter

	// LateCompletions counts backend operations that finished after their
	// call had already timed out. Use with attribute.String("tool", ...).
	LateCompletions metric.Int64Counter

	// ActiveSessions is the number of callers with a bound connection.
	ActiveSessions metric.Int64UpDownCounter

	// SessionsReleased counts unbound connections by reason.
	SessionsReleased metric.Int64Counter

	// AuditErrors counts audit records that could not be written.
	AuditErrors metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets (seconds) span quick local rejections up to the longest
// tool deadline.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates every instrument from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ToolDuration, err = m.Float64Histogram("diffusion_mcp.tool.duration",
		metric.WithDescription("Latency of tool calls from receipt to result."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("diffusion_mcp.tool.calls",
		metric.WithDescription("Tool results by tool name and outcome."),
	); err != nil {
		return nil, err
	}
	if met.LateCompletions, err = m.Int64Counter("diffusion_mcp.tool.late_completions",
		metric.WithDescription("Backend operations that completed after their call timed out."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("diffusion_mcp.active_sessions",
		metric.WithDescription("Callers with a bound Diffusion connection."),
	); err != nil {
		return nil, err
	}
	if met.SessionsReleased, err = m.Int64Counter("diffusion_mcp.sessions.released",
		metric.WithDescription("Connections unbound from callers by reason."),
	); err != nil {
		return nil, err
	}
	if met.AuditErrors, err = m.Int64Counter("diffusion_mcp.audit.errors",
		metric.WithDescription("Audit records that could not be written."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("diffusion_mcp.http.request.duration",
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

// DefaultMetrics returns a process-wide [Metrics] built from the global
// meter provider on first use.
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

// RecordToolCall records one terminal tool result.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, outcome string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolDuration.Record(ctx, seconds, attrs)
}

// RecordLateCompletion records a backend operation that outlived its call.
func (m *Metrics) RecordLateCompletion(ctx context.Context, tool string) {
	m.LateCompletions.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
}

// RecordAuditError records a failed audit write.
func (m *Metrics) RecordAuditError(ctx context.Context) {
	m.AuditErrors.Add(ctx, 1)
}

// SessionObserver returns a [session.Observer] that keeps ActiveSessions
// and SessionsReleased in step with the registry.
func (m *Metrics) SessionObserver() session.Observer {
	return sessionObserver{m}
}

type sessionObserver struct{ m *Metrics }

func (o sessionObserver) Bound(string) {
	o.m.ActiveSessions.Add(context.Background(), 1)
}

func (o sessionObserver) Detached(_ string, reason session.Reason) {
	ctx := context.Background()
	o.m.ActiveSessions.Add(ctx, -1)
	o.m.SessionsReleased.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(reason))))
}
