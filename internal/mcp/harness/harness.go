// Package harness runs tool calls.
//
// Every call moves through the same states:
//
//	Received → Validating → Rejected
//	                      → AwaitingBackend → Succeeded | Failed{kind}
//
// The harness resolves the tool and the caller's bound connection, validates
// the arguments, then runs the handler in its own goroutine and races it
// against the tool's deadline. Exactly one [Result] is produced per call. A
// handler that outlives its deadline is not cancelled; its eventual outcome
// is logged and counted but never delivered.
package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/audit"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/mcp/toolerr"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/mcp/tools"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/observe"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/session"
)

// DefaultDeadline bounds a call whose tool declares no timeout.
const DefaultDeadline = 10 * time.Second

// unknownTool is the metric label for calls to tools that do not exist, so
// arbitrary names cannot inflate label cardinality.
const unknownTool = "unknown"

// Config wires a [Harness].
type Config struct {
	// Catalog resolves tool names. Required.
	Catalog *tools.Catalog

	// Registry resolves callers to their bound connection. Required.
	Registry *session.Registry

	// Deadline applies to tools without their own timeout. Default: [DefaultDeadline].
	Deadline time.Duration

	// Metrics receives per-call instrumentation. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Audit receives one record per call. Default: [audit.Nop].
	Audit audit.Sink

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// OnLate, when set, is called after a handler completes for a call that
	// has already timed out. err is nil when the late outcome was a success.
	OnLate func(req Request, err error)
}

// Request is one inbound tool call.
type Request struct {
	CallerID  string
	Tool      string
	Arguments json.RawMessage
}

// Result is the single outcome of a call.
type Result struct {
	// IsError is true for every failure.
	IsError bool

	// Kind is the failure kind. Empty on success.
	Kind toolerr.Kind

	// Text is the JSON-encoded payload on success, or the failure message.
	Text string

	// Payload is the handler's return value on success.
	Payload any
}

// Outcome returns the metric and audit label for r.
func (r Result) Outcome() string {
	if !r.IsError {
		return observe.OutcomeSuccess
	}
	return string(r.Kind)
}

func failure(k toolerr.Kind, msg string) Result {
	return Result{IsError: true, Kind: k, Text: msg}
}

// Harness executes tool calls. It is safe for concurrent use.
type Harness struct {
	catalog  *tools.Catalog
	registry *session.Registry
	deadline time.Duration
	metrics  *observe.Metrics
	audit    audit.Sink
	now      func() time.Time
	onLate   func(Request, error)
}

// New returns a Harness for cfg.
func New(cfg Config) *Harness {
	h := &Harness{
		catalog:  cfg.Catalog,
		registry: cfg.Registry,
		deadline: cfg.Deadline,
		metrics:  cfg.Metrics,
		audit:    cfg.Audit,
		now:      cfg.Now,
		onLate:   cfg.OnLate,
	}
	if h.deadline <= 0 {
		h.deadline = DefaultDeadline
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	if h.audit == nil {
		h.audit = audit.Nop{}
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// Catalog returns the tools the harness can run.
func (h *Harness) Catalog() *tools.Catalog { return h.catalog }

// Execute runs req and returns its result. Execute returns once, no later
// than the tool's deadline after validation, or earlier if ctx is done.
func (h *Harness) Execute(ctx context.Context, req Request) Result {
	start := h.now()
	ctx, span := observe.StartToolSpan(ctx, req.Tool, req.CallerID)
	defer span.End()

	res, known := h.execute(ctx, req)
	h.finish(ctx, span, req, known, start, res)
	return res
}

func (h *Harness) execute(ctx context.Context, req Request) (Result, bool) {
	tool, ok := h.catalog.Lookup(req.Tool)
	if !ok {
		return failure(toolerr.InvalidArgument, h.catalog.Unknown(req.Tool)), false
	}

	call := tools.Call{CallerID: req.CallerID}
	if !tool.NoSession() {
		handle, ok := h.registry.Get(req.CallerID)
		if !ok {
			return failure(toolerr.NoActiveSession, toolerr.Message(toolerr.NoActiveSession, toolerr.Detail{
				Tool:   tool.Name(),
				Caller: req.CallerID,
			})), true
		}
		call.Handle = handle
	}

	args, err := tool.Validate(req.Arguments)
	if err != nil {
		return failure(toolerr.InvalidArgument, toolerr.Message(toolerr.InvalidArgument, toolerr.Detail{
			Tool:  tool.Name(),
			Cause: cause(err),
		})), true
	}

	return h.await(ctx, req, tool, call, args), true
}

type outcome struct {
	payload any
	err     error
}

// await runs the handler and races it against the deadline. Whichever side
// claims the emitter first decides the result; the other side is discarded.
func (h *Harness) await(ctx context.Context, req Request, tool *tools.Tool, call tools.Call, args any) Result {
	deadline := tool.Timeout()
	if deadline <= 0 {
		deadline = h.deadline
	}
	target := tool.Identify(args)

	var emitted atomic.Bool
	done := make(chan outcome, 1)

	// The backend call must not be cut short by the caller going away or by
	// the deadline: a write may already be in flight.
	runCtx := context.WithoutCancel(ctx)
	go func() {
		o := invoke(runCtx, tool, call, args)
		if !emitted.CompareAndSwap(false, true) {
			h.late(runCtx, req, o.err)
			return
		}
		done <- o
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	d := toolerr.Detail{Tool: tool.Name(), Target: target}
	select {
	case o := <-done:
		return h.settle(ctx, tool, call, target, o)
	case <-timer.C:
		d.Deadline = deadline
	case <-ctx.Done():
		d.Cause = "request cancelled by the client"
	}

	if !emitted.CompareAndSwap(false, true) {
		// The handler claimed the emitter just before the deadline fired.
		return h.settle(ctx, tool, call, target, <-done)
	}
	return failure(toolerr.Timeout, toolerr.Message(toolerr.Timeout, d))
}

// invoke runs the handler, turning a panic into an Internal failure.
func invoke(ctx context.Context, tool *tools.Tool, call tools.Call, args any) (o outcome) {
	defer func() {
		if r := recover(); r != nil {
			observe.Logger(ctx).Error("tool handler panicked",
				"tool", tool.Name(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
			o = outcome{err: toolerr.New(toolerr.Internal, "handler panicked: %v", r)}
		}
	}()
	payload, err := tool.Run(ctx, call, args)
	return outcome{payload: payload, err: err}
}

func (h *Harness) settle(ctx context.Context, tool *tools.Tool, call tools.Call, target [][2]string, o outcome) Result {
	if o.err != nil {
		kind := toolerr.Classify(o.err)
		d := toolerr.Detail{Tool: tool.Name(), Target: target, Cause: cause(o.err)}
		if kind == toolerr.NoActiveSession {
			d.Caller = call.CallerID
		}
		return failure(kind, toolerr.Message(kind, d))
	}

	text, err := json.Marshal(o.payload)
	if err != nil {
		observe.Logger(ctx).Error("tool result not encodable", "tool", tool.Name(), "err", err)
		return failure(toolerr.Internal, toolerr.Message(toolerr.Internal, toolerr.Detail{
			Tool:  tool.Name(),
			Cause: "result could not be encoded",
		}))
	}
	if call.Handle != nil {
		call.Handle.Touch(h.now())
	}
	return Result{Text: string(text), Payload: o.payload}
}

func (h *Harness) late(ctx context.Context, req Request, err error) {
	h.metrics.RecordLateCompletion(ctx, req.Tool)
	log := observe.Logger(ctx).With("tool", req.Tool, "caller", req.CallerID)
	if err != nil {
		log.Warn("tool completed after its deadline", "kind", toolerr.Classify(err), "err", err)
	} else {
		log.Info("tool completed after its deadline")
	}
	if h.onLate != nil {
		h.onLate(req, err)
	}
}

func (h *Harness) finish(ctx context.Context, span trace.Span, req Request, known bool, start time.Time, res Result) {
	elapsed := h.now().Sub(start)
	tool := req.Tool
	if !known {
		tool = unknownTool
	}
	h.metrics.RecordToolCall(ctx, tool, res.Outcome(), elapsed.Seconds())

	log := observe.Logger(ctx).With("tool", req.Tool, "caller", req.CallerID, "duration", elapsed)
	if res.IsError {
		observe.EndToolSpan(span, res.Outcome(), res.Text)
		log.Info("tool call failed", "kind", res.Kind, "message", res.Text)
	} else {
		observe.EndToolSpan(span, res.Outcome(), "")
		log.Debug("tool call succeeded")
	}

	rec := audit.Record{
		Time:     start,
		CallerID: req.CallerID,
		Tool:     req.Tool,
		Outcome:  res.Outcome(),
		Duration: elapsed,
		TraceID:  observe.CorrelationID(ctx),
	}
	if res.IsError {
		rec.Message = res.Text
	}
	if err := h.audit.Write(ctx, rec); err != nil {
		h.metrics.RecordAuditError(ctx)
		log.Warn("audit write failed", "err", err)
	}
}

// cause returns the text to show for err: an explicit tool error's message,
// or the innermost cause otherwise.
func cause(err error) string {
	var te *toolerr.Error
	if errors.As(err, &te) && te.Message != "" {
		return te.Message
	}
	return toolerr.RootCause(err)
}

// String implements [fmt.Stringer] for logging.
func (r Result) String() string {
	if r.IsError {
		return fmt.Sprintf("%s: %s", r.Kind, r.Text)
	}
	return r.Text
}
