// Package tools defines the [Tool] contract shared by every Diffusion tool
// package, and the [Catalog] the harness resolves tool names against.
//
// A Tool is stateless: its argument schema is reflected once from a Go struct
// and compiled at construction, and its handler receives everything call
// specific through [Call]. Each sub-package exports a constructor returning
// the tools it contributes.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/backend"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/mcp/toolerr"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/session"
)

// Call carries the per-invocation context a handler needs.
type Call struct {
	// CallerID identifies the agent session making the call.
	CallerID string

	// Handle is the caller's bound connection. It is nil for tools that
	// declare NoSession.
	Handle *session.Handle
}

// Session returns the backend session behind Handle.
func (c Call) Session() backend.Session { return c.Handle.Session() }

// Spec describes a tool whose arguments decode into A.
type Spec[A any] struct {
	// Name is the unique tool name, e.g. "add_topic".
	Name string

	// Description is shown to the agent.
	Description string

	// Timeout overrides the harness deadline. Zero means the default.
	Timeout time.Duration

	// NoSession marks tools that run without a bound connection.
	NoSession bool

	// Check performs semantic validation after the schema has passed. A
	// non-nil error is reported as an invalid argument.
	Check func(args *A) error

	// Identify returns the identifying arguments echoed in failure messages.
	Identify func(args A) [][2]string

	// Handler performs the backend operation. The returned payload is
	// JSON-encoded into the success result.
	Handler func(ctx context.Context, call Call, args A) (any, error)
}

// Tool is a registered, schema-validated operation.
type Tool struct {
	name        string
	description string
	timeout     time.Duration
	noSession   bool
	inputSchema map[string]any

	schema   *jsonschema.Schema
	enums    map[string][]string
	props    []string
	decode   func(raw json.RawMessage) (any, error)
	identify func(args any) [][2]string
	run      func(ctx context.Context, call Call, args any) (any, error)
}

// New builds a Tool from spec, reflecting and compiling the schema of A.
func New[A any](spec Spec[A]) (*Tool, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("tools: empty tool name")
	}
	if spec.Handler == nil {
		return nil, fmt.Errorf("tools: %s: nil handler", spec.Name)
	}

	reflector := invopop.Reflector{
		Anonymous:                 true,
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	var zero A
	reflected := reflector.Reflect(&zero)
	raw, err := json.Marshal(reflected)
	if err != nil {
		return nil, fmt.Errorf("tools: %s: marshal schema: %w", spec.Name, err)
	}
	compiled, err := jsonschema.CompileString(spec.Name+".json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("tools: %s: compile schema: %w", spec.Name, err)
	}
	var listed map[string]any
	if err := json.Unmarshal(raw, &listed); err != nil {
		return nil, fmt.Errorf("tools: %s: schema map: %w", spec.Name, err)
	}
	delete(listed, "$schema")

	t := &Tool{
		name:        spec.Name,
		description: spec.Description,
		timeout:     spec.Timeout,
		noSession:   spec.NoSession,
		inputSchema: listed,
		schema:      compiled,
		enums:       make(map[string][]string),
	}
	if reflected.Properties != nil {
		for pair := reflected.Properties.Oldest(); pair != nil; pair = pair.Next() {
			t.props = append(t.props, pair.Key)
			for _, e := range pair.Value.Enum {
				if s, ok := e.(string); ok {
					t.enums[pair.Key] = append(t.enums[pair.Key], s)
				}
			}
		}
	}

	t.decode = func(raw json.RawMessage) (any, error) {
		var args A
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&args); err != nil {
			return nil, toolerr.Wrap(toolerr.InvalidArgument, err, "arguments: "+err.Error())
		}
		if spec.Check != nil {
			if err := spec.Check(&args); err != nil {
				return nil, toolerr.Wrap(toolerr.InvalidArgument, err, err.Error())
			}
		}
		return args, nil
	}
	t.identify = func(args any) [][2]string {
		a, ok := args.(A)
		if !ok || spec.Identify == nil {
			return nil
		}
		return spec.Identify(a)
	}
	t.run = func(ctx context.Context, call Call, args any) (any, error) {
		a, ok := args.(A)
		if !ok {
			return nil, fmt.Errorf("tools: %s: arguments of type %T: %w", spec.Name, args, toolerr.ErrInvariant)
		}
		return spec.Handler(ctx, call, a)
	}
	return t, nil
}

// MustNew is like [New] but panics on error. It is meant for package-level
// tool constructors whose schemas are fixed at compile time.
func MustNew[A any](spec Spec[A]) *Tool {
	t, err := New(spec)
	if err != nil {
		panic(err)
	}
	return t
}

// Name returns the tool's unique name.
func (t *Tool) Name() string { return t.name }

// Description returns the agent-facing description.
func (t *Tool) Description() string { return t.description }

// Timeout returns the tool's own deadline, or zero for the harness default.
func (t *Tool) Timeout() time.Duration { return t.timeout }

// NoSession reports whether the tool runs without a bound connection.
func (t *Tool) NoSession() bool { return t.noSession }

// InputSchema returns the JSON Schema of the tool's arguments as a generic
// map, ready for listing to MCP clients. Callers must not modify it.
func (t *Tool) InputSchema() map[string]any { return t.inputSchema }

// Validate checks raw against the tool's schema and semantic rules and
// returns the decoded arguments. Every failure is a [toolerr.InvalidArgument]
// error. A nil or empty raw is treated as an empty object.
func (t *Tool) Validate(raw json.RawMessage) (any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	doc, err := parseDoc(raw)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.InvalidArgument, err, "arguments are not valid JSON: "+err.Error())
	}
	if err := t.schema.Validate(doc); err != nil {
		return nil, toolerr.Wrap(toolerr.InvalidArgument, err, t.describe(err, doc))
	}
	// The schema counts 5.0 as an integer; rewrite such numbers so integer
	// fields decode them too.
	if doc, changed := integralNumbers(doc); changed {
		if raw, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("tools: %s: re-encode arguments: %w", t.name, err)
		}
	}
	return t.decode(raw)
}

// parseDoc decodes raw keeping numbers as [json.Number], as the typed decode
// does, and rejects trailing data.
func parseDoc(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after the arguments object")
	}
	return doc, nil
}

// integralNumbers rewrites numbers such as 5.0 or 1e3 that hold an int64
// value into plain integer form, reporting whether anything changed.
func integralNumbers(v any) (any, bool) {
	switch x := v.(type) {
	case json.Number:
		s := string(x)
		if !strings.ContainsAny(s, ".eE") {
			return x, false
		}
		r, ok := new(big.Rat).SetString(s)
		if !ok || !r.IsInt() || !r.Num().IsInt64() {
			return x, false
		}
		return json.Number(r.Num().String()), true
	case map[string]any:
		changed := false
		for k, e := range x {
			if n, ok := integralNumbers(e); ok {
				x[k] = n
				changed = true
			}
		}
		return x, changed
	case []any:
		changed := false
		for i, e := range x {
			if n, ok := integralNumbers(e); ok {
				x[i] = n
				changed = true
			}
		}
		return x, changed
	}
	return v, false
}

// Identify returns the identifying arguments of decoded args.
func (t *Tool) Identify(args any) [][2]string { return t.identify(args) }

// Run invokes the handler with arguments previously returned by Validate.
func (t *Tool) Run(ctx context.Context, call Call, args any) (any, error) {
	return t.run(ctx, call, args)
}
