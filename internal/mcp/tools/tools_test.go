package tools_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/mcp/toolerr"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/mcp/tools"
)

type greetArgs struct {
	PrincipalName string `json:"principalName" jsonschema:"description=Name to greet"`
	Mood          string `json:"mood,omitempty" jsonschema:"enum=happy,enum=grumpy"`
	Times         int    `json:"times,omitempty" jsonschema:"minimum=1,maximum=3"`
}

func greetTool(t *testing.T) *tools.Tool {
	t.Helper()
	tool, err := tools.New(tools.Spec[greetArgs]{
		Name:        "greet",
		Description: "Greets a principal.",
		Check: func(a *greetArgs) error {
			if strings.TrimSpace(a.PrincipalName) == "" {
				return errors.New("principalName must not be blank")
			}
			return nil
		},
		Identify: func(a greetArgs) [][2]string {
			return [][2]string{{"principalName", a.PrincipalName}}
		},
		Handler: func(_ context.Context, _ tools.Call, a greetArgs) (any, error) {
			return map[string]string{"greeting": "hello " + a.PrincipalName}, nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tool
}

func TestNew_SchemaShape(t *testing.T) {
	t.Parallel()

	tool := greetTool(t)
	s := tool.InputSchema()
	if s["type"] != "object" {
		t.Errorf("type = %v; want object", s["type"])
	}
	req, _ := s["required"].([]any)
	if len(req) != 1 || req[0] != "principalName" {
		t.Errorf("required = %v; want [principalName]", s["required"])
	}
	props, _ := s["properties"].(map[string]any)
	mood, _ := props["mood"].(map[string]any)
	if enum, _ := mood["enum"].([]any); len(enum) != 2 {
		t.Errorf("mood enum = %v", mood["enum"])
	}
}

func TestNew_RequiresHandler(t *testing.T) {
	t.Parallel()

	if _, err := tools.New(tools.Spec[greetArgs]{Name: "x"}); err == nil {
		t.Error("expected error for nil handler")
	}
	if _, err := tools.New(tools.Spec[greetArgs]{Handler: func(context.Context, tools.Call, greetArgs) (any, error) { return nil, nil }}); err == nil {
		t.Error("expected error for empty name")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tool := greetTool(t)
	tests := []struct {
		name     string
		raw      string
		wantErr  bool
		contains []string
	}{
		{name: "valid", raw: `{"principalName":"bob"}`},
		{name: "valid with options", raw: `{"principalName":"bob","mood":"happy","times":2}`},
		{name: "missing required", raw: `{}`, wantErr: true, contains: []string{"principalName"}},
		{name: "null arguments", raw: `null`, wantErr: true, contains: []string{"principalName"}},
		{name: "wrong type", raw: `{"principalName":7}`, wantErr: true, contains: []string{"principalName"}},
		{name: "enum hint", raw: `{"principalName":"bob","mood":"Happy"}`, wantErr: true, contains: []string{"mood", `did you mean "happy"`}},
		{name: "range", raw: `{"principalName":"bob","times":9}`, wantErr: true, contains: []string{"times"}},
		{name: "unknown property hint", raw: `{"principalname":"bob"}`, wantErr: true, contains: []string{`"principalName" for "principalname"`}},
		{name: "semantic check", raw: `{"principalName":"   "}`, wantErr: true, contains: []string{"must not be blank"}},
		{name: "not json", raw: `{`, wantErr: true, contains: []string{"not valid JSON"}},
		{name: "trailing data", raw: `{"principalName":"bob"} {}`, wantErr: true, contains: []string{"not valid JSON"}},
		{name: "integral decimal", raw: `{"principalName":"bob","times":2.0}`},
		{name: "integral exponent", raw: `{"principalName":"bob","times":2e0}`},
		{name: "fraction for integer", raw: `{"principalName":"bob","times":2.5}`, wantErr: true, contains: []string{"times"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			args, err := tool.Validate(json.RawMessage(tc.raw))
			if !tc.wantErr {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				if _, ok := args.(greetArgs); !ok {
					t.Fatalf("args type = %T", args)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if k := toolerr.Classify(err); k != toolerr.InvalidArgument {
				t.Errorf("kind = %q; want invalid_argument", k)
			}
			for _, want := range tc.contains {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q does not contain %q", err.Error(), want)
				}
			}
		})
	}
}

func TestValidate_IntegralNumbersDecode(t *testing.T) {
	t.Parallel()

	tool := greetTool(t)
	for _, raw := range []string{`{"principalName":"bob","times":3.0}`, `{"principalName":"bob","times":0.3e1}`} {
		args, err := tool.Validate(json.RawMessage(raw))
		if err != nil {
			t.Fatalf("Validate(%s): %v", raw, err)
		}
		if got := args.(greetArgs).Times; got != 3 {
			t.Errorf("Validate(%s) times = %d; want 3", raw, got)
		}
	}
}

func TestRun_PassesDecodedArgs(t *testing.T) {
	t.Parallel()

	tool := greetTool(t)
	args, err := tool.Validate(json.RawMessage(`{"principalName":"alice"}`))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if id := tool.Identify(args); len(id) != 1 || id[0][1] != "alice" {
		t.Errorf("Identify = %v", id)
	}
	out, err := tool.Run(context.Background(), tools.Call{CallerID: "X"}, args)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := out.(map[string]string)["greeting"]; got != "hello alice" {
		t.Errorf("greeting = %q", got)
	}
}

func TestRun_WrongArgsType(t *testing.T) {
	t.Parallel()

	_, err := greetTool(t).Run(context.Background(), tools.Call{}, "not args")
	if !errors.Is(err, toolerr.ErrInvariant) {
		t.Errorf("err = %v; want ErrInvariant", err)
	}
}

func TestCatalog(t *testing.T) {
	t.Parallel()

	a := greetTool(t)
	b := tools.MustNew(tools.Spec[struct{}]{
		Name:    "get_sessions",
		Handler: func(context.Context, tools.Call, struct{}) (any, error) { return nil, nil },
	})

	c, err := tools.NewCatalog(a, b)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	if got := c.Names(); len(got) != 2 || got[0] != "get_sessions" || got[1] != "greet" {
		t.Errorf("Names = %v", got)
	}
	if _, ok := c.Lookup("greet"); !ok {
		t.Error("Lookup(greet) failed")
	}
	if msg := c.Unknown("get_session"); !strings.Contains(msg, `did you mean "get_sessions"`) {
		t.Errorf("Unknown = %q", msg)
	}
	if msg := c.Unknown("zzz"); strings.Contains(msg, "did you mean") {
		t.Errorf("Unknown(zzz) = %q; want no suggestion", msg)
	}

	if _, err := tools.NewCatalog(a, a); err == nil {
		t.Error("expected duplicate name error")
	}
}

func TestSuggest(t *testing.T) {
	t.Parallel()

	candidates := []string{"string", "json", "int64", "double", "binary", "time_series", "recordv2"}
	tests := []struct{ in, want string }{
		{"JSON", "json"},
		{"strin", "string"},
		{"dubble", "double"},
		{"json", ""},
		{"xyz", ""},
	}
	for _, tc := range tests {
		if got := tools.Suggest(tc.in, candidates); got != tc.want {
			t.Errorf("Suggest(%q) = %q; want %q", tc.in, got, tc.want)
		}
	}
}
