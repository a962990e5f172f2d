package toolerr_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/backend"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/mcp/toolerr"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want toolerr.Kind
	}{
		{"nil", nil, toolerr.Internal},
		{"explicit", toolerr.New(toolerr.InvalidArgument, "bad"), toolerr.InvalidArgument},
		{"explicit wrapped", fmt.Errorf("outer: %w", toolerr.New(toolerr.NoActiveSession, "x")), toolerr.NoActiveSession},
		{"invariant", fmt.Errorf("session: put: %w", toolerr.ErrInvariant), toolerr.Internal},
		{"permission fault", backend.Errorf(backend.FaultPermission, "security.add_principal", "denied"), toolerr.PermissionDenied},
		{"rejected fault", backend.Errorf(backend.FaultRejected, "views.create", "bad spec"), toolerr.BackendRejected},
		{"session closed fault", backend.ErrSessionClosed, toolerr.NoActiveSession},
		{"protocol fault", backend.Errorf(backend.FaultProtocol, "topics.fetch", "garbled"), toolerr.Internal},
		{"wrapped fault", fmt.Errorf("tools: %w", backend.Errorf(backend.FaultPermission, "op", "x")), toolerr.PermissionDenied},
		// A structured fault wins over a misleading message.
		{"fault beats message", backend.Errorf(backend.FaultRejected, "op", "permission text"), toolerr.BackendRejected},
		{"unknown fault kind falls back", backend.Errorf(backend.Fault("internal"), "op", "Access denied to path"), toolerr.PermissionDenied},
		{"deadline", context.DeadlineExceeded, toolerr.Timeout},
		{"canceled", fmt.Errorf("call: %w", context.Canceled), toolerr.Timeout},
		{"substring permission", errors.New("Insufficient PERMISSION for MODIFY_TOPIC"), toolerr.PermissionDenied},
		{"substring not authorised", errors.New("principal not authorised"), toolerr.PermissionDenied},
		{"substring exists", errors.New("topic already exists with a different type"), toolerr.BackendRejected},
		{"substring not found", errors.New("view not found"), toolerr.BackendRejected},
		{"unknown", errors.New("boom"), toolerr.Internal},
		{"local syntax error", fmt.Errorf("gateway: marshal topics.add: %w", syntaxErr()), toolerr.Internal},
		{"local type error", fmt.Errorf("gateway: decode: %w", typeErr()), toolerr.Internal},
		{"marshaler error", fmt.Errorf("gateway: marshal: %w", marshalerErr()), toolerr.Internal},
		{"unsupported value", fmt.Errorf("gateway: marshal: %w", unsupportedErr()), toolerr.Internal},
		{"bare invalid is not a rejection", errors.New("invalid character in frame"), toolerr.Internal},
		{"substring invalid selector", errors.New("Invalid selector: ?a//["), toolerr.BackendRejected},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := toolerr.Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %q; want %q", tc.err, got, tc.want)
			}
		})
	}
}

func syntaxErr() error {
	var v any
	return json.Unmarshal([]byte("{x"), &v)
}

func typeErr() error {
	var v struct{ N int }
	return json.Unmarshal([]byte(`{"N":"five"}`), &v)
}

type badMarshaler struct{}

func (badMarshaler) MarshalJSON() ([]byte, error) { return nil, errors.New("invalid state") }

func marshalerErr() error {
	_, err := json.Marshal(badMarshaler{})
	return err
}

func unsupportedErr() error {
	_, err := json.Marshal(map[string]any{"f": func() {}})
	return err
}

func TestClassify_Total(t *testing.T) {
	t.Parallel()

	for _, err := range []error{nil, errors.New(""), backend.ErrSessionClosed, context.Canceled} {
		k := toolerr.Classify(err)
		found := false
		for _, known := range toolerr.Kinds {
			if k == known {
				found = true
			}
		}
		if !found {
			t.Errorf("Classify(%v) = %q; not in the closed set", err, k)
		}
	}
}

func TestRootCause(t *testing.T) {
	t.Parallel()

	be := backend.Errorf(backend.FaultRejected, "topics.add", "incompatible type")
	if got := toolerr.RootCause(fmt.Errorf("a: %w", fmt.Errorf("b: %w", be))); got != "incompatible type" {
		t.Errorf("RootCause(backend) = %q", got)
	}
	base := errors.New("disk full")
	if got := toolerr.RootCause(fmt.Errorf("a: %w", base)); got != "disk full" {
		t.Errorf("RootCause(plain) = %q", got)
	}
	if got := toolerr.RootCause(nil); got != "" {
		t.Errorf("RootCause(nil) = %q", got)
	}
}

func TestMessage(t *testing.T) {
	t.Parallel()

	t.Run("no session", func(t *testing.T) {
		t.Parallel()
		msg := toolerr.Message(toolerr.NoActiveSession, toolerr.Detail{Tool: "get_sessions", Caller: "X"})
		if !strings.HasPrefix(msg, "No active Diffusion session") {
			t.Errorf("msg = %q", msg)
		}
		if !strings.Contains(msg, `"X"`) {
			t.Errorf("msg %q does not name the caller", msg)
		}
	})

	t.Run("timeout echoes tool and target", func(t *testing.T) {
		t.Parallel()
		msg := toolerr.Message(toolerr.Timeout, toolerr.Detail{
			Tool:     "add_topic",
			Target:   [][2]string{{"path", "sensors/a"}, {"type", "json"}},
			Deadline: 10 * time.Second,
		})
		for _, want := range []string{"add_topic", "10s", "path=sensors/a", "type=json"} {
			if !strings.Contains(msg, want) {
				t.Errorf("msg %q missing %q", msg, want)
			}
		}
	})

	t.Run("permission", func(t *testing.T) {
		t.Parallel()
		msg := toolerr.Message(toolerr.PermissionDenied, toolerr.Detail{
			Tool:   "add_principal",
			Target: [][2]string{{"principalName", "bob"}},
			Cause:  "missing MODIFY_SECURITY",
		})
		want := "Permission denied: add_principal (principalName=bob): missing MODIFY_SECURITY"
		if msg != want {
			t.Errorf("msg = %q; want %q", msg, want)
		}
	})
}
