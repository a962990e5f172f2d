package sessiontools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/backend"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/backend/mock"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/mcp/toolerr"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/mcp/tools"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/resilience"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/session"
)

const caller = "agent-1"

type env struct {
	reg     *session.Registry
	conn    *mock.Connector
	catalog *tools.Catalog
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	e := &env{reg: session.NewRegistry()}
	t.Cleanup(func() { _ = e.reg.CloseAll(context.Background()) })

	if cfg.Connector == nil {
		e.conn = &mock.Connector{
			NewSession: func(creds backend.Credentials) *mock.Session {
				return mock.NewSession("session-" + creds.Principal)
			},
		}
		cfg.Connector = e.conn
	}
	cfg.Registry = e.reg
	catalog, err := tools.NewCatalog(Tools(cfg)...)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	e.catalog = catalog
	return e
}

func (e *env) run(t *testing.T, name, args string) (any, error) {
	t.Helper()
	tool, ok := e.catalog.Lookup(name)
	if !ok {
		t.Fatalf("tool %q not registered", name)
	}
	decoded, err := tool.Validate(json.RawMessage(args))
	if err != nil {
		return nil, err
	}
	call := tools.Call{CallerID: caller}
	if !tool.NoSession() {
		h, ok := e.reg.Get(caller)
		if !ok {
			t.Fatalf("%s needs a session", name)
		}
		call.Handle = h
	}
	return tool.Run(context.Background(), call, decoded)
}

func TestConnect_BindsSession(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{})

	out, err := e.run(t, "connect", `{"url":"ws://diffusion.local:8080","principal":"admin","password":"password"}`)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	res := out.(connectResult)
	if res.SessionID != "session-admin" || res.Principal != "admin" || res.Replaced {
		t.Errorf("result = %+v", res)
	}
	if _, ok := e.reg.Get(caller); !ok {
		t.Fatal("caller has no bound session")
	}
	calls := e.conn.ConnectCalls()
	if len(calls) != 1 || calls[0].Password != "password" {
		t.Errorf("connect calls = %+v", calls)
	}
}

func TestConnect_ReplacesPrevious(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{})

	if _, err := e.run(t, "connect", `{"url":"ws://a:8080","principal":"first"}`); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	first, _ := e.reg.Get(caller)

	out, err := e.run(t, "connect", `{"url":"ws://a:8080","principal":"second"}`)
	if err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if !out.(connectResult).Replaced {
		t.Error("second connect did not report replacing the first")
	}
	if got := first.Session().(*mock.Session).CloseCount(); got != 1 {
		t.Errorf("first session closed %d times, want 1", got)
	}
}

func TestConnect_DefaultURL(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{DefaultURL: "wss://prod.example.com"})

	if _, err := e.run(t, "connect", `{}`); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := e.conn.ConnectCalls()[0].URL; got != "wss://prod.example.com" {
		t.Errorf("url = %q, want the configured default", got)
	}
}

func TestConnect_InvalidURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args string
		want string
	}{
		{name: "no default", args: `{}`, want: "url is required"},
		{name: "scheme", args: `{"url":"ftp://host"}`, want: "scheme"},
		{name: "no host", args: `{"url":"ws://"}`, want: "no host"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t, Config{})
			_, err := e.run(t, "connect", tc.args)
			if toolerr.Classify(err) != toolerr.InvalidArgument || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want InvalidArgument containing %q", err, tc.want)
			}
			if n := len(e.conn.ConnectCalls()); n != 0 {
				t.Errorf("connector called %d times, want 0", n)
			}
		})
	}
}

func TestConnect_ConcurrentCallsShareAttempt(t *testing.T) {
	t.Parallel()
	conn := &mock.Connector{Session: mock.NewSession("shared"), ConnectDelay: 50 * time.Millisecond}
	e := newEnv(t, Config{Connector: conn})

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.run(t, "connect", `{"url":"ws://a:8080","principal":"p"}`); err != nil {
				t.Errorf("connect: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := len(conn.ConnectCalls()); n != 1 {
		t.Errorf("connector called %d times, want 1", n)
	}
}

func TestConnect_BreakerFailsFast(t *testing.T) {
	t.Parallel()
	down := errors.New("dial tcp: connection refused")
	conn := &mock.Connector{ConnectErr: down}
	breakers := resilience.NewBreakerSet(resilience.CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Hour,
		IsFailure:    IsConnectFailure,
	}, 0)
	e := newEnv(t, Config{Connector: conn, Breakers: breakers})

	for range 2 {
		if _, err := e.run(t, "connect", `{"url":"ws://down:8080"}`); !errors.Is(err, down) {
			t.Fatalf("connect err = %v, want %v", err, down)
		}
	}
	_, err := e.run(t, "connect", `{"url":"ws://down:8080"}`)
	if !errors.Is(err, resilience.ErrCircuitOpen) || !strings.Contains(err.Error(), "try again later") {
		t.Errorf("third connect err = %v, want an open-circuit failure", err)
	}
	if n := len(conn.ConnectCalls()); n != 2 {
		t.Errorf("connector called %d times, want 2", n)
	}
}

func TestConnect_CallerLeftMidConnect(t *testing.T) {
	t.Parallel()
	var reg *session.Registry
	late := mock.NewSession("late")
	conn := &mock.Connector{NewSession: func(backend.Credentials) *mock.Session {
		// The client goes away while the dial is still in progress.
		if _, err := reg.Retire(caller); err != nil {
			t.Errorf("Retire: %v", err)
		}
		return late
	}}
	e := newEnv(t, Config{Connector: conn})
	reg = e.reg

	_, err := e.run(t, "connect", `{"url":"ws://diffusion.local:8080"}`)
	if !errors.Is(err, session.ErrCallerRetired) {
		t.Fatalf("connect err = %v, want ErrCallerRetired", err)
	}
	if n := late.CloseCount(); n != 1 {
		t.Errorf("late connection closed %d times, want 1", n)
	}
	if n := e.reg.Len(); n != 0 {
		t.Errorf("registry has %d entries, want 0", n)
	}
}

func TestConnect_BreakerKeyedByHost(t *testing.T) {
	t.Parallel()
	down := errors.New("dial tcp: connection refused")
	conn := &mock.Connector{ConnectErr: down}
	breakers := resilience.NewBreakerSet(resilience.CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Hour,
		IsFailure:    IsConnectFailure,
	}, 0)
	e := newEnv(t, Config{Connector: conn, Breakers: breakers})

	if _, err := e.run(t, "connect", `{"url":"ws://down:8080/a"}`); !errors.Is(err, down) {
		t.Fatalf("connect err = %v, want %v", err, down)
	}
	_, err := e.run(t, "connect", `{"url":"wss://DOWN:8080/b?x=1"}`)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("connect to another path on the same host err = %v, want an open circuit", err)
	}
	if n := breakers.Len(); n != 1 {
		t.Errorf("breaker set holds %d breakers, want 1", n)
	}
}

func TestIsConnectFailure(t *testing.T) {
	t.Parallel()
	if IsConnectFailure(nil) {
		t.Error("nil counted as a failure")
	}
	if IsConnectFailure(backend.Errorf(backend.FaultPermission, "open", "bad credentials")) {
		t.Error("a credential refusal counted as a failure")
	}
	if !IsConnectFailure(errors.New("i/o timeout")) {
		t.Error("a transport error did not count as a failure")
	}
}

func TestDisconnect(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{})
	if _, err := e.run(t, "connect", `{"url":"ws://a:8080","principal":"p"}`); err != nil {
		t.Fatalf("connect: %v", err)
	}
	h, _ := e.reg.Get(caller)

	if _, err := e.run(t, "disconnect", `{}`); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if _, ok := e.reg.Get(caller); ok {
		t.Error("caller still bound after disconnect")
	}
	if got := h.Session().(*mock.Session).CloseCount(); got != 1 {
		t.Errorf("session closed %d times, want 1", got)
	}

	// A disconnect racing another disconnect finds nothing to release.
	tool, _ := e.catalog.Lookup("disconnect")
	_, err := tool.Run(context.Background(), tools.Call{CallerID: caller, Handle: h}, struct{}{})
	if toolerr.Classify(err) != toolerr.NoActiveSession {
		t.Errorf("second disconnect err = %v, want NoActiveSession", err)
	}
}

func TestGetSession(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{})
	if _, err := e.run(t, "connect", `{"url":"ws://a:8080","principal":"ops"}`); err != nil {
		t.Fatalf("connect: %v", err)
	}

	out, err := e.run(t, "get_session", `{}`)
	if err != nil {
		t.Fatalf("get_session: %v", err)
	}
	info := out.(sessionInfo)
	if info.SessionID != "session-ops" || info.URL != "ws://a:8080" || info.Principal != "ops" {
		t.Errorf("info = %+v", info)
	}
	if info.CreatedAt.IsZero() || info.LastUsedAt.Before(info.CreatedAt) {
		t.Errorf("timestamps = %v / %v", info.CreatedAt, info.LastUsedAt)
	}
}

func TestGetSessions(t *testing.T) {
	t.Parallel()
	sess := mock.NewSession("me")
	sess.ClientSessions = []backend.ClientSession{
		{ID: "c1", Principal: "admin"},
		{ID: "c2", Principal: "control"},
	}
	e := newEnv(t, Config{Connector: &mock.Connector{Session: sess}})
	if _, err := e.run(t, "connect", `{"url":"ws://a:8080"}`); err != nil {
		t.Fatalf("connect: %v", err)
	}

	out, err := e.run(t, "get_sessions", `{"filter":"$Principal is 'admin'"}`)
	if err != nil {
		t.Fatalf("get_sessions: %v", err)
	}
	res := out.(getSessionsResult)
	if res.Count != 1 || res.Sessions[0].ID != "c1" {
		t.Errorf("result = %+v", res)
	}

	out, err = e.run(t, "get_sessions", `{}`)
	if err != nil {
		t.Fatalf("get_sessions: %v", err)
	}
	if n := out.(getSessionsResult).Count; n != 2 {
		t.Errorf("unfiltered count = %d, want 2", n)
	}
}
