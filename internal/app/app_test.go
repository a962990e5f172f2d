package app_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/app"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/audit"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/backend"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/backend/mock"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/config"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/mcp/mcpserver"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/mcp/tools/sessiontools"
)

type memSink struct {
	recs chan audit.Record
}

func (s *memSink) Write(_ context.Context, rec audit.Record) error {
	s.recs <- rec
	return nil
}

func (s *memSink) Close() error { return nil }

func newApp(t *testing.T, sess *mock.Session) (*app.App, *memSink) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.Transport = mcpserver.TransportStreamableHTTP
	cfg.Backend.DefaultURL = "ws://diffusion.local:8080"
	config.ApplyDefaults(cfg)

	sink := &memSink{recs: make(chan audit.Record, 64)}
	a, err := app.New(context.Background(), cfg,
		app.WithConnector(&mock.Connector{Session: sess}),
		app.WithAuditSink(sink),
	)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	return a, sink
}

func TestCatalog_CoversEveryTool(t *testing.T) {
	t.Parallel()
	catalog, err := app.Catalog(sessiontools.Config{})
	if err != nil {
		t.Fatalf("Catalog: %v", err)
	}
	want := []string{
		"connect", "disconnect", "get_session", "get_sessions",
		"fetch_topics", "add_topic", "remove_topics", "update_topic",
		"create_topic_view", "list_topic_views", "remove_topic_view",
		"list_principals", "add_principal", "remove_principal", "assign_roles",
		"set_metric_alert", "list_metric_alerts", "remove_metric_alert",
	}
	for _, name := range want {
		if _, ok := catalog.Lookup(name); !ok {
			t.Errorf("tool %s missing from catalog", name)
		}
	}
	if n := len(catalog.Names()); n != len(want) {
		t.Errorf("catalog has %d tools, want %d", n, len(want))
	}
}

func TestApp_HTTPSurface(t *testing.T) {
	t.Parallel()
	sess := mock.NewSession("0000000000000002-0000000000000001")
	sess.SeedTopic("sensors/temp", backend.TopicDouble, "19.0")
	a, sink := newApp(t, sess)

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}

	ctx := context.Background()
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "app-test", Version: "test"}, nil)
	cs, err := client.Connect(ctx, &mcpsdk.StreamableClientTransport{Endpoint: srv.URL + app.MCPPath}, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}

	res, err := cs.CallTool(ctx, &mcpsdk.CallToolParams{Name: "connect", Arguments: map[string]any{}})
	if err != nil || res.IsError {
		t.Fatalf("connect: %v %+v", err, res)
	}
	res, err = cs.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      "fetch_topics",
		Arguments: map[string]any{"selector": "?sensors//"},
	})
	if err != nil || res.IsError {
		t.Fatalf("fetch_topics: %v %+v", err, res)
	}
	var payload struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal([]byte(res.Content[0].(*mcpsdk.TextContent).Text), &payload); err != nil || payload.Count != 1 {
		t.Errorf("fetch payload count = %d (%v), want 1", payload.Count, err)
	}
	if a.Registry().Len() != 1 {
		t.Errorf("registry has %d callers, want 1", a.Registry().Len())
	}

	for _, tool := range []string{"connect", "fetch_topics"} {
		select {
		case rec := <-sink.recs:
			if rec.Tool != tool || rec.Outcome != "success" {
				t.Errorf("audit record = %+v, want %s success", rec, tool)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no audit record for %s", tool)
		}
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "diffusion_mcp_tool_calls") {
		t.Error("/metrics does not expose the tool call counter")
	}

	_ = cs.Close()
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if a.Registry().Len() != 0 {
		t.Errorf("registry has %d callers after shutdown, want 0", a.Registry().Len())
	}
	if sess.CloseCount() != 1 {
		t.Errorf("backend session closed %d times, want 1", sess.CloseCount())
	}

	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readyz after shutdown = %d, want 503", resp.StatusCode)
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Server.Transport = mcpserver.TransportStreamableHTTP
	cfg.Server.ListenAddr = "127.0.0.1:0"
	config.ApplyDefaults(cfg)

	a, err := app.New(context.Background(), cfg, app.WithConnector(&mock.Connector{}))
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
