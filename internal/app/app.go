// Package app wires the Diffusion MCP server together.
//
// The App struct owns the full lifecycle: New builds every subsystem, Run
// serves MCP clients on the configured transport, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithConnector,
// WithAuditSink). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/audit"
	auditpg "github.com/diffusiondata/diffusion-mcp-server-sub000/internal/audit/postgres"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/backend"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/backend/gateway"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/config"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/health"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/mcp/harness"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/mcp/mcpserver"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/mcp/tools"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/mcp/tools/alerttools"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/mcp/tools/securitytools"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/mcp/tools/sessiontools"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/mcp/tools/topictools"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/mcp/tools/viewtools"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/observe"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/resilience"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/session"
)

// MCPPath is where the streamable-http transport is mounted.
const MCPPath = "/mcp"

// Build metadata reported to MCP clients and telemetry.
var (
	Name    = "diffusion-mcp"
	Version = "dev"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	connector backend.Connector
	sink      audit.Sink

	provider *observe.Provider
	registry *session.Registry
	sweeper  *session.Sweeper
	audit    *audit.Queue
	harness  *harness.Harness
	server   *mcpserver.Server
	health   *health.Handler
	mux      *http.ServeMux

	httpMu  sync.Mutex
	httpSrv *http.Server

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithConnector injects a backend connector instead of the websocket gateway.
func WithConnector(c backend.Connector) Option {
	return func(a *App) { a.connector = c }
}

// WithAuditSink injects an audit sink instead of creating one from config.
func WithAuditSink(s audit.Sink) Option {
	return func(a *App) { a.sink = s }
}

// Catalog returns every tool the server offers.
func Catalog(sc sessiontools.Config) (*tools.Catalog, error) {
	var all []*tools.Tool
	all = append(all, sessiontools.Tools(sc)...)
	all = append(all, topictools.Tools()...)
	all = append(all, viewtools.Tools()...)
	all = append(all, securitytools.Tools()...)
	all = append(all, alerttools.Tools()...)
	return tools.NewCatalog(all...)
}

// New creates an App by wiring all subsystems together. Nothing is served
// until [App.Run].
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	a.provider = provider
	metrics := provider.Metrics

	if err := a.initAudit(ctx, metrics); err != nil {
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("app: init audit: %w", err)
	}

	a.registry = session.NewRegistry(session.WithObserver(metrics.SessionObserver()))
	a.sweeper = session.NewSweeper(a.registry, session.SweeperConfig{
		IdleWindow: cfg.Session.IdleWindow,
		Interval:   cfg.Session.SweepInterval,
	})

	if a.connector == nil {
		a.connector = gateway.New(gateway.WithDialTimeout(cfg.Backend.DialTimeout))
	}
	catalog, err := Catalog(sessiontools.Config{
		Registry:   a.registry,
		Connector:  a.connector,
		DefaultURL: cfg.Backend.DefaultURL,
		Breakers: resilience.NewBreakerSet(resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Backend.Breaker.MaxFailures,
			ResetTimeout: cfg.Backend.Breaker.ResetTimeout,
			IsFailure:    sessiontools.IsConnectFailure,
		}, 0),
	})
	if err != nil {
		_ = a.audit.Close()
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("app: build catalog: %w", err)
	}

	a.harness = harness.New(harness.Config{
		Catalog:  catalog,
		Registry: a.registry,
		Deadline: cfg.Session.CallDeadline,
		Metrics:  metrics,
		Audit:    a.audit,
	})
	a.server = mcpserver.New(mcpserver.Config{
		Name:     Name,
		Version:  Version,
		Harness:  a.harness,
		Registry: a.registry,
	})

	a.health = health.New(health.Ping("audit", a.audit))
	a.mux = http.NewServeMux()
	a.mux.Handle(MCPPath, observe.Middleware(metrics)(a.server.HTTPHandler()))
	a.mux.Handle("GET /metrics", provider.Handler())
	a.health.Register(a.mux)

	slog.Info("app initialised",
		"tools", len(catalog.Names()),
		"transport", cfg.Server.Transport,
		"audit", cfg.Audit.PostgresDSN != "" || a.sink != nil,
	)
	return a, nil
}

// initAudit puts the configured sink behind a bounded queue.
func (a *App) initAudit(ctx context.Context, metrics *observe.Metrics) error {
	if a.sink == nil {
		if dsn := a.cfg.Audit.PostgresDSN; dsn != "" {
			store, err := auditpg.NewStore(ctx, dsn)
			if err != nil {
				return err
			}
			a.sink = store
		} else {
			a.sink = audit.Nop{}
		}
	}
	a.audit = audit.NewQueue(a.sink, a.cfg.Audit.QueueSize, func(rec audit.Record, err error) {
		metrics.RecordAuditError(context.Background())
		slog.Warn("audit record lost", "tool", rec.Tool, "caller_id", rec.CallerID, "err", err)
	})
	return nil
}

// Harness returns the tool call harness.
func (a *App) Harness() *harness.Harness { return a.harness }

// Registry returns the caller to connection registry.
func (a *App) Registry() *session.Registry { return a.registry }

// Handler returns the HTTP surface: the MCP endpoint, metrics and probes.
func (a *App) Handler() http.Handler { return a.mux }

// Run starts the idle sweeper and serves MCP clients until ctx is cancelled
// or, for stdio, until the client disconnects.
func (a *App) Run(ctx context.Context) error {
	if err := a.sweeper.Start(); err != nil {
		return fmt.Errorf("app: start sweeper: %w", err)
	}

	switch a.cfg.Server.Transport {
	case mcpserver.TransportStdio:
		slog.Info("serving MCP over stdio")
		return a.server.ServeStdio(ctx)
	case mcpserver.TransportStreamableHTTP:
		return a.serveHTTP(ctx)
	default:
		return fmt.Errorf("app: unsupported transport %q", a.cfg.Server.Transport)
	}
}

func (a *App) serveHTTP(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	srv := &http.Server{
		Handler:           a.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	a.httpMu.Lock()
	a.httpSrv = srv
	a.httpMu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			errCh <- srv.Serve(ln)
		}
	}()
	slog.Info("serving MCP over streamable HTTP", "addr", ln.Addr().String(), "path", MCPPath)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve http: %w", err)
	case <-ctx.Done():
		return nil
	}
}

// Shutdown tears down all subsystems: the listener stops accepting, the
// sweeper stops, every bound connection is released concurrently, pending
// audit records are flushed, then telemetry. Errors are joined; later
// stages still run when an earlier one fails.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "bound_callers", a.registry.Len())
		a.health.SetDraining()

		a.httpMu.Lock()
		srv := a.httpSrv
		a.httpMu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http server: %w", err))
			}
		}

		if err := a.sweeper.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sweeper: %w", err))
		}
		if err := a.registry.CloseAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("release connections: %w", err))
		}
		if err := a.audit.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("audit: %w", err))
		}
		if err := a.provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: %w", err))
		}
		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
