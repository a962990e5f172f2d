// Package mcpserver exposes the tool catalog over the Model Context Protocol.
//
// Every registered tool forwards to the [harness.Harness], which owns
// validation, deadlines and error shaping. This package only translates
// between MCP requests and harness results, and releases a caller's backend
// connection when its MCP session ends.
package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/mcp/harness"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/session"
)

// Transport selects how the server is reached.
type Transport string

const (
	// TransportStdio serves a single client over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP serves any number of clients via the MCP
	// Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// StdioCaller identifies the one caller of a stdio server, whose MCP session
// carries no ID.
const StdioCaller = "stdio"

const instructions = `Tools for administering a Diffusion server.
Call "connect" first; every other tool except "connect" uses the connection it opens.
The connection is closed after a period without successful calls, or with "disconnect".`

// Config wires a [Server].
type Config struct {
	Name    string
	Version string

	// Harness runs every tool call. Required.
	Harness *harness.Harness

	// Registry is released from when a caller's MCP session ends. Required.
	Registry *session.Registry
}

// Server is an MCP server backed by a harness.
type Server struct {
	srv      *mcpsdk.Server
	harness  *harness.Harness
	registry *session.Registry

	mu      sync.Mutex
	watched map[string]struct{}
}

// New builds a server and registers every tool in the harness catalog.
func New(cfg Config) *Server {
	s := &Server{
		harness:  cfg.Harness,
		registry: cfg.Registry,
		watched:  make(map[string]struct{}),
	}
	s.srv = mcpsdk.NewServer(
		&mcpsdk.Implementation{Name: cfg.Name, Version: cfg.Version},
		&mcpsdk.ServerOptions{
			Instructions:       instructions,
			InitializedHandler: s.onInitialized,
		},
	)
	for _, t := range cfg.Harness.Catalog().Tools() {
		s.srv.AddTool(&mcpsdk.Tool{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		}, s.handler(t.Name()))
	}
	return s
}

// MCP returns the underlying SDK server.
func (s *Server) MCP() *mcpsdk.Server { return s.srv }

// ServeStdio serves one client over stdin/stdout until it disconnects or ctx
// is cancelled. The client's backend connection is released on return.
func (s *Server) ServeStdio(ctx context.Context) error {
	err := s.srv.Run(ctx, &mcpsdk.StdioTransport{})
	s.release(StdioCaller)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcpserver: stdio: %w", err)
	}
	return nil
}

// HTTPHandler returns a Streamable HTTP handler serving every client from
// this server.
func (s *Server) HTTPHandler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server {
		return s.srv
	}, nil)
}

func (s *Server) handler(name string) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		res := s.harness.Execute(ctx, harness.Request{
			CallerID:  CallerID(req.Session),
			Tool:      name,
			Arguments: req.Params.Arguments,
		})
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: res.Text}},
			IsError: res.IsError,
		}, nil
	}
}

// CallerID returns the registry key for an MCP session.
func CallerID(ss *mcpsdk.ServerSession) string {
	if ss == nil {
		return StdioCaller
	}
	if id := ss.ID(); id != "" {
		return id
	}
	return StdioCaller
}

// onInitialized watches the new session so its backend connection can be
// released once the client goes away.
func (s *Server) onInitialized(_ context.Context, req *mcpsdk.InitializedRequest) {
	ss := req.Session
	caller := CallerID(ss)

	s.mu.Lock()
	if _, ok := s.watched[caller]; ok {
		s.mu.Unlock()
		return
	}
	s.watched[caller] = struct{}{}
	s.mu.Unlock()

	go func() {
		_ = ss.Wait()
		s.mu.Lock()
		delete(s.watched, caller)
		s.mu.Unlock()
		if caller == StdioCaller {
			s.release(caller)
			return
		}
		s.retire(caller)
	}()
}

// retire releases an HTTP caller's connection and stops a connect still in
// flight from binding a new one. HTTP session IDs are never reused.
func (s *Server) retire(caller string) {
	released, err := s.registry.Retire(caller)
	switch {
	case err != nil:
		slog.Warn("releasing connection after MCP session ended", "caller_id", caller, "err", err)
	case released:
		slog.Info("MCP session ended; released backend connection", "caller_id", caller)
	}
}

func (s *Server) release(caller string) {
	h, ok := s.registry.Remove(caller)
	if !ok {
		return
	}
	if err := h.Release(); err != nil {
		slog.Warn("releasing connection after MCP session ended", "caller_id", caller, "err", err)
		return
	}
	slog.Info("MCP session ended; released backend connection", "caller_id", caller)
}
