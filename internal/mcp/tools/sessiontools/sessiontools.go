// Package sessiontools provides the tools that manage the caller's own
// Diffusion connection and inspect the sessions connected to the server.
//
// Four tools are exported via [Tools]:
//   - "connect"      opens a connection and binds it to the caller.
//   - "disconnect"   unbinds and closes the caller's connection.
//   - "get_session"  describes the caller's connection.
//   - "get_sessions" lists client sessions connected to the server.
package sessiontools

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/backend"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/mcp/toolerr"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/mcp/tools"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/resilience"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/session"
)

// Config wires the session tools to their collaborators.
type Config struct {
	// Registry holds the caller bindings. Required.
	Registry *session.Registry

	// Connector opens backend connections. Required.
	Connector backend.Connector

	// DefaultURL is used by connect when the caller gives no URL.
	DefaultURL string

	// Breakers guards connection attempts per server host. Optional.
	Breakers *resilience.BreakerSet

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

type connectArgs struct {
	URL       string `json:"url,omitempty" jsonschema:"description=Server URL such as ws://localhost:8080; defaults to the configured server"`
	Principal string `json:"principal,omitempty" jsonschema:"description=Principal to authenticate as; empty for an anonymous connection"`
	Password  string `json:"password,omitempty" jsonschema:"description=Password for the principal"`
}

type connectResult struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
	Principal string `json:"principal,omitempty"`
	Replaced  bool   `json:"replaced"`
}

type sessionInfo struct {
	SessionID  string    `json:"session_id"`
	URL        string    `json:"url"`
	Principal  string    `json:"principal,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

type getSessionsArgs struct {
	Filter string `json:"filter,omitempty" jsonschema:"description=Session filter expression such as $Principal is 'admin'; empty lists every session"`
}

type getSessionsResult struct {
	Count    int                     `json:"count"`
	Sessions []backend.ClientSession `json:"sessions"`
}

type connector struct {
	cfg   Config
	group singleflight.Group
}

// Tools returns the session tools bound to cfg.
func Tools(cfg Config) []*tools.Tool {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &connector{cfg: cfg}

	return []*tools.Tool{
		tools.MustNew(tools.Spec[connectArgs]{
			Name: "connect",
			Description: "Open a connection to a Diffusion server and make it this agent's active session. " +
				"Any previous connection held by this agent is closed.",
			NoSession: true,
			Check:     c.checkConnect,
			Identify: func(a connectArgs) [][2]string {
				return [][2]string{{"url", a.URL}, {"principal", a.Principal}}
			},
			Handler: c.connect,
		}),
		tools.MustNew(tools.Spec[struct{}]{
			Name:        "disconnect",
			Description: "Close this agent's active Diffusion session.",
			Handler:     c.disconnect,
		}),
		tools.MustNew(tools.Spec[struct{}]{
			Name:        "get_session",
			Description: "Describe this agent's active Diffusion session.",
			Handler: func(_ context.Context, call tools.Call, _ struct{}) (any, error) {
				return describe(call.Handle), nil
			},
		}),
		tools.MustNew(tools.Spec[getSessionsArgs]{
			Name:        "get_sessions",
			Description: "List the client sessions connected to the Diffusion server.",
			Identify: func(a getSessionsArgs) [][2]string {
				if a.Filter == "" {
					return nil
				}
				return [][2]string{{"filter", a.Filter}}
			},
			Handler: func(ctx context.Context, call tools.Call, a getSessionsArgs) (any, error) {
				sessions, err := call.Session().Clients().ListSessions(ctx, a.Filter)
				if err != nil {
					return nil, fmt.Errorf("sessiontools: list sessions: %w", err)
				}
				if sessions == nil {
					sessions = []backend.ClientSession{}
				}
				return getSessionsResult{Count: len(sessions), Sessions: sessions}, nil
			},
		}),
	}
}

func (c *connector) checkConnect(a *connectArgs) error {
	a.URL = strings.TrimSpace(a.URL)
	if a.URL == "" {
		a.URL = c.cfg.DefaultURL
	}
	if a.URL == "" {
		return errors.New("url is required: no default server is configured")
	}
	u, err := url.Parse(a.URL)
	if err != nil {
		return fmt.Errorf("url %q is not a valid URL: %w", a.URL, err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("url %q must use one of the ws, wss, http or https schemes", a.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", a.URL)
	}
	return nil
}

// connect opens the connection and binds it. Concurrent connects from one
// caller share a single attempt.
func (c *connector) connect(ctx context.Context, call tools.Call, a connectArgs) (any, error) {
	key := strings.Join([]string{call.CallerID, a.URL, a.Principal, a.Password}, "\x00")
	v, err, _ := c.group.Do(key, func() (any, error) {
		creds := backend.Credentials{URL: a.URL, Principal: a.Principal, Password: a.Password}

		var sess backend.Session
		open := func() error {
			s, err := c.cfg.Connector.Connect(ctx, creds)
			sess = s
			return err
		}
		var err error
		if c.cfg.Breakers != nil {
			err = c.cfg.Breakers.For(serverKey(a.URL)).Execute(open)
		} else {
			err = open()
		}
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, toolerr.Wrap(toolerr.Internal, err,
				fmt.Sprintf("server %s is unavailable after repeated connection failures; try again later", a.URL))
		}
		if err != nil {
			return nil, fmt.Errorf("sessiontools: connect to %s: %w", a.URL, err)
		}

		_, replaced := c.cfg.Registry.Get(call.CallerID)
		if err := c.cfg.Registry.Put(call.CallerID, session.NewHandle(sess, c.cfg.Now())); err != nil {
			_ = sess.Close()
			return nil, err
		}
		return connectResult{
			SessionID: sess.ID(),
			URL:       sess.URL(),
			Principal: sess.Principal(),
			Replaced:  replaced,
		}, nil
	})
	return v, err
}

func (c *connector) disconnect(_ context.Context, call tools.Call, _ struct{}) (any, error) {
	h, ok := c.cfg.Registry.Remove(call.CallerID)
	if !ok {
		return nil, toolerr.New(toolerr.NoActiveSession, "session already closed")
	}
	id := h.Session().ID()
	if err := h.Release(); err != nil {
		return nil, fmt.Errorf("sessiontools: close session %s: %w", id, err)
	}
	return map[string]any{"session_id": id, "disconnected": true}, nil
}

// serverKey reduces a validated URL to the host and port it dials.
func serverKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return strings.ToLower(u.Host)
}

func describe(h *session.Handle) sessionInfo {
	s := h.Session()
	return sessionInfo{
		SessionID:  s.ID(),
		URL:        s.URL(),
		Principal:  s.Principal(),
		CreatedAt:  h.CreatedAt(),
		LastUsedAt: h.LastUsedAt(),
	}
}

// IsConnectFailure reports whether err should count against a server's
// connection breaker. Structured refusals from a reachable server, such as
// bad credentials, do not.
func IsConnectFailure(err error) bool {
	if err == nil {
		return false
	}
	_, fault := backend.FaultOf(err)
	return !fault
}
