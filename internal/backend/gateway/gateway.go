// Package gateway implements [backend.Connector] against a Diffusion JSON
// gateway reachable over a websocket.
//
// One websocket carries one backend session. Requests are multiplexed over
// the socket and correlated by a UUID, so a single [backend.Session] returned
// by [Connector.Connect] may be used from many goroutines at once.
//
// Wire format (all frames are JSON text messages):
//
//	→ {"type":"open","principal":"admin","password":"…"}
//	← {"type":"opened","session_id":"…"}
//	→ {"type":"request","id":"<uuid>","op":"topics.fetch","params":{…}}
//	← {"type":"response","id":"<uuid>","result":{…}}
//	← {"type":"response","id":"<uuid>","error":{"kind":"permission_denied","message":"…"}}
//	← {"type":"closed","reason":"…"}
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/backend"
)

// defaultDialTimeout bounds the websocket dial and open handshake.
const defaultDialTimeout = 10 * time.Second

// Option configures a [Connector].
type Option func(*Connector)

// WithDialTimeout sets the maximum time allowed for the dial and open
// handshake. Non-positive values are ignored.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Connector) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithHTTPClient sets the HTTP client used for the websocket upgrade.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Connector) { c.httpClient = hc }
}

// Connector dials Diffusion gateway sessions.
type Connector struct {
	dialTimeout time.Duration
	httpClient  *http.Client
}

var _ backend.Connector = (*Connector)(nil)

// New returns a Connector configured by opts.
func New(opts ...Option) *Connector {
	c := &Connector{dialTimeout: defaultDialTimeout}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect dials creds.URL, performs the open handshake and starts the
// receive loop. The handshake is bounded by the dial timeout; the returned
// session outlives ctx.
func (c *Connector) Connect(ctx context.Context, creds backend.Credentials) (backend.Session, error) {
	if creds.URL == "" {
		return nil, fmt.Errorf("gateway: connect: empty server URL")
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, creds.URL, &websocket.DialOptions{
		HTTPClient: c.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: dial %s: %w", creds.URL, err)
	}

	open, err := json.Marshal(openFrame{Type: frameOpen, Principal: creds.Principal, Password: creds.Password})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "marshal failed")
		return nil, fmt.Errorf("gateway: marshal open: %w", err)
	}
	if err := conn.Write(dialCtx, websocket.MessageText, open); err != nil {
		conn.Close(websocket.StatusInternalError, "open failed")
		return nil, fmt.Errorf("gateway: send open: %w", err)
	}

	_, data, err := conn.Read(dialCtx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "open failed")
		return nil, fmt.Errorf("gateway: read open reply: %w", err)
	}
	var reply inboundFrame
	if err := json.Unmarshal(data, &reply); err != nil {
		conn.Close(websocket.StatusProtocolError, "bad open reply")
		return nil, backend.Errorf(backend.FaultProtocol, "open", "malformed open reply: %v", err)
	}
	switch {
	case reply.Error != nil:
		conn.Close(websocket.StatusNormalClosure, "open rejected")
		return nil, reply.Error.toError("open")
	case reply.Type != frameOpened || reply.SessionID == "":
		conn.Close(websocket.StatusProtocolError, "bad open reply")
		return nil, backend.Errorf(backend.FaultProtocol, "open", "unexpected open reply %q", reply.Type)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &session{
		conn:      conn,
		id:        reply.SessionID,
		principal: creds.Principal,
		url:       creds.URL,
		ctx:       sessCtx,
		cancel:    sessCancel,
		pending:   make(map[string]chan inboundFrame),
		done:      make(chan struct{}),
	}
	go s.receiveLoop()

	slog.Debug("gateway session opened", "session_id", s.id, "url", creds.URL, "principal", creds.Principal)
	return s, nil
}

// ── Frames ───────────────────────────────────────────────────────────────────

const (
	frameOpen     = "open"
	frameOpened   = "opened"
	frameRequest  = "request"
	frameResponse = "response"
	frameClosed   = "closed"
)

type openFrame struct {
	Type      string `json:"type"`
	Principal string `json:"principal,omitempty"`
	Password  string `json:"password,omitempty"`
}

type requestFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Op     string `json:"op"`
	Params any    `json:"params,omitempty"`
}

type inboundFrame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *errorDetail    `json:"error,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// toError maps the gateway's error kinds onto [backend.Fault] values.
// Unknown kinds are passed through unchanged.
func (d *errorDetail) toError(op string) *backend.Error {
	var kind backend.Fault
	switch d.Kind {
	case "permission_denied", "access_denied", "unauthorized":
		kind = backend.FaultPermission
	case "rejected", "exists", "not_found", "invalid", "invalid_argument":
		kind = backend.FaultRejected
	case "session_closed":
		kind = backend.FaultSessionClosed
	default:
		kind = backend.Fault(d.Kind)
	}
	return &backend.Error{Kind: kind, Op: op, Message: d.Message}
}

// ── session ──────────────────────────────────────────────────────────────────

type session struct {
	conn      *websocket.Conn
	id        string
	principal string
	url       string

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]chan inboundFrame
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
}

var _ backend.Session = (*session)(nil)

func (s *session) ID() string            { return s.id }
func (s *session) Principal() string     { return s.principal }
func (s *session) URL() string           { return s.url }
func (s *session) Done() <-chan struct{} { return s.done }

func (s *session) Topics() backend.Topics         { return topics{s} }
func (s *session) TopicViews() backend.TopicViews { return views{s} }
func (s *session) Security() backend.Security     { return security{s} }
func (s *session) Metrics() backend.Metrics       { return metrics{s} }
func (s *session) Clients() backend.Clients       { return clients{s} }

// Close sends a normal closure and releases the session.
func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.markClosed()
		err = s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.cancel()
		close(s.done)
		slog.Debug("gateway session closed", "session_id", s.id)
	})
	if err != nil && !errors.Is(err, net.ErrClosed) && websocket.CloseStatus(err) == -1 {
		return fmt.Errorf("gateway: close session %s: %w", s.id, err)
	}
	return nil
}

// terminate ends the session after the server or network closed it.
func (s *session) terminate(reason string) {
	s.closeOnce.Do(func() {
		s.markClosed()
		_ = s.conn.CloseNow()
		s.cancel()
		close(s.done)
		slog.Info("gateway session ended by server", "session_id", s.id, "reason", reason)
	})
}

// markClosed flags the session closed and fails every pending request.
func (s *session) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, ch := range s.pending {
		ch <- inboundFrame{Type: frameResponse, ID: id, Error: &errorDetail{Kind: "session_closed", Message: "session is closed"}}
		delete(s.pending, id)
	}
}

// receiveLoop reads frames until the socket fails or the server announces
// closure, routing responses to their waiting callers.
func (s *session) receiveLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.terminate(err.Error())
			}
			return
		}

		var f inboundFrame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("gateway: dropping malformed frame", "session_id", s.id, "err", err)
			continue
		}

		switch f.Type {
		case frameResponse:
			s.mu.Lock()
			ch, ok := s.pending[f.ID]
			delete(s.pending, f.ID)
			s.mu.Unlock()
			if ok {
				ch <- f
			}
		case frameClosed:
			s.terminate(f.Reason)
			return
		}
	}
}

// call sends one request and waits for its response, decoding the result
// into out when out is non-nil.
func (s *session) call(ctx context.Context, op string, params, out any) error {
	id := uuid.NewString()
	ch := make(chan inboundFrame, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &backend.Error{Kind: backend.FaultSessionClosed, Op: op, Message: "session is closed"}
	}
	s.pending[id] = ch
	s.mu.Unlock()

	data, err := json.Marshal(requestFrame{Type: frameRequest, ID: id, Op: op, Params: params})
	if err != nil {
		s.forget(id)
		return fmt.Errorf("gateway: marshal %s: %w", op, err)
	}
	// Writes use the session context: a cancelled ctx must not tear down
	// the shared socket.
	if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
		s.forget(id)
		if s.ctx.Err() != nil {
			return &backend.Error{Kind: backend.FaultSessionClosed, Op: op, Message: "session is closed"}
		}
		return fmt.Errorf("gateway: write %s: %w", op, err)
	}

	select {
	case f := <-ch:
		if f.Error != nil {
			return f.Error.toError(op)
		}
		if out == nil || len(f.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(f.Result, out); err != nil {
			return backend.Errorf(backend.FaultProtocol, op, "malformed result: %v", err)
		}
		return nil
	case <-ctx.Done():
		s.forget(id)
		return ctx.Err()
	}
}

func (s *session) forget(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}
