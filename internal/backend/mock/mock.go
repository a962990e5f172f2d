// Package mock provides in-memory test doubles for the [backend.Connector]
// and [backend.Session] interfaces.
//
// [Session] keeps a small in-memory topic tree, principal store, view and
// alert tables so that tool handlers can be exercised end to end. Every
// feature call is recorded and passes through the optional [Session.Hook],
// which tests use to delay, block or fail individual operations.
//
// Typical usage:
//
//	sess := mock.NewSession("0000000000000001-0000000000000001")
//	sess.Hook = func(ctx context.Context, op string) error {
//	    if op == "security.add_principal" {
//	        return backend.Errorf(backend.FaultPermission, op, "access denied")
//	    }
//	    return nil
//	}
//	conn := &mock.Connector{Session: sess}
package mock

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/backend"
)

// Connector is a configurable test double for [backend.Connector].
type Connector struct {
	mu sync.Mutex

	// Session is returned by Connect when NewSession is nil.
	Session *Session

	// NewSession, when non-nil, is called on every Connect to build a fresh
	// session for the given credentials.
	NewSession func(creds backend.Credentials) *Session

	// ConnectErr is returned by Connect when non-nil.
	ConnectErr error

	// ConnectDelay delays every Connect call.
	ConnectDelay time.Duration

	connectCalls []backend.Credentials
}

var _ backend.Connector = (*Connector)(nil)

// Connect implements [backend.Connector].
func (c *Connector) Connect(ctx context.Context, creds backend.Credentials) (backend.Session, error) {
	c.mu.Lock()
	c.connectCalls = append(c.connectCalls, creds)
	delay, connErr, factory, sess := c.ConnectDelay, c.ConnectErr, c.NewSession, c.Session
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if connErr != nil {
		return nil, connErr
	}
	if factory != nil {
		sess = factory(creds)
	}
	if sess == nil {
		sess = NewSession("mock-session")
	}
	sess.mu.Lock()
	if sess.ServerURL == "" {
		sess.ServerURL = creds.URL
	}
	if sess.PrincipalName == "" {
		sess.PrincipalName = creds.Principal
	}
	sess.mu.Unlock()
	return sess, nil
}

// ConnectCalls returns a copy of the credentials passed to Connect.
func (c *Connector) ConnectCalls() []backend.Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.connectCalls)
}

// Session is an in-memory test double for [backend.Session].
type Session struct {
	// SessionID, PrincipalName and ServerURL are reported by the accessors.
	SessionID     string
	PrincipalName string
	ServerURL     string

	// Hook is invoked before every feature operation with the operation
	// name (e.g. "topics.fetch"). A non-nil error is returned from the
	// operation without touching the in-memory state. Hook may block.
	Hook func(ctx context.Context, op string) error

	// CloseErr is returned by Close when non-nil.
	CloseErr error

	mu         sync.Mutex
	calls      []string
	closeCount int
	closed     bool
	done       chan struct{}
	doneOnce   sync.Once

	topics     map[string]backend.Topic
	views      map[string]backend.TopicView
	principals map[string]backend.Principal
	passwords  map[string]string
	alerts     map[string]backend.MetricAlert

	// ClientSessions is returned by ListSessions, filtered by principal.
	ClientSessions []backend.ClientSession
}

var _ backend.Session = (*Session)(nil)

// NewSession creates an empty, open session with the given identifier.
func NewSession(id string) *Session {
	return &Session{
		SessionID:  id,
		done:       make(chan struct{}),
		topics:     make(map[string]backend.Topic),
		views:      make(map[string]backend.TopicView),
		principals: make(map[string]backend.Principal),
		passwords:  make(map[string]string),
		alerts:     make(map[string]backend.MetricAlert),
	}
}

func (s *Session) ID() string { return s.SessionID }

func (s *Session) Principal() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PrincipalName
}

func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ServerURL
}

func (s *Session) Done() <-chan struct{} { return s.done }

// Close implements [backend.Session]. Every call is counted; see [Session.CloseCount].
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCount++
	s.closed = true
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
	return s.CloseErr
}

// SimulateServerClose ends the session as if the server had closed it. It
// does not count as a call to Close.
func (s *Session) SimulateServerClose() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
}

// CloseCount returns how many times Close has been called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// Calls returns the names of all feature operations invoked so far.
func (s *Session) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// CallCount returns the number of recorded calls to op. An empty op counts
// every call.
func (s *Session) CallCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if op == "" {
		return len(s.calls)
	}
	n := 0
	for _, c := range s.calls {
		if c == op {
			n++
		}
	}
	return n
}

// SeedTopic stores a topic directly, bypassing the hook and call log.
func (s *Session) SeedTopic(path string, topicType backend.TopicType, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics[path] = backend.Topic{Path: path, Type: topicType, Value: json.RawMessage(value)}
}

// SeedPrincipal stores a principal directly, bypassing the hook and call log.
func (s *Session) SeedPrincipal(name string, roles ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principals[name] = backend.Principal{Name: name, Roles: roles}
}

// enter records op, runs the hook and reports whether the session is closed.
func (s *Session) enter(ctx context.Context, op string) error {
	s.mu.Lock()
	s.calls = append(s.calls, op)
	hook := s.Hook
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return backend.ErrSessionClosed
	}
	if hook != nil {
		return hook(ctx, op)
	}
	return nil
}

func (s *Session) Topics() backend.Topics         { return topics{s} }
func (s *Session) TopicViews() backend.TopicViews { return views{s} }
func (s *Session) Security() backend.Security     { return security{s} }
func (s *Session) Metrics() backend.Metrics       { return metrics{s} }
func (s *Session) Clients() backend.Clients       { return clients{s} }

// ── Topics ───────────────────────────────────────────────────────────────────

type topics struct{ s *Session }

func (t topics) Fetch(ctx context.Context, req backend.FetchRequest) ([]backend.Topic, error) {
	if err := t.s.enter(ctx, "topics.fetch"); err != nil {
		return nil, err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	var out []backend.Topic
	for path, topic := range t.s.topics {
		if !matchSelector(req.Selector, path) {
			continue
		}
		if !req.WithValues {
			topic.Value = nil
		}
		out = append(out, topic)
	}
	slices.SortFunc(out, func(a, b backend.Topic) int { return strings.Compare(a.Path, b.Path) })
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

func (t topics) Add(ctx context.Context, path string, topicType backend.TopicType, initial json.RawMessage) (backend.AddResult, error) {
	const op = "topics.add"
	if err := t.s.enter(ctx, op); err != nil {
		return "", err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if existing, ok := t.s.topics[path]; ok {
		if existing.Type != topicType {
			return "", backend.Errorf(backend.FaultRejected, op, "topic %q already exists with type %s", path, existing.Type)
		}
		return backend.AddExists, nil
	}
	t.s.topics[path] = backend.Topic{Path: path, Type: topicType, Value: initial}
	return backend.AddCreated, nil
}

func (t topics) Remove(ctx context.Context, selector string) (int, error) {
	if err := t.s.enter(ctx, "topics.remove"); err != nil {
		return 0, err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	n := 0
	for path := range t.s.topics {
		if matchSelector(selector, path) {
			delete(t.s.topics, path)
			n++
		}
	}
	return n, nil
}

func (t topics) Set(ctx context.Context, path string, topicType backend.TopicType, value json.RawMessage) error {
	const op = "topics.set"
	if err := t.s.enter(ctx, op); err != nil {
		return err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	existing, ok := t.s.topics[path]
	if !ok {
		return backend.Errorf(backend.FaultRejected, op, "topic %q not found", path)
	}
	if topicType != "" && existing.Type != topicType {
		return backend.Errorf(backend.FaultRejected, op, "topic %q has type %s, not %s", path, existing.Type, topicType)
	}
	existing.Value = value
	t.s.topics[path] = existing
	return nil
}

// matchSelector implements the subset of topic selector syntax the mock
// needs: "?a/b//" and "?a/b/" match a and its descendants, "*" matches
// everything, anything else is an exact path.
func matchSelector(selector, path string) bool {
	switch {
	case selector == "" || selector == "*" || selector == "?.*" || selector == "?//":
		return true
	case strings.HasPrefix(selector, "?") || strings.HasPrefix(selector, ">"):
		prefix := strings.TrimRight(selector[1:], "/")
		return path == prefix || strings.HasPrefix(path, prefix+"/")
	default:
		return path == selector
	}
}

// ── Topic views ──────────────────────────────────────────────────────────────

type views struct{ s *Session }

func (v views) Create(ctx context.Context, name, specification string) (backend.TopicView, error) {
	const op = "views.create"
	if err := v.s.enter(ctx, op); err != nil {
		return backend.TopicView{}, err
	}
	if !strings.HasPrefix(strings.TrimSpace(specification), "map ") {
		return backend.TopicView{}, backend.Errorf(backend.FaultRejected, op, "invalid topic view specification: expected 'map ...'")
	}
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	view := backend.TopicView{Name: name, Specification: specification}
	v.s.views[name] = view
	return view, nil
}

func (v views) List(ctx context.Context) ([]backend.TopicView, error) {
	if err := v.s.enter(ctx, "views.list"); err != nil {
		return nil, err
	}
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	out := make([]backend.TopicView, 0, len(v.s.views))
	for _, view := range v.s.views {
		out = append(out, view)
	}
	slices.SortFunc(out, func(a, b backend.TopicView) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (v views) Remove(ctx context.Context, name string) error {
	if err := v.s.enter(ctx, "views.remove"); err != nil {
		return err
	}
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	delete(v.s.views, name)
	return nil
}

// ── Security ─────────────────────────────────────────────────────────────────

type security struct{ s *Session }

func (sec security) ListPrincipals(ctx context.Context) ([]backend.Principal, error) {
	if err := sec.s.enter(ctx, "security.list_principals"); err != nil {
		return nil, err
	}
	sec.s.mu.Lock()
	defer sec.s.mu.Unlock()
	out := make([]backend.Principal, 0, len(sec.s.principals))
	for _, p := range sec.s.principals {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b backend.Principal) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (sec security) AddPrincipal(ctx context.Context, name, password string, roles []string) error {
	const op = "security.add_principal"
	if err := sec.s.enter(ctx, op); err != nil {
		return err
	}
	sec.s.mu.Lock()
	defer sec.s.mu.Unlock()
	if _, ok := sec.s.principals[name]; ok {
		return backend.Errorf(backend.FaultRejected, op, "principal %q already exists", name)
	}
	sec.s.principals[name] = backend.Principal{Name: name, Roles: slices.Clone(roles)}
	sec.s.passwords[name] = password
	return nil
}

func (sec security) RemovePrincipal(ctx context.Context, name string) error {
	const op = "security.remove_principal"
	if err := sec.s.enter(ctx, op); err != nil {
		return err
	}
	sec.s.mu.Lock()
	defer sec.s.mu.Unlock()
	if _, ok := sec.s.principals[name]; !ok {
		return backend.Errorf(backend.FaultRejected, op, "principal %q not found", name)
	}
	delete(sec.s.principals, name)
	delete(sec.s.passwords, name)
	return nil
}

func (sec security) AssignRoles(ctx context.Context, name string, roles []string) error {
	const op = "security.assign_roles"
	if err := sec.s.enter(ctx, op); err != nil {
		return err
	}
	sec.s.mu.Lock()
	defer sec.s.mu.Unlock()
	p, ok := sec.s.principals[name]
	if !ok {
		return backend.Errorf(backend.FaultRejected, op, "principal %q not found", name)
	}
	p.Roles = slices.Clone(roles)
	sec.s.principals[name] = p
	return nil
}

// ── Metric alerts ────────────────────────────────────────────────────────────

type metrics struct{ s *Session }

func (m metrics) SetAlert(ctx context.Context, name, specification string) error {
	if err := m.s.enter(ctx, "metrics.set_alert"); err != nil {
		return err
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.alerts[name] = backend.MetricAlert{Name: name, Specification: specification, Principal: m.s.PrincipalName}
	return nil
}

func (m metrics) ListAlerts(ctx context.Context) ([]backend.MetricAlert, error) {
	if err := m.s.enter(ctx, "metrics.list_alerts"); err != nil {
		return nil, err
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := make([]backend.MetricAlert, 0, len(m.s.alerts))
	for _, a := range m.s.alerts {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b backend.MetricAlert) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (m metrics) RemoveAlert(ctx context.Context, name string) error {
	const op = "metrics.remove_alert"
	if err := m.s.enter(ctx, op); err != nil {
		return err
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.alerts[name]; !ok {
		return backend.Errorf(backend.FaultRejected, op, "metric alert %q not found", name)
	}
	delete(m.s.alerts, name)
	return nil
}

// ── Clients ──────────────────────────────────────────────────────────────────

type clients struct{ s *Session }

func (c clients) ListSessions(ctx context.Context, filter string) ([]backend.ClientSession, error) {
	if err := c.s.enter(ctx, "clients.list_sessions"); err != nil {
		return nil, err
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	var out []backend.ClientSession
	for _, cs := range c.s.ClientSessions {
		if filter == "" || strings.Contains(filter, "'"+cs.Principal+"'") {
			out = append(out, cs)
		}
	}
	return out, nil
}
