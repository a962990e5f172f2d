// Package backend defines the feature interfaces through which the tool server
// talks to a Diffusion server.
//
// The server itself is an external collaborator: this package only describes
// the operations the tools need (topic management, topic views, principal
// management, metric alerts and client session listing) together with the
// connection lifecycle. Concrete implementations live in sub-packages:
//
//   - [github.com/diffusiondata/diffusion-mcp-server-sub000/internal/backend/gateway]
//     speaks to a Diffusion JSON gateway over a websocket.
//   - [github.com/diffusiondata/diffusion-mcp-server-sub000/internal/backend/mock]
//     is an in-memory test double.
//
// Every blocking method accepts a [context.Context]. Implementations must be
// safe for concurrent use unless stated otherwise.
package backend

import (
	"context"
	"encoding/json"
	"time"
)

// Credentials identify the server and principal used to open a connection.
type Credentials struct {
	// URL is the server address, e.g. "ws://localhost:8080".
	URL string

	// Principal is the security principal to authenticate as. Empty means
	// an anonymous connection.
	Principal string

	// Password is the principal's credential. Never logged.
	Password string
}

// Connector opens backend connections.
type Connector interface {
	// Connect opens a new connection authenticated with creds. The returned
	// [Session] is owned by the caller, who must eventually call Close.
	Connect(ctx context.Context, creds Credentials) (Session, error)
}

// Session is one open connection to a Diffusion server.
type Session interface {
	// ID is the server-assigned session identifier.
	ID() string

	// Principal is the principal the session authenticated as.
	Principal() string

	// URL is the server address the session is connected to.
	URL() string

	// Done is closed once the connection has been closed, either by Close or
	// because the server or network ended it.
	Done() <-chan struct{}

	// Close releases the connection. Calling Close more than once is allowed;
	// only the first call performs I/O.
	Close() error

	Topics() Topics
	TopicViews() TopicViews
	Security() Security
	Metrics() Metrics
	Clients() Clients
}

// Topics manages the topic tree.
type Topics interface {
	// Fetch returns the topics matching req.Selector.
	Fetch(ctx context.Context, req FetchRequest) ([]Topic, error)

	// Add creates a topic at path. Adding a topic that already exists with
	// the same type is not an error; the result reports which case applied.
	Add(ctx context.Context, path string, topicType TopicType, initial json.RawMessage) (AddResult, error)

	// Remove removes every topic matching selector and returns how many
	// were removed.
	Remove(ctx context.Context, selector string) (int, error)

	// Set publishes value to the topic at path.
	Set(ctx context.Context, path string, topicType TopicType, value json.RawMessage) error
}

// TopicViews manages topic view definitions.
type TopicViews interface {
	Create(ctx context.Context, name, specification string) (TopicView, error)
	List(ctx context.Context) ([]TopicView, error)
	Remove(ctx context.Context, name string) error
}

// Security manages principals in the system authentication store.
type Security interface {
	ListPrincipals(ctx context.Context) ([]Principal, error)
	AddPrincipal(ctx context.Context, name, password string, roles []string) error
	RemovePrincipal(ctx context.Context, name string) error
	AssignRoles(ctx context.Context, name string, roles []string) error
}

// Metrics manages metric alerts.
type Metrics interface {
	SetAlert(ctx context.Context, name, specification string) error
	ListAlerts(ctx context.Context) ([]MetricAlert, error)
	RemoveAlert(ctx context.Context, name string) error
}

// Clients inspects the sessions connected to the server.
type Clients interface {
	// ListSessions returns the client sessions matching filter. An empty
	// filter matches every session.
	ListSessions(ctx context.Context, filter string) ([]ClientSession, error)
}

// FetchRequest selects topics for [Topics.Fetch].
type FetchRequest struct {
	// Selector is a topic selector expression, e.g. "?sensors//".
	Selector string `json:"selector"`

	// Limit caps the number of topics returned. Zero means the server default.
	Limit int `json:"limit,omitempty"`

	// WithValues requests topic values in addition to paths and types.
	WithValues bool `json:"with_values,omitempty"`
}

// Topic is one entry in a fetch result.
type Topic struct {
	Path  string          `json:"path"`
	Type  TopicType       `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// AddResult reports the outcome of [Topics.Add].
type AddResult string

const (
	AddCreated AddResult = "created"
	AddExists  AddResult = "exists"
)

// TopicView is a named topic view definition.
type TopicView struct {
	Name          string   `json:"name"`
	Specification string   `json:"specification"`
	Roles         []string `json:"roles,omitempty"`
}

// Principal is a principal in the system authentication store.
type Principal struct {
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
}

// MetricAlert is a named metric alert definition.
type MetricAlert struct {
	Name          string `json:"name"`
	Specification string `json:"specification"`
	Principal     string `json:"principal,omitempty"`
}

// ClientSession summarises one session connected to the server.
type ClientSession struct {
	ID          string            `json:"id"`
	Principal   string            `json:"principal"`
	ClientType  string            `json:"client_type,omitempty"`
	ConnectedAt time.Time         `json:"connected_at"`
	Properties  map[string]string `json:"properties,omitempty"`
}
