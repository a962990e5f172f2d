// Package toolerr defines the closed set of failure kinds a tool call can end
// in, and the classifier that maps backend and runtime errors onto them.
package toolerr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/backend"
)

// Kind is the category of a failed tool call.
type Kind string

const (
	// NoActiveSession means the caller has no backend connection bound.
	NoActiveSession Kind = "no_active_session"

	// InvalidArgument means the arguments failed schema or semantic
	// validation, or the tool name is unknown. No backend call was made.
	InvalidArgument Kind = "invalid_argument"

	// Timeout means the backend did not complete within the tool deadline.
	Timeout Kind = "timeout"

	// PermissionDenied means the backend refused the operation for the
	// connection's principal.
	PermissionDenied Kind = "permission_denied"

	// BackendRejected means the backend refused the operation for any other
	// structured reason (already exists, not found, malformed expression).
	BackendRejected Kind = "backend_rejected"

	// Internal covers everything else, including invariant violations and
	// recovered panics.
	Internal Kind = "internal"
)

// Kinds lists every [Kind].
var Kinds = []Kind{NoActiveSession, InvalidArgument, Timeout, PermissionDenied, BackendRejected, Internal}

// Title returns a short human-readable label for k.
func (k Kind) Title() string {
	switch k {
	case NoActiveSession:
		return "No active session"
	case InvalidArgument:
		return "Invalid argument"
	case Timeout:
		return "Timeout"
	case PermissionDenied:
		return "Permission denied"
	case BackendRejected:
		return "Rejected by server"
	default:
		return "Internal error"
	}
}

// ErrInvariant marks a broken internal invariant. Errors wrapping it are
// programmer errors and classify as [Internal].
var ErrInvariant = errors.New("invariant violated")

// Error is a tool failure carrying an explicit [Kind]. Handlers and the
// harness return it when the kind is known up front, bypassing [Classify]'s
// heuristics.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// New returns an [Error] of kind k with a formatted message.
func New(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an [Error] of kind k whose message is msg and whose cause is err.
func Wrap(k Kind, err error, msg string) *Error {
	return &Error{Kind: k, Message: msg, Err: err}
}

// Substrings consulted when an error carries no structured fault. The
// backend's message wording is not a stable contract, so this fallback is
// fragile and only runs after every structured check has failed.
var (
	permissionPhrases = []string{"permission", "access denied", "not authorised", "not authorized"}
	rejectedPhrases   = []string{
		"already exists", "not found", "does not exist",
		"invalid selector", "invalid topic", "invalid path", "invalid specification", "invalid expression",
	}
)

// Classify maps err onto a [Kind]. It is total: a nil error yields Internal,
// as does anything unrecognised.
//
// Checks run from most to least structured: an explicit [*Error], then
// [ErrInvariant], then the backend [backend.Fault], then context and local
// serialization errors, and finally message substrings.
func Classify(err error) Kind {
	if err == nil {
		return Internal
	}

	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, ErrInvariant) {
		return Internal
	}

	if f, ok := backend.FaultOf(err); ok {
		switch f {
		case backend.FaultPermission:
			return PermissionDenied
		case backend.FaultRejected:
			return BackendRejected
		case backend.FaultSessionClosed:
			return NoActiveSession
		case backend.FaultProtocol:
			return Internal
		}
		// Unknown server kind: fall through to the message heuristics.
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Timeout
	}
	if isCodecError(err) {
		return Internal
	}

	msg := strings.ToLower(err.Error())
	for _, p := range permissionPhrases {
		if strings.Contains(msg, p) {
			return PermissionDenied
		}
	}
	for _, p := range rejectedPhrases {
		if strings.Contains(msg, p) {
			return BackendRejected
		}
	}
	return Internal
}

// isCodecError reports whether err came from encoding or decoding JSON on
// this side of the wire. Such errors often mention "invalid" and must not
// reach the phrase match.
func isCodecError(err error) bool {
	var (
		syntax      *json.SyntaxError
		unmarshal   *json.UnmarshalTypeError
		marshaler   *json.MarshalerError
		unsupported *json.UnsupportedTypeError
		badValue    *json.UnsupportedValueError
	)
	return errors.As(err, &syntax) ||
		errors.As(err, &unmarshal) ||
		errors.As(err, &marshaler) ||
		errors.As(err, &unsupported) ||
		errors.As(err, &badValue)
}

// RootCause returns the innermost message of err, stripping the wrapping
// prefixes added on the way up. Backend errors keep their server message.
func RootCause(err error) string {
	if err == nil {
		return ""
	}
	var be *backend.Error
	if errors.As(err, &be) {
		return be.Message
	}
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
