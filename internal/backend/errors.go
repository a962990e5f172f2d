package backend

import (
	"errors"
	"fmt"
)

// Fault categorises a failure reported by the server.
type Fault string

const (
	// FaultPermission means the principal lacks the permission for the
	// requested operation.
	FaultPermission Fault = "permission_denied"

	// FaultRejected covers every other structured refusal: the target
	// already exists or does not exist, or an expression is malformed.
	FaultRejected Fault = "rejected"

	// FaultSessionClosed means the connection was closed before or while
	// the operation was in flight.
	FaultSessionClosed Fault = "session_closed"

	// FaultProtocol means the server response could not be understood.
	FaultProtocol Fault = "protocol"
)

// ErrSessionClosed is returned by operations on a closed [Session].
var ErrSessionClosed = &Error{Kind: FaultSessionClosed, Message: "session is closed"}

// Error is a structured failure reported by the server.
type Error struct {
	// Kind categorises the failure.
	Kind Fault

	// Op names the operation that failed, e.g. "topics.add".
	Op string

	// Message is the server's description of the failure.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("diffusion: %s", e.Message)
	}
	return fmt.Sprintf("diffusion: %s: %s", e.Op, e.Message)
}

// Is matches another *Error with the same Kind, so that
// errors.Is(err, ErrSessionClosed) holds for any session-closed failure.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Errorf builds an [Error] of the given kind for op.
func Errorf(kind Fault, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// FaultOf returns the [Fault] carried by err, if any.
func FaultOf(err error) (Fault, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return "", false
}
