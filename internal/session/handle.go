// Package session tracks the backend connection bound to each agent caller.
//
// A [Registry] maps caller identifiers to [Handle] values. At most one handle
// is bound per caller; rebinding, explicit removal, idle expiry and
// backend-reported closure each detach a handle, after which it is released
// exactly once. Releasing is backend I/O and never happens while the registry
// lock is held.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/backend"
)

// Handle is the registry's reference to one open backend connection.
//
// A Handle is safe for concurrent use. Reads of the underlying session may
// happen from several tool calls at once.
type Handle struct {
	sess      backend.Session
	createdAt time.Time
	lastUsed  atomic.Int64 // UnixNano

	releaseOnce sync.Once
	releaseErr  error
	released    chan struct{}
}

// NewHandle wraps sess. Both CreatedAt and LastUsedAt start at now.
func NewHandle(sess backend.Session, now time.Time) *Handle {
	h := &Handle{
		sess:      sess,
		createdAt: now,
		released:  make(chan struct{}),
	}
	h.lastUsed.Store(now.UnixNano())
	return h
}

// Session returns the wrapped backend session.
func (h *Handle) Session() backend.Session { return h.sess }

// CreatedAt is when the connection was bound.
func (h *Handle) CreatedAt() time.Time { return h.createdAt }

// LastUsedAt is when a tool call through this handle last succeeded.
func (h *Handle) LastUsedAt() time.Time { return time.Unix(0, h.lastUsed.Load()) }

// Touch records a successful use at now. LastUsedAt never moves backwards,
// so a slow call finishing after a quicker one cannot shorten the idle window.
func (h *Handle) Touch(now time.Time) {
	n := now.UnixNano()
	for {
		cur := h.lastUsed.Load()
		if n <= cur || h.lastUsed.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Idle reports whether the handle has gone unused for longer than window
// as of now.
func (h *Handle) Idle(now time.Time, window time.Duration) bool {
	return now.Sub(h.LastUsedAt()) > window
}

// Release closes the backend connection. Only the first call performs I/O;
// later calls return the first call's error.
func (h *Handle) Release() error {
	h.releaseOnce.Do(func() {
		h.releaseErr = h.sess.Close()
		close(h.released)
	})
	return h.releaseErr
}

// Released is closed once Release has run.
func (h *Handle) Released() <-chan struct{} { return h.released }
