package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/mcp/toolerr"
)

// Reason says why a handle left the registry.
type Reason string

const (
	ReasonReplaced      Reason = "replaced"
	ReasonRemoved       Reason = "removed"
	ReasonIdle          Reason = "idle"
	ReasonBackendClosed Reason = "backend_closed"
	ReasonShutdown      Reason = "shutdown"
)

// ErrCallerRetired is returned by [Registry.Put] for a caller whose client
// has gone away for good.
var ErrCallerRetired = errors.New("caller has ended")

// Observer receives registry lifecycle events. Implementations must be cheap
// and non-blocking; they are called outside the registry lock.
type Observer interface {
	Bound(callerID string)
	Detached(callerID string, reason Reason)
}

// Option configures a [Registry].
type Option func(*Registry)

// WithObserver registers o for lifecycle events.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// Registry is the concurrency-safe map from caller identifier to bound
// [Handle]. The zero value is not usable; call [NewRegistry].
type Registry struct {
	mu        sync.RWMutex
	byCaller  map[string]*Handle
	bySession map[string]string    // backend session ID -> caller ID
	retired   map[string]time.Time // caller ID -> when it was retired

	observer Observer
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		byCaller:  make(map[string]*Handle),
		bySession: make(map[string]string),
		retired:   make(map[string]time.Time),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Get returns the handle bound to callerID. It does not refresh LastUsedAt.
func (r *Registry) Get(callerID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byCaller[callerID]
	return h, ok
}

// Len returns the number of bound callers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byCaller)
}

// Put binds h to callerID, releasing any handle previously bound to the same
// caller. Binding a connection already tracked under another caller or
// another handle, an empty caller ID or a nil handle are invariant
// violations; the returned error wraps [toolerr.ErrInvariant] and the
// registry is left unchanged. A retired caller gets [ErrCallerRetired]. On
// error the caller still owns h.
//
// Put watches the backend session and detaches h if the server closes it.
func (r *Registry) Put(callerID string, h *Handle) error {
	if callerID == "" {
		return fmt.Errorf("session: put: empty caller id: %w", toolerr.ErrInvariant)
	}
	if h == nil {
		return fmt.Errorf("session: put %q: nil handle: %w", callerID, toolerr.ErrInvariant)
	}
	sid := h.Session().ID()

	r.mu.Lock()
	if _, gone := r.retired[callerID]; gone {
		r.mu.Unlock()
		return fmt.Errorf("session: put %q: %w", callerID, ErrCallerRetired)
	}
	if owner, ok := r.bySession[sid]; ok && owner != callerID {
		r.mu.Unlock()
		return fmt.Errorf("session: put %q: connection %s already bound to caller %q: %w",
			callerID, sid, owner, toolerr.ErrInvariant)
	}
	old := r.byCaller[callerID]
	if old == h {
		r.mu.Unlock()
		return nil
	}
	if old != nil && old.Session().ID() == sid {
		r.mu.Unlock()
		return fmt.Errorf("session: put %q: connection %s already bound through another handle: %w",
			callerID, sid, toolerr.ErrInvariant)
	}
	if old != nil {
		delete(r.bySession, old.Session().ID())
	}
	r.byCaller[callerID] = h
	r.bySession[sid] = callerID
	r.mu.Unlock()

	if old != nil {
		r.release(callerID, old, ReasonReplaced)
	}
	if r.observer != nil {
		r.observer.Bound(callerID)
	}
	go r.watch(callerID, h)
	return nil
}

// Remove detaches and returns the handle bound to callerID. The caller owns
// the returned handle and must Release it. Removing an absent caller is a
// no-op.
func (r *Registry) Remove(callerID string) (*Handle, bool) {
	h, ok := r.detach(callerID, nil)
	if ok && r.observer != nil {
		r.observer.Detached(callerID, ReasonRemoved)
	}
	return h, ok
}

// Retire detaches and releases callerID's handle, then refuses further Puts
// for callerID. It is for callers whose client has gone away, so a connect
// still in flight cannot leave a connection nobody will use. The mark is
// dropped by the first [Registry.Sweep] after idle has passed.
func (r *Registry) Retire(callerID string) (bool, error) {
	r.mu.Lock()
	r.retired[callerID] = time.Now()
	h, ok := r.byCaller[callerID]
	if ok {
		delete(r.byCaller, callerID)
		delete(r.bySession, h.Session().ID())
	}
	r.mu.Unlock()

	if !ok {
		return false, nil
	}
	return true, r.release(callerID, h, ReasonRemoved)
}

// Sweep detaches and releases every handle unused for longer than idle as of
// now, returning the affected caller IDs. Entries are collected under the
// lock; releases run concurrently after it is dropped.
func (r *Registry) Sweep(now time.Time, idle time.Duration) []string {
	type victim struct {
		caller string
		h      *Handle
	}
	var victims []victim

	r.mu.Lock()
	for caller, at := range r.retired {
		if now.Sub(at) > idle {
			delete(r.retired, caller)
		}
	}
	for caller, h := range r.byCaller {
		if h.Idle(now, idle) {
			delete(r.byCaller, caller)
			delete(r.bySession, h.Session().ID())
			victims = append(victims, victim{caller, h})
		}
	}
	r.mu.Unlock()

	if len(victims) == 0 {
		return nil
	}

	var g errgroup.Group
	callers := make([]string, len(victims))
	for i, v := range victims {
		callers[i] = v.caller
		g.Go(func() error {
			r.release(v.caller, v.h, ReasonIdle)
			return nil
		})
	}
	_ = g.Wait()
	return callers
}

// CloseAll detaches and releases every handle. It returns the joined release
// errors, or ctx's error if ctx ends first.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	all := r.byCaller
	r.byCaller = make(map[string]*Handle)
	r.bySession = make(map[string]string)
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	var (
		mu   sync.Mutex
		errs []error
	)
	for caller, h := range all {
		g.Go(func() error {
			if err := r.release(caller, h, ReasonShutdown); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("caller %q: %w", caller, err))
				mu.Unlock()
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
		return errors.Join(errs...)
	case <-gctx.Done():
		return gctx.Err()
	}
}

// detach removes callerID's entry if it is bound to want, or to anything
// when want is nil.
func (r *Registry) detach(callerID string, want *Handle) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byCaller[callerID]
	if !ok || (want != nil && h != want) {
		return nil, false
	}
	delete(r.byCaller, callerID)
	delete(r.bySession, h.Session().ID())
	return h, true
}

// watch detaches h when the backend reports the connection closed. A newer
// handle bound to the same caller is left alone.
func (r *Registry) watch(callerID string, h *Handle) {
	select {
	case <-h.Session().Done():
	case <-h.Released():
		return
	}
	if _, ok := r.detach(callerID, h); ok {
		slog.Info("backend closed connection; unbinding caller",
			"caller_id", callerID, "session_id", h.Session().ID())
		r.release(callerID, h, ReasonBackendClosed)
	}
}

func (r *Registry) release(callerID string, h *Handle, reason Reason) error {
	err := h.Release()
	if err != nil {
		slog.Warn("releasing backend connection",
			"caller_id", callerID, "session_id", h.Session().ID(), "reason", reason, "err", err)
	} else {
		slog.Debug("released backend connection",
			"caller_id", callerID, "session_id", h.Session().ID(), "reason", reason)
	}
	if r.observer != nil {
		r.observer.Detached(callerID, reason)
	}
	return err
}
