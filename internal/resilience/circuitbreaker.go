// Package resilience provides the circuit breaker that guards connection
// attempts to Diffusion servers.
//
// A [CircuitBreaker] is a three-state breaker (closed, open, half-open). A
// [BreakerSet] hands out one breaker per key, so a server that is down fails
// fast without affecting connections to other servers.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the breaker in log messages.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close.
	// Default: 1.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the breaker. Errors
	// it rejects pass through without changing state. Default: every
	// non-nil error counts.
	IsFailure func(error) bool

	// Now returns the current time. Default: time.Now.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	isFailure    func(error) bool
	now          func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	halfOpenCalls   int
	halfOpenOK      int
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		isFailure:    cfg.IsFailure,
		now:          cfg.Now,
	}
}

// State returns the breaker's current state, moving an expired open breaker
// to half-open.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return cb.state
}

// Execute runs fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	cb.maybeHalfOpen()
	switch cb.state {
	case StateOpen:
		cb.mu.Unlock()
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMax {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.halfOpenCalls++
	}
	probing := cb.state == StateHalfOpen
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch {
	case cb.isFailure(err):
		cb.recordFailure(probing)
	case err == nil:
		cb.recordSuccess(probing)
	case probing:
		// Not a breaker failure, but the probe slot is free again.
		cb.halfOpenCalls--
	}
	return err
}

// maybeHalfOpen must be called with cb.mu held.
func (cb *CircuitBreaker) maybeHalfOpen() {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		cb.state = StateHalfOpen
		cb.halfOpenCalls = 0
		cb.halfOpenOK = 0
		slog.Info("circuit breaker half-open", "name", cb.name)
	}
}

// recordFailure must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(probing bool) {
	if probing || cb.state == StateHalfOpen {
		cb.state = StateOpen
		cb.openedAt = cb.now()
		slog.Warn("circuit breaker re-opened", "name", cb.name)
		return
	}
	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.maxFailures && cb.state == StateClosed {
		cb.state = StateOpen
		cb.openedAt = cb.now()
		slog.Warn("circuit breaker opened", "name", cb.name, "consecutive_failures", cb.consecutiveFail)
	}
}

// recordSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(probing bool) {
	if probing {
		cb.halfOpenOK++
		if cb.halfOpenOK >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.consecutiveFail = 0
			slog.Info("circuit breaker closed", "name", cb.name)
		}
		return
	}
	cb.consecutiveFail = 0
}

// idle reports whether the breaker is closed with no failures on record, so
// dropping it loses nothing.
func (cb *CircuitBreaker) idle() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == StateClosed && cb.consecutiveFail == 0
}

// DefaultMaxBreakers caps a [BreakerSet] when no limit is given.
const DefaultMaxBreakers = 1024

// BreakerSet lazily creates one [CircuitBreaker] per key, all sharing a
// configuration. Keys come from untrusted input, so the set holds at most
// max breakers: when full, idle breakers are dropped first and then the
// least recently used one.
type BreakerSet struct {
	cfg CircuitBreakerConfig
	max int

	mu       sync.Mutex
	breakers map[string]*setEntry
	tick     uint64
}

type setEntry struct {
	cb      *CircuitBreaker
	lastUse uint64
}

// NewBreakerSet returns an empty set whose breakers use cfg. cfg.Name is
// replaced by each breaker's key. maxKeys <= 0 means [DefaultMaxBreakers].
func NewBreakerSet(cfg CircuitBreakerConfig, maxKeys int) *BreakerSet {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxBreakers
	}
	return &BreakerSet{cfg: cfg, max: maxKeys, breakers: make(map[string]*setEntry)}
}

// For returns the breaker for key, creating it on first use.
func (s *BreakerSet) For(key string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick++
	if e, ok := s.breakers[key]; ok {
		e.lastUse = s.tick
		return e.cb
	}
	if len(s.breakers) >= s.max {
		s.evict()
	}
	cfg := s.cfg
	cfg.Name = key
	cb := NewCircuitBreaker(cfg)
	s.breakers[key] = &setEntry{cb: cb, lastUse: s.tick}
	return cb
}

// Len returns the number of breakers held.
func (s *BreakerSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.breakers)
}

// evict must be called with s.mu held.
func (s *BreakerSet) evict() {
	for k, e := range s.breakers {
		if e.cb.idle() {
			delete(s.breakers, k)
		}
	}
	if len(s.breakers) < s.max {
		return
	}
	var (
		oldest string
		least  uint64
	)
	for k, e := range s.breakers {
		if oldest == "" || e.lastUse < least {
			oldest, least = k, e.lastUse
		}
	}
	delete(s.breakers, oldest)
	slog.Debug("circuit breaker evicted", "name", oldest)
}
