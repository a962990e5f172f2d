// Package audit records the terminal result of every tool call.
//
// A [Sink] persists [Record] values. The harness writes through a [Queue] so
// that a slow or failing store never delays or alters a tool result; records
// that cannot be written are reported to the queue's error callback and then
// dropped.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Record is one completed tool call.
type Record struct {
	// Time is when the call was received.
	Time time.Time

	CallerID string
	Tool     string

	// Outcome is "success" or the failure kind.
	Outcome string

	Duration time.Duration

	// Message is the failure message. Empty on success.
	Message string

	// TraceID links the record to the call's span when tracing is enabled.
	TraceID string
}

// Sink persists audit records. Implementations must be safe for concurrent use.
type Sink interface {
	Write(ctx context.Context, rec Record) error
	Close() error
}

// Pinger is implemented by sinks backed by a remote store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Nop discards every record. It is used when no audit store is configured.
type Nop struct{}

func (Nop) Write(context.Context, Record) error { return nil }
func (Nop) Close() error                        { return nil }

// ErrQueueFull is returned by [Queue.Write] when the buffer has no room.
var ErrQueueFull = errors.New("audit: queue full")

// ErrQueueClosed is returned by [Queue.Write] after Close.
var ErrQueueClosed = errors.New("audit: queue closed")

// DefaultQueueSize is the buffer size used when NewQueue is given zero.
const DefaultQueueSize = 256

// writeTimeout bounds a single write to the underlying sink.
const writeTimeout = 5 * time.Second

// Queue decouples callers from a [Sink] with a bounded buffer drained by a
// single goroutine. It implements [Sink] itself.
type Queue struct {
	sink    Sink
	onError func(Record, error)

	mu     sync.RWMutex
	closed bool
	ch     chan Record
	done   chan struct{}
}

var _ Sink = (*Queue)(nil)

// NewQueue starts draining into sink. onError, when non-nil, is called from
// the drain goroutine for every record the sink rejects.
func NewQueue(sink Sink, size int, onError func(Record, error)) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if onError == nil {
		onError = func(Record, error) {}
	}
	q := &Queue{
		sink:    sink,
		onError: onError,
		ch:      make(chan Record, size),
		done:    make(chan struct{}),
	}
	go q.drain()
	return q
}

// Write enqueues rec without blocking.
func (q *Queue) Write(_ context.Context, rec Record) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- rec:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *Queue) drain() {
	defer close(q.done)
	for rec := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := q.sink.Write(ctx, rec); err != nil {
			q.onError(rec, err)
		}
		cancel()
	}
}

// Ping forwards to the underlying sink when it supports it.
func (q *Queue) Ping(ctx context.Context) error {
	if p, ok := q.sink.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close stops accepting records, waits for the buffer to drain and closes
// the sink.
func (q *Queue) Close() error {
	return q.Shutdown(context.Background())
}

// Shutdown is Close bounded by ctx. When ctx expires before the buffer has
// drained the remaining records are abandoned and the sink is left open.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return q.sink.Close()
	case <-ctx.Done():
		return ctx.Err()
	}
}
