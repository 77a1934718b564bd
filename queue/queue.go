// Package queue provides a sequential dispatch queue: a FIFO pipeline that
// processes one item at a time.
//
//	Push(A) Push(B) Push(C)          Run (single worker)
//	   │       │       │        ┌──────────────────────────┐
//	   └───────┴───────┴──────► │ pending: [A B C]         │ ── handler(A) → done(A)
//	                            │ in flight: at most one   │ ── handler(B) → done(B)
//	                            └──────────────────────────┘ ── handler(C) → done(C)
//
// Push never blocks: the pending list is unbounded, so producers on the
// connection's read path are never stalled by a slow handler.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrClosed  = errors.New("queue: closed")
	ErrRunning = errors.New("queue: already running")
)

// Handler processes one item. The next item is not admitted until the
// handler returns.
type Handler[T any] func(ctx context.Context, item T) error

// DoneFunc is called with the handler's result once an item completes.
type DoneFunc func(err error)

type entry[T any] struct {
	item T
	done DoneFunc
}

// Queue is a concurrency-limit-1 FIFO queue.
type Queue[T any] struct {
	name    string
	handler Handler[T]
	observe func(depth int)

	mu       sync.Mutex
	pending  []entry[T]
	inFlight bool
	closed   bool
	wake     chan struct{} // capacity 1, signalled on Push and Close

	running atomic.Bool
}

// Option configures a Queue.
type Option func(*options)

type options struct {
	observe func(depth int)
}

// WithObserver reports the queue depth (pending plus in flight) after every
// change.
func WithObserver(fn func(depth int)) Option {
	return func(o *options) { o.observe = fn }
}

// New creates a queue that feeds items to handler. Items are processed only
// while Run is active.
func New[T any](name string, handler Handler[T], opts ...Option) *Queue[T] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Queue[T]{
		name:    name,
		handler: handler,
		observe: o.observe,
		wake:    make(chan struct{}, 1),
	}
}

// Name returns the queue's name.
func (q *Queue[T]) Name() string { return q.name }

// Push appends item. done, if non-nil, is called from the worker goroutine
// after the handler returns.
func (q *Queue[T]) Push(item T, done DoneFunc) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.pending = append(q.pending, entry[T]{item: item, done: done})
	depth := q.depthLocked()
	q.mu.Unlock()

	q.signal()
	q.report(depth)
	return nil
}

// Len returns the number of pending items plus the one in flight.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

// Close stops admitting items. Run returns once the items already pushed
// have been processed.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Run processes items until ctx is done or the queue is closed and drained.
// Only one Run may be active per queue. Items still pending when ctx ends
// are dropped without calling their done functions.
func (q *Queue[T]) Run(ctx context.Context) error {
	if !q.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer q.running.Store(false)

	for {
		e, ok := q.next(ctx)
		if !ok {
			return nil
		}
		err := q.handler(ctx, e.item)
		if e.done != nil {
			e.done(err)
		}
		q.finish()
	}
}

// next blocks until an item is available, marking it in flight.
func (q *Queue[T]) next(ctx context.Context) (entry[T], bool) {
	for {
		if ctx.Err() != nil {
			return entry[T]{}, false
		}
		q.mu.Lock()
		if len(q.pending) > 0 {
			e := q.pending[0]
			q.pending[0] = entry[T]{}
			q.pending = q.pending[1:]
			q.inFlight = true
			q.mu.Unlock()
			return e, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return entry[T]{}, false
		}
		select {
		case <-ctx.Done():
			return entry[T]{}, false
		case <-q.wake:
		}
	}
}

func (q *Queue[T]) finish() {
	q.mu.Lock()
	q.inFlight = false
	depth := q.depthLocked()
	q.mu.Unlock()
	q.report(depth)
}

func (q *Queue[T]) depthLocked() int {
	n := len(q.pending)
	if q.inFlight {
		n++
	}
	return n
}

func (q *Queue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) report(depth int) {
	if q.observe != nil {
		q.observe(depth)
	}
}
