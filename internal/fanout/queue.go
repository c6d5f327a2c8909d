// Package fanout holds the unbounded queue and subscription primitives shared
// by the store dispatch loop and the state machines.
//
// Producers never block on a Queue: a slow consumer only grows the backlog.
package fanout

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO with a single consumer.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool

	ready chan struct{}
	done  chan struct{}
}

// NewQueue returns an empty, open queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push appends v. It returns false if the queue has been closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// Pop blocks until an item is available, the queue is closed and drained, or
// ctx is done. ok is false in the latter two cases.
func (q *Queue[T]) Pop(ctx context.Context) (v T, ok bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v = q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return v, false
		}

		select {
		case <-q.ready:
		case <-q.done:
		case <-ctx.Done():
			return v, false
		}
	}
}

// Close stops accepting new items. Items already queued are still returned
// by Pop. Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Len reports the current backlog.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
