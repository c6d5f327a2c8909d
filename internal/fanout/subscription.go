package fanout

import (
	"context"
	"sync"
)

// Subscription delivers published values to one consumer through an
// unbounded queue, so Publish never waits on the reader.
//
// The consumer ranges over C(). The stream ends when the consumer calls
// Close (pending values are dropped) or the producer calls Complete (pending
// values are delivered first).
type Subscription[T any] struct {
	q    *Queue[T]
	out  chan T
	stop chan struct{}

	closeOnce sync.Once
	onClose   func()
}

// NewSubscription starts the delivery goroutine. onClose, if set, runs once
// when the consumer closes the subscription.
func NewSubscription[T any](onClose func()) *Subscription[T] {
	s := &Subscription[T]{
		q:       NewQueue[T](),
		out:     make(chan T),
		stop:    make(chan struct{}),
		onClose: onClose,
	}
	go s.pump()
	return s
}

func (s *Subscription[T]) pump() {
	defer close(s.out)
	for {
		v, ok := s.q.Pop(context.Background())
		if !ok {
			return
		}
		select {
		case s.out <- v:
		case <-s.stop:
			return
		}
	}
}

// C returns the receive side of the stream.
func (s *Subscription[T]) C() <-chan T { return s.out }

// Publish queues v for delivery. It returns false once the stream has ended.
func (s *Subscription[T]) Publish(v T) bool { return s.q.Push(v) }

// Complete ends the stream from the producer side after pending values have
// been delivered.
func (s *Subscription[T]) Complete() { s.q.Close() }

// Close ends the stream from the consumer side.
func (s *Subscription[T]) Close() {
	s.closeOnce.Do(func() {
		s.q.Close()
		close(s.stop)
		if s.onClose != nil {
			s.onClose()
		}
	})
}
