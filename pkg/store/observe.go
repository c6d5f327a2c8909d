package store

import "callcore/internal/fanout"

// Subscription is a stream of observed values. Range over C() and call
// Close when done.
type Subscription[V any] = fanout.Subscription[V]

// Observe streams the value selected from the store state. The current value
// is sent right away; afterwards a value is only sent when it differs from
// the previous one. Every call returns an independent stream, and a slow
// reader never holds up the store.
func Observe[S, A any, V comparable](s *Store[S, A], selector func(S) V) *Subscription[V] {
	return ObserveFunc(s, selector, func(a, b V) bool { return a == b })
}

// ObserveFunc is Observe for values that are not comparable with ==.
func ObserveFunc[S, A, V any](s *Store[S, A], selector func(S) V, equal func(a, b V) bool) *Subscription[V] {
	id := s.ids.Add(1)
	sub := fanout.NewSubscription[V](func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	})

	s.obsMu.Lock()
	defer s.obsMu.Unlock()

	if s.obsClosed {
		sub.Complete()
		return sub
	}

	last := selector(s.State())
	sub.Publish(last)

	s.observers[id] = observer[S]{
		notify: func(state S) {
			v := selector(state)
			if equal(last, v) {
				return
			}
			last = v
			sub.Publish(v)
		},
		complete: sub.Complete,
	}
	return sub
}
