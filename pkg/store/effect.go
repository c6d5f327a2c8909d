package store

import "context"

// Effect is a long-running observer owned by a store, e.g. a watcher that
// turns external notifications into actions. Run is started in its own
// goroutine when the store is created and must return once ctx is done.
type Effect[S, A any] interface {
	Run(ctx context.Context, s *Store[S, A]) error
}

// EffectFunc adapts a function to the Effect interface.
type EffectFunc[S, A any] func(ctx context.Context, s *Store[S, A]) error

func (f EffectFunc[S, A]) Run(ctx context.Context, s *Store[S, A]) error { return f(ctx, s) }
