// Package store is a unidirectional state container.
//
// A Store owns one state value. Callers never mutate it directly: they
// dispatch actions, which a single loop goroutine applies in order. For
// every action the ordered reducers compute the next state, the state is
// published atomically, and then the ordered middleware see the new state
// and may schedule side effects. Middleware report results by sending new
// actions, which are queued behind whatever is already pending.
//
// A batch of actions is atomic with respect to other dispatches: nothing
// from another caller is interleaved between its actions.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"callcore/internal/fanout"
)

// ErrClosed is returned for dispatches made after Close.
var ErrClosed = errors.New("store closed")

// Namespace groups the identifier, reducers, middleware and effects that
// define one kind of store. Factories are invoked once per Store so every
// store gets its own middleware instances.
type Namespace[S, A any] struct {
	ID          string
	Reducers    func() []Reducer[S, A]
	Middleware  func() []Middleware[S, A]
	Effects     func() []Effect[S, A]
	Coordinator Coordinator[S, A]
	Logger      Logger[S, A]
}

// Store builds a store for the namespace.
func (ns Namespace[S, A]) Store(initial S, opts ...Option[S, A]) *Store[S, A] {
	return New(ns, initial, opts...)
}

type entry[T any] struct {
	id uint64
	v  T
}

// Store is the state container. Create one with New.
type Store[S, A any] struct {
	id     string
	logger Logger[S, A]
	coord  Coordinator[S, A]
	log    *slog.Logger

	state atomic.Pointer[S]
	jobs  *fanout.Queue[func()]
	ids   atomic.Uint64

	// Owned by the loop goroutine.
	reducers   []entry[Reducer[S, A]]
	middleware []entry[Middleware[S, A]]

	obsMu     sync.Mutex
	observers map[uint64]observer[S]
	obsClosed bool

	effectCtx    context.Context
	effectCancel context.CancelFunc
	effects      sync.WaitGroup

	loopDone  chan struct{}
	closeOnce sync.Once
}

type observer[S any] struct {
	notify   func(S)
	complete func()
}

// Option customizes a Store at construction.
type Option[S, A any] func(*options[S, A])

type options[S, A any] struct {
	logger      Logger[S, A]
	slog        *slog.Logger
	coordinator Coordinator[S, A]
	reducers    []Reducer[S, A]
	middleware  []Middleware[S, A]
	effects     []Effect[S, A]
}

// WithLogger replaces the namespace logger.
func WithLogger[S, A any](l Logger[S, A]) Option[S, A] {
	return func(o *options[S, A]) { o.logger = l }
}

// WithSlog sets the slog.Logger used for store diagnostics and for the
// default action logger.
func WithSlog[S, A any](l *slog.Logger) Option[S, A] {
	return func(o *options[S, A]) { o.slog = l }
}

// WithCoordinator replaces the namespace coordinator.
func WithCoordinator[S, A any](c Coordinator[S, A]) Option[S, A] {
	return func(o *options[S, A]) { o.coordinator = c }
}

// WithReducers appends reducers after the namespace ones.
func WithReducers[S, A any](r ...Reducer[S, A]) Option[S, A] {
	return func(o *options[S, A]) { o.reducers = append(o.reducers, r...) }
}

// WithMiddleware appends middleware after the namespace ones.
func WithMiddleware[S, A any](m ...Middleware[S, A]) Option[S, A] {
	return func(o *options[S, A]) { o.middleware = append(o.middleware, m...) }
}

// WithEffects appends effects after the namespace ones.
func WithEffects[S, A any](e ...Effect[S, A]) Option[S, A] {
	return func(o *options[S, A]) { o.effects = append(o.effects, e...) }
}

// New creates a store holding initial and starts its loop.
func New[S, A any](ns Namespace[S, A], initial S, opts ...Option[S, A]) *Store[S, A] {
	o := options[S, A]{logger: ns.Logger, coordinator: ns.Coordinator}
	for _, opt := range opts {
		opt(&o)
	}
	if o.slog == nil {
		o.slog = slog.Default()
	}
	if o.logger == nil {
		o.logger = NewSlogLogger[S, A](o.slog)
	}
	if o.coordinator == nil {
		o.coordinator = executeAll[S, A]{}
	}

	id := ns.ID
	if id == "" {
		id = "store"
	}

	s := &Store[S, A]{
		id:        id,
		logger:    o.logger,
		coord:     o.coordinator,
		log:       o.slog.With("store", id),
		jobs:      fanout.NewQueue[func()](),
		observers: make(map[uint64]observer[S]),
		loopDone:  make(chan struct{}),
	}
	s.state.Store(&initial)

	var reducers []Reducer[S, A]
	if ns.Reducers != nil {
		reducers = ns.Reducers()
	}
	for _, r := range append(reducers, o.reducers...) {
		s.reducers = append(s.reducers, entry[Reducer[S, A]]{id: s.ids.Add(1), v: r})
	}

	var middleware []Middleware[S, A]
	if ns.Middleware != nil {
		middleware = ns.Middleware()
	}
	for _, m := range append(middleware, o.middleware...) {
		s.middleware = append(s.middleware, entry[Middleware[S, A]]{id: s.ids.Add(1), v: m})
		if a, ok := m.(Attacher[A]); ok {
			a.Attach(s.Outbox())
		}
	}

	go s.loop()

	s.effectCtx, s.effectCancel = context.WithCancel(context.Background())
	var effects []Effect[S, A]
	if ns.Effects != nil {
		effects = ns.Effects()
	}
	for _, e := range append(effects, o.effects...) {
		s.effects.Add(1)
		go func(e Effect[S, A]) {
			defer s.effects.Done()
			if err := e.Run(s.effectCtx, s); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("store effect stopped", "error", err)
			}
		}(e)
	}

	return s
}

// ID returns the namespace identifier.
func (s *Store[S, A]) ID() string { return s.id }

// State returns the last published state. It does not wait for dispatches
// still in flight.
func (s *Store[S, A]) State() S { return *s.state.Load() }

// Backlog reports how many jobs wait behind the one being processed.
func (s *Store[S, A]) Backlog() int { return s.jobs.Len() }

// Outbox returns a handle that enqueues actions on this store.
func (s *Store[S, A]) Outbox() Outbox[A] {
	return Outbox[A]{push: func(site Site, boxes []Box[A]) bool {
		return s.enqueueBatch(newTask(), site, boxes)
	}}
}

// Dispatch enqueues actions as one batch and returns without waiting.
func (s *Store[S, A]) Dispatch(actions ...A) *Task {
	return s.dispatchAt(CallerSite(0), Boxes(actions...))
}

// DispatchBoxes enqueues boxes as one batch and returns without waiting.
func (s *Store[S, A]) DispatchBoxes(boxes ...Box[A]) *Task {
	return s.dispatchAt(CallerSite(0), boxes)
}

// DispatchWait enqueues actions as one batch and waits until the batch went
// through reducers and middleware. It returns the reducer error that aborted
// the batch, if any. Cancelling ctx only abandons the wait.
func (s *Store[S, A]) DispatchWait(ctx context.Context, actions ...A) error {
	return s.dispatchAt(CallerSite(0), Boxes(actions...)).Wait(ctx)
}

// DispatchBoxesWait is DispatchWait for boxed actions.
func (s *Store[S, A]) DispatchBoxesWait(ctx context.Context, boxes ...Box[A]) error {
	return s.dispatchAt(CallerSite(0), boxes).Wait(ctx)
}

func (s *Store[S, A]) dispatchAt(site Site, boxes []Box[A]) *Task {
	t := newTask()
	if !s.enqueueBatch(t, site, boxes) {
		t.finish(ErrClosed)
	}
	return t
}

func (s *Store[S, A]) enqueueBatch(t *Task, site Site, boxes []Box[A]) bool {
	return s.jobs.Push(func() { s.runBatch(t, site, boxes) })
}

// AddReducer appends r to the reducer chain. The change is queued like a
// dispatch, so batches already accepted run without it.
func (s *Store[S, A]) AddReducer(r Reducer[S, A]) (remove func()) {
	id := s.ids.Add(1)
	s.jobs.Push(func() {
		s.reducers = append(s.reducers, entry[Reducer[S, A]]{id: id, v: r})
	})
	return func() {
		s.jobs.Push(func() { s.reducers = without(s.reducers, id) })
	}
}

// AddMiddleware appends m to the middleware chain, attaching it to this
// store. The returned func removes and closes it.
func (s *Store[S, A]) AddMiddleware(m Middleware[S, A]) (remove func()) {
	id := s.ids.Add(1)
	s.jobs.Push(func() {
		s.middleware = append(s.middleware, entry[Middleware[S, A]]{id: id, v: m})
		if a, ok := m.(Attacher[A]); ok {
			a.Attach(s.Outbox())
		}
	})
	return func() {
		s.jobs.Push(func() {
			before := len(s.middleware)
			s.middleware = without(s.middleware, id)
			if len(s.middleware) != before {
				s.closeMiddleware(m)
			}
		})
	}
}

func without[T any](list []entry[T], id uint64) []entry[T] {
	out := list[:0:0]
	for _, e := range list {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store[S, A]) loop() {
	defer close(s.loopDone)
	for {
		job, ok := s.jobs.Pop(context.Background())
		if !ok {
			return
		}
		job()
	}
}

func (s *Store[S, A]) runBatch(t *Task, site Site, boxes []Box[A]) {
	t.start()
	for _, b := range boxes {
		if err := s.apply(t.ID(), site, b); err != nil && !b.Failable {
			t.finish(err)
			return
		}
	}
	t.finish(nil)
}

func (s *Store[S, A]) apply(taskID string, site Site, b Box[A]) error {
	if b.DelayBefore > 0 {
		time.Sleep(b.DelayBefore)
	}

	state := s.State()
	rec := Record[S, A]{
		TaskID:    taskID,
		Namespace: s.id,
		Action:    b.Action,
		Site:      site,
		State:     state,
	}

	if !s.coord.ShouldExecute(b.Action, state) {
		s.logger.DidSkip(rec)
		return nil
	}

	start := time.Now()
	next, err := reduceAll(s.reducers, state, b.Action, site)
	if err != nil {
		rec.Duration = time.Since(start)
		s.logger.DidFail(rec, err)
		return fmt.Errorf("%s: %s: %w", s.id, ActionName(b.Action), err)
	}

	s.publish(next)

	for _, m := range s.middleware {
		m.v.Apply(next, b.Action, site)
	}

	rec.State = next
	rec.Duration = time.Since(start)
	s.logger.DidComplete(rec)

	if b.DelayAfter > 0 {
		time.Sleep(b.DelayAfter)
	}
	return nil
}

func (s *Store[S, A]) publish(next S) {
	s.state.Store(&next)

	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	for _, o := range s.observers {
		o.notify(next)
	}
}

func (s *Store[S, A]) closeMiddleware(m Middleware[S, A]) {
	if c, ok := m.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.log.Warn("store middleware close failed", "error", err)
		}
	}
}

// Close stops the store. Effects are cancelled and awaited, batches already
// accepted are drained, middleware are closed and every subscription ends.
// Dispatches after Close fail with ErrClosed.
func (s *Store[S, A]) Close() error {
	s.closeOnce.Do(func() {
		s.effectCancel()
		s.effects.Wait()

		s.jobs.Close()
		<-s.loopDone

		for _, m := range s.middleware {
			s.closeMiddleware(m.v)
		}

		s.obsMu.Lock()
		s.obsClosed = true
		for id, o := range s.observers {
			o.complete()
			delete(s.observers, id)
		}
		s.obsMu.Unlock()

		s.log.Debug("store closed")
	})
	return nil
}
