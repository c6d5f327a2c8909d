// Package fsm is a small finite state machine over tagged stages.
//
// Every stage value reports its ID. Legal moves are declared once in a
// Table (stage -> accepted predecessors) instead of being scattered across
// the stage types. A rejected move leaves the machine untouched and returns
// an *InvalidTransitionError; callers that do not care may discard it.
package fsm

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"callcore/internal/fanout"
)

var (
	// ErrInvalidTransition matches every *InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrClosed is returned by Transition after Close.
	ErrClosed = errors.New("state machine closed")
	// ErrPreempted is returned by TransitionIf when its guard rejects the
	// current stage.
	ErrPreempted = errors.New("transition preempted")
)

// InvalidTransitionError reports a move the table does not allow.
type InvalidTransitionError struct {
	From ID
	To   ID
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("fsm: invalid transition from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// Stage is one state of a lifecycle.
type Stage interface {
	ID() ID
}

// Stages may implement any of the hook interfaces below.
//
// WillTransitionAway runs while the machine is locked and must not call
// back into it. The other hooks run after the switch and may trigger further
// transitions.
type (
	WillLeaver[S Stage] interface{ WillTransitionAway(next S) }
	DidLeaver[S Stage]  interface{ DidTransitionAway(next S) }
	Enterer[S Stage]    interface{ DidEnter(previous S) }
)

// Subscription streams stages.
type Subscription[S any] = fanout.Subscription[S]

// Machine holds exactly one current stage.
type Machine[S Stage] struct {
	name      string
	table     Table
	log       *slog.Logger
	observers []func(from, to ID)

	current atomic.Pointer[S]

	mu     sync.Mutex
	subs   map[uint64]*fanout.Subscription[S]
	nextID uint64
	closed bool
}

// Option configures a Machine.
type Option func(*config)

type config struct {
	name      string
	log       *slog.Logger
	observers []func(from, to ID)
}

// WithName labels the machine in logs.
func WithName(name string) Option { return func(c *config) { c.name = name } }

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option { return func(c *config) { c.log = l } }

// WithObserver registers fn to be called for every accepted transition.
func WithObserver(fn func(from, to ID)) Option {
	return func(c *config) { c.observers = append(c.observers, fn) }
}

// New returns a machine sitting at initial. DidEnter is not called for the
// initial stage.
func New[S Stage](initial S, table Table, opts ...Option) *Machine[S] {
	c := config{name: "fsm", log: slog.Default()}
	for _, o := range opts {
		o(&c)
	}
	m := &Machine[S]{
		name:      c.name,
		table:     table,
		log:       c.log,
		observers: c.observers,
		subs:      make(map[uint64]*fanout.Subscription[S]),
	}
	m.current.Store(&initial)
	return m
}

// Name returns the machine label.
func (m *Machine[S]) Name() string { return m.name }

// Current returns the current stage.
func (m *Machine[S]) Current() S { return *m.current.Load() }

// Can reports whether the table allows moving from the current stage to id.
func (m *Machine[S]) Can(id ID) bool { return m.table.Allows(m.Current().ID(), id) }

// Transition moves the machine to next if next accepts the current stage as
// a predecessor. Subscribers see next exactly once. On rejection nothing is
// notified and an *InvalidTransitionError is returned.
func (m *Machine[S]) Transition(next S) error { return m.transition(next, nil) }

// TransitionIf is Transition for results computed against an earlier stage.
// guard sees the current stage under the machine lock after the table check
// and a false return leaves the machine untouched with ErrPreempted.
func (m *Machine[S]) TransitionIf(next S, guard func(current S) bool) error {
	return m.transition(next, guard)
}

func (m *Machine[S]) transition(next S, guard func(S) bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}

	from := m.Current()
	if !m.table.Allows(from.ID(), next.ID()) {
		m.mu.Unlock()
		m.log.Debug("fsm transition rejected", "machine", m.name, "from", from.ID(), "to", next.ID())
		return &InvalidTransitionError{From: from.ID(), To: next.ID()}
	}
	if guard != nil && !guard(from) {
		m.mu.Unlock()
		m.log.Debug("fsm transition preempted", "machine", m.name, "from", from.ID(), "to", next.ID())
		return ErrPreempted
	}

	if h, ok := any(from).(WillLeaver[S]); ok {
		h.WillTransitionAway(next)
	}

	m.current.Store(&next)
	for _, sub := range m.subs {
		sub.Publish(next)
	}
	for _, fn := range m.observers {
		fn(from.ID(), next.ID())
	}
	m.mu.Unlock()

	m.log.Debug("fsm transition", "machine", m.name, "from", from.ID(), "to", next.ID())

	if h, ok := any(from).(DidLeaver[S]); ok {
		h.DidTransitionAway(next)
	}
	if h, ok := any(next).(Enterer[S]); ok {
		h.DidEnter(from)
	}
	return nil
}

// Subscribe streams the current stage followed by every accepted
// transition.
func (m *Machine[S]) Subscribe() *Subscription[S] {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	sub := fanout.NewSubscription[S](func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	})
	if m.closed {
		sub.Complete()
		return sub
	}
	sub.Publish(m.Current())
	m.subs[id] = sub
	return sub
}

// Close ends every subscription and rejects further transitions.
func (m *Machine[S]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for id, sub := range m.subs {
		sub.Complete()
		delete(m.subs, id)
	}
}
