// Package callstate drives the lifecycle of one call: joining, accepting or
// rejecting a ring, and leaving. Stage work runs in the background when a
// stage is entered; failures pass through the error stage back to idle.
package callstate

import (
	"context"
	"log/slog"
	"sync"

	"callcore/pkg/fsm"
)

// Caller performs the call operations against the backend.
type Caller interface {
	Join(ctx context.Context, opts JoinOptions) error
	Accept(ctx context.Context) error
	Reject(ctx context.Context, reason string) error
}

// Options configure a Machine.
type Options struct {
	Retry    RetryPolicy
	Logger   *slog.Logger
	Observer func(from, to fsm.ID)
}

// Machine is the call state machine.
type Machine struct {
	fsm    *fsm.Machine[Stage]
	caller Caller
	retry  RetryPolicy
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	lastErr error
}

// New returns a machine in the idle stage.
func New(caller Caller, opts Options) *Machine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Retry.Delay == nil {
		opts.Retry = DefaultRetryPolicy()
	}

	fsmOpts := []fsm.Option{fsm.WithName("call"), fsm.WithLogger(opts.Logger)}
	if opts.Observer != nil {
		fsmOpts = append(fsmOpts, fsm.WithObserver(opts.Observer))
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		caller: caller,
		retry:  opts.Retry,
		log:    opts.Logger.With("machine", "call"),
		ctx:    ctx,
		cancel: cancel,
	}
	m.fsm = fsm.New[Stage](idleStage{m: m}, Transitions, fsmOpts...)
	return m
}

// Stage returns the current stage ID.
func (m *Machine) Stage() fsm.ID { return m.fsm.Current().ID() }

// LastError returns the error that last sent the machine through the error
// stage. Leaving idle again clears it.
func (m *Machine) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Machine) setLastErr(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

// Join starts joining the call. It is valid from idle and accepted.
func (m *Machine) Join(opts JoinOptions) error {
	return m.fsm.Transition(joiningStage{m: m, opts: opts})
}

// Accept accepts a ringing call. It is valid from idle.
func (m *Machine) Accept() error {
	return m.fsm.Transition(acceptingStage{m: m})
}

// Reject declines a ringing call. It is valid from idle.
func (m *Machine) Reject(reason string) error {
	return m.fsm.Transition(rejectingStage{m: m, reason: reason})
}

// Leave returns to idle from joined or rejected.
func (m *Machine) Leave() error {
	return m.fsm.Transition(idleStage{m: m})
}

// Subscribe streams stages starting with the current one.
func (m *Machine) Subscribe() *fsm.Subscription[Stage] { return m.fsm.Subscribe() }

// WaitFor blocks until the machine enters one of ids and returns it. The
// current stage counts.
func (m *Machine) WaitFor(ctx context.Context, ids ...fsm.ID) (fsm.ID, error) {
	sub := m.fsm.Subscribe()
	defer sub.Close()
	for {
		select {
		case st, ok := <-sub.C():
			if !ok {
				return "", fsm.ErrClosed
			}
			for _, id := range ids {
				if st.ID() == id {
					return id, nil
				}
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Close cancels running stage work and ends subscriptions.
func (m *Machine) Close() {
	m.cancel()
	m.wg.Wait()
	m.fsm.Close()
}

func (m *Machine) run(fn func(ctx context.Context)) {
	if m.ctx.Err() != nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(m.ctx)
	}()
}

// move performs an internal transition. A rejection here means a stage was
// entered out of order and is only logged.
func (m *Machine) move(next Stage) {
	if err := m.fsm.Transition(next); err != nil {
		m.log.Warn("call stage transition rejected", "error", err)
	}
}
