package callstate

import (
	"context"
	"fmt"
	"time"

	"callcore/pkg/fsm"
)

// Stage IDs.
const (
	Idle      fsm.ID = "idle"
	Joining   fsm.ID = "joining"
	Joined    fsm.ID = "joined"
	Accepting fsm.ID = "accepting"
	Accepted  fsm.ID = "accepted"
	Rejecting fsm.ID = "rejecting"
	Rejected  fsm.ID = "rejected"
	Error     fsm.ID = "error"
)

// All lists every call stage.
var All = []fsm.ID{Idle, Joining, Joined, Accepting, Accepted, Rejecting, Rejected, Error}

// Transitions maps each stage to the stages it may be entered from.
var Transitions = fsm.Table{
	Joining:   {Idle, Accepted, Joining},
	Accepting: {Idle},
	Accepted:  {Accepting},
	Rejecting: {Idle},
	Rejected:  {Rejecting},
	Joined:    {Joining},
	Error:     All,
	Idle:      {Joined, Rejected, Error},
}

// Stage is one call lifecycle stage.
type Stage interface {
	fsm.Stage
}

// JoinOptions are passed through to Caller.Join.
type JoinOptions struct {
	Create bool `json:"create"`
	Ring   bool `json:"ring"`
	Notify bool `json:"notify"`
}

// RetryPolicy bounds join attempts. A join is attempted at most MaxRetries
// times (at least once); Delay gives the pause before the given retry.
type RetryPolicy struct {
	MaxRetries int
	Delay      func(retry int) time.Duration
}

// DefaultRetryPolicy tries three times with a linear backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		Delay:      func(retry int) time.Duration { return time.Duration(retry) * 500 * time.Millisecond },
	}
}

type (
	idleStage struct{ m *Machine }

	joiningStage struct {
		m       *Machine
		opts    JoinOptions
		retries int
	}

	joinedStage struct{}

	acceptingStage struct{ m *Machine }

	acceptedStage struct{}

	rejectingStage struct {
		m      *Machine
		reason string
	}

	rejectedStage struct{}

	errorStage struct {
		m   *Machine
		err error
	}
)

func (idleStage) ID() fsm.ID      { return Idle }
func (joiningStage) ID() fsm.ID   { return Joining }
func (joinedStage) ID() fsm.ID    { return Joined }
func (acceptingStage) ID() fsm.ID { return Accepting }
func (acceptedStage) ID() fsm.ID  { return Accepted }
func (rejectingStage) ID() fsm.ID { return Rejecting }
func (rejectedStage) ID() fsm.ID  { return Rejected }
func (errorStage) ID() fsm.ID     { return Error }

func (s joiningStage) String() string { return fmt.Sprintf("joining(retries:%d)", s.retries) }
func (s errorStage) String() string   { return fmt.Sprintf("error(%v)", s.err) }

func (s idleStage) WillTransitionAway(Stage) { s.m.setLastErr(nil) }

func (s joiningStage) DidEnter(Stage) {
	s.m.run(func(ctx context.Context) {
		err := s.m.caller.Join(ctx, s.opts)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			s.m.move(joinedStage{})
			return
		}

		retries := s.retries + 1
		if retries < s.m.retry.MaxRetries {
			s.m.log.Warn("call join failed, retrying", "retries", retries, "error", err)
			if !sleepCtx(ctx, s.m.retry.Delay(retries)) {
				return
			}
			s.m.move(joiningStage{m: s.m, opts: s.opts, retries: retries})
			return
		}
		s.m.move(errorStage{m: s.m, err: fmt.Errorf("join call: %w", err)})
	})
}

func (s acceptingStage) DidEnter(Stage) {
	s.m.run(func(ctx context.Context) {
		if err := s.m.caller.Accept(ctx); err != nil {
			if ctx.Err() == nil {
				s.m.move(errorStage{m: s.m, err: fmt.Errorf("accept call: %w", err)})
			}
			return
		}
		s.m.move(acceptedStage{})
	})
}

func (s rejectingStage) DidEnter(Stage) {
	s.m.run(func(ctx context.Context) {
		if err := s.m.caller.Reject(ctx, s.reason); err != nil {
			if ctx.Err() == nil {
				s.m.move(errorStage{m: s.m, err: fmt.Errorf("reject call: %w", err)})
			}
			return
		}
		s.m.move(rejectedStage{})
	})
}

// DidEnter records the failure and resets the machine.
func (s errorStage) DidEnter(Stage) {
	s.m.setLastErr(s.err)
	s.m.log.Error("call failed", "error", s.err)
	s.m.move(idleStage{m: s.m})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
