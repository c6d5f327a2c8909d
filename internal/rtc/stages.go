package rtc

import (
	"context"
	"fmt"
	"time"

	"callcore/pkg/fsm"
)

// Stage IDs.
const (
	Idle             fsm.ID = "idle"
	Connecting       fsm.ID = "connecting"
	Connected        fsm.ID = "connected"
	Joining          fsm.ID = "joining"
	Joined           fsm.ID = "joined"
	Leaving          fsm.ID = "leaving"
	CleanUp          fsm.ID = "cleanUp"
	Disconnected     fsm.ID = "disconnected"
	FastReconnecting fsm.ID = "fastReconnecting"
	FastReconnected  fsm.ID = "fastReconnected"
	Rejoining        fsm.ID = "rejoining"
	Migrating        fsm.ID = "migrating"
	Migrated         fsm.ID = "migrated"
	Error            fsm.ID = "error"
)

// All lists every session stage.
var All = []fsm.ID{
	Idle, Connecting, Connected, Joining, Joined, Leaving, CleanUp, Disconnected,
	FastReconnecting, FastReconnected, Rejoining, Migrating, Migrated, Error,
}

// Transitions maps each stage to the stages it may be entered from.
var Transitions = fsm.Table{
	Connecting: {Idle, Rejoining},
	Connected:  {Connecting},
	Joining:    {Connected, FastReconnected, Migrated},
	Joined:     {Joining},
	Leaving:    {Joined, Disconnected, Connected, Connecting},
	CleanUp:    fsm.Except(All, Idle, CleanUp),
	Disconnected: {
		Connecting, Joining, Joined, Disconnected, FastReconnecting, Rejoining, Migrated,
	},
	FastReconnecting: {Disconnected},
	FastReconnected:  {FastReconnecting},
	Rejoining:        {Disconnected},
	Migrating:        {Disconnected},
	Migrated:         {Migrating},
	Error:            fsm.Except(All, Error),
	Idle:             {CleanUp},
}

// Stage is one session stage. Each stage owns a context that is cancelled
// when the coordinator leaves it.
type Stage interface {
	fsm.Stage
	env() *stageEnv
}

type stageEnv struct {
	c      *Coordinator
	ctx    context.Context
	cancel context.CancelFunc
}

func (e *stageEnv) env() *stageEnv { return e }

func (e *stageEnv) WillTransitionAway(Stage) { e.cancel() }

// run does stage work in the background and advances to the stage fn
// returns, if any.
func (e *stageEnv) run(fn func(ctx context.Context) Stage) {
	e.c.wg.Add(1)
	go func() {
		defer e.c.wg.Done()
		if next := fn(e.ctx); next != nil {
			_ = e.advance(next)
		}
	}()
}

// advance enters next only while this stage is still current. The check
// and the switch happen under the machine lock, so an outcome that lost a
// race with another transition is dropped with fsm.ErrPreempted.
func (e *stageEnv) advance(next Stage) error {
	err := e.c.fsm.TransitionIf(next, func(cur Stage) bool { return cur.env() == e })
	if err != nil {
		next.env().cancel()
		e.c.log.Debug("rtc stage outcome dropped", "to", next.ID(), "error", err)
	}
	return err
}

type (
	idleStage         struct{ *stageEnv }
	connectingStage   struct{ *stageEnv }
	connectedStage    struct{ *stageEnv }
	joiningStage      struct{ *stageEnv }
	joinedStage       struct{ *stageEnv }
	leavingStage      struct{ *stageEnv }
	cleanUpStage      struct{ *stageEnv }
	disconnectedStage struct {
		*stageEnv
		// strategy replaces the current one when the stage is entered.
		strategy *Strategy
	}
	fastReconnectingStage struct{ *stageEnv }
	fastReconnectedStage  struct{ *stageEnv }
	rejoiningStage        struct{ *stageEnv }
	migratingStage        struct{ *stageEnv }
	migratedStage         struct{ *stageEnv }
	errorStage            struct {
		*stageEnv
		err error
	}
)

// WillTransitionAway clears the previous session's error as a new one starts.
func (s idleStage) WillTransitionAway(Stage) {
	s.cancel()
	s.c.setLastErr(nil)
}

func (idleStage) ID() fsm.ID             { return Idle }
func (connectingStage) ID() fsm.ID       { return Connecting }
func (connectedStage) ID() fsm.ID        { return Connected }
func (joiningStage) ID() fsm.ID          { return Joining }
func (joinedStage) ID() fsm.ID           { return Joined }
func (leavingStage) ID() fsm.ID          { return Leaving }
func (cleanUpStage) ID() fsm.ID          { return CleanUp }
func (disconnectedStage) ID() fsm.ID     { return Disconnected }
func (fastReconnectingStage) ID() fsm.ID { return FastReconnecting }
func (fastReconnectedStage) ID() fsm.ID  { return FastReconnected }
func (rejoiningStage) ID() fsm.ID        { return Rejoining }
func (migratingStage) ID() fsm.ID        { return Migrating }
func (migratedStage) ID() fsm.ID         { return Migrated }
func (errorStage) ID() fsm.ID            { return Error }

func (s connectingStage) DidEnter(Stage) {
	s.run(func(ctx context.Context) Stage {
		if err := s.c.sfu.Connect(ctx); err != nil {
			return s.c.failed(ctx, fmt.Errorf("connect: %w", err))
		}
		return s.c.stage(Connected)
	})
}

func (s connectedStage) DidEnter(Stage) { s.advance(s.c.stage(Joining)) }

func (s joiningStage) DidEnter(Stage) {
	s.run(func(ctx context.Context) Stage {
		if err := s.c.sfu.Join(ctx); err != nil {
			return s.c.failed(ctx, fmt.Errorf("join: %w", err))
		}
		return s.c.stage(Joined)
	})
}

func (s joinedStage) DidEnter(Stage) { s.c.reset() }

func (s leavingStage) DidEnter(Stage) {
	s.run(func(ctx context.Context) Stage {
		if err := s.c.sfu.Leave(ctx); err != nil {
			s.c.log.Warn("sfu leave failed", "error", err)
		}
		return s.c.stage(CleanUp)
	})
}

func (s cleanUpStage) DidEnter(Stage) {
	if err := s.c.sfu.Close(); err != nil {
		s.c.log.Warn("sfu close failed", "error", err)
	}
	s.c.reset()
	s.advance(s.c.stage(Idle))
}

// DidEnter applies the recovery strategy after a backoff that grows with
// every consecutive disconnect.
func (s disconnectedStage) DidEnter(Stage) {
	if s.strategy != nil {
		s.c.setStrategy(*s.strategy)
	}
	s.run(func(ctx context.Context) Stage {
		attempt, strategy := s.c.nextAttempt()
		if attempt > s.c.opts.MaxAttempts {
			return s.c.errorStage(fmt.Errorf("giving up after %d reconnection attempts", s.c.opts.MaxAttempts))
		}
		if !sleepCtx(ctx, s.c.opts.Backoff(attempt)) {
			return nil
		}
		if strategy.Kind == StrategyUnknown {
			if err := s.c.flowError(); err != nil {
				return s.c.errorStage(fmt.Errorf("disconnected without a reconnection strategy: %w", err))
			}
		}
		next := NextAfterDisconnect(strategy, s.c.opts.Now())
		s.c.log.Info("reconnecting", "strategy", strategy, "attempt", attempt, "next", next)
		return s.c.stage(next)
	})
}

// DidEnter restarts ICE and waits for the peer connection to come back
// until the fast reconnect deadline. Completion is reported through
// Coordinator.PeerConnected.
func (s fastReconnectingStage) DidEnter(Stage) {
	s.run(func(ctx context.Context) Stage {
		if err := s.c.sfu.FastReconnect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.c.log.Warn("fast reconnect failed, escalating", "error", err)
			s.c.setFlowErr(err)
			return s.c.escalate()
		}
		strategy := s.c.Strategy()
		wait := strategy.DisconnectedSince.Add(strategy.Deadline).Sub(s.c.opts.Now())
		if !sleepCtx(ctx, wait) {
			return nil
		}
		s.c.log.Warn("fast reconnect timed out, escalating")
		return s.c.escalate()
	})
}

func (s fastReconnectedStage) DidEnter(Stage) { s.advance(s.c.stage(Joining)) }

func (s rejoiningStage) DidEnter(Stage) {
	if err := s.c.sfu.Close(); err != nil {
		s.c.log.Warn("sfu close before rejoin failed", "error", err)
	}
	s.advance(s.c.stage(Connecting))
}

func (s migratingStage) DidEnter(Stage) {
	s.run(func(ctx context.Context) Stage {
		if err := s.c.sfu.Migrate(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.c.log.Warn("migration failed, rejoining", "error", err)
			s.c.setFlowErr(err)
			return s.c.recoverWith(Strategy{Kind: StrategyRejoin})
		}
		return s.c.stage(Migrated)
	})
}

func (s migratedStage) DidEnter(Stage) { s.advance(s.c.stage(Joining)) }

func (s errorStage) DidEnter(Stage) {
	s.c.setLastErr(s.err)
	s.c.log.Error("rtc session failed", "error", s.err)
	s.advance(s.c.stage(CleanUp))
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
