// Package rtc coordinates the lifecycle of a WebRTC session with an SFU:
// connecting, joining, recovering from disconnects and leaving.
//
// Recovery follows the current Strategy. A fast reconnect restarts ICE on
// the existing session; when it fails or runs past its deadline the
// coordinator escalates to a full rejoin.
package rtc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"callcore/pkg/fsm"
)

// SFU is the selective forwarding unit session the coordinator drives.
type SFU interface {
	Connect(ctx context.Context) error
	Join(ctx context.Context) error
	FastReconnect(ctx context.Context) error
	Migrate(ctx context.Context) error
	Leave(ctx context.Context) error
	Close() error
}

// Options configure a Coordinator. Zero values get defaults.
type Options struct {
	FastReconnectDeadline time.Duration
	// MaxAttempts bounds consecutive disconnects before giving up.
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
	Observer    func(from, to fsm.ID)
}

func (o *Options) defaults() {
	if o.FastReconnectDeadline <= 0 {
		o.FastReconnectDeadline = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Backoff == nil {
		o.Backoff = func(attempt int) time.Duration {
			return min(time.Duration(attempt-1)*250*time.Millisecond, 2*time.Second)
		}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Coordinator is the session state machine.
type Coordinator struct {
	fsm  *fsm.Machine[Stage]
	sfu  SFU
	opts Options
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	strategy Strategy
	attempts int
	lastErr  error
	// flowErr is the last recovery step failure of the current session.
	flowErr error
}

// NewCoordinator returns a coordinator in the idle stage.
func NewCoordinator(sfu SFU, opts Options) *Coordinator {
	opts.defaults()
	c := &Coordinator{
		sfu:  sfu,
		opts: opts,
		log:  opts.Logger.With("machine", "rtc"),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	fsmOpts := []fsm.Option{fsm.WithName("rtc"), fsm.WithLogger(opts.Logger)}
	if opts.Observer != nil {
		fsmOpts = append(fsmOpts, fsm.WithObserver(opts.Observer))
	}
	c.fsm = fsm.New[Stage](c.stage(Idle), Transitions, fsmOpts...)
	return c
}

// Stage returns the current stage ID.
func (c *Coordinator) Stage() fsm.ID { return c.fsm.Current().ID() }

// Strategy returns the recovery strategy in effect.
func (c *Coordinator) Strategy() Strategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strategy
}

// LastError returns the error that last sent the session to the error stage.
// It is cleared when a new session is started with Connect.
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Connect starts a session from idle.
func (c *Coordinator) Connect() error { return c.enter(c.stage(Connecting)) }

// Leave ends the session.
func (c *Coordinator) Leave() error { return c.enter(c.stage(Leaving)) }

// Disconnect reports a lost connection and starts recovery with kind. A
// fast strategy gets the configured deadline and starts counting now.
func (c *Coordinator) Disconnect(kind StrategyKind) error {
	s := Strategy{Kind: kind}
	if kind == StrategyFast {
		s = Fast(c.opts.Now(), c.opts.FastReconnectDeadline)
	}
	return c.DisconnectWith(s)
}

// DisconnectWith is Disconnect with a fully specified strategy.
func (c *Coordinator) DisconnectWith(s Strategy) error {
	if !c.fsm.Can(Disconnected) {
		return &fsm.InvalidTransitionError{From: c.Stage(), To: Disconnected}
	}
	return c.enter(c.recoverWith(s))
}

// PeerConnected reports that the media connection is up again. It completes
// a fast reconnect in progress and is ignored otherwise.
func (c *Coordinator) PeerConnected() {
	cur := c.fsm.Current()
	if cur.ID() != FastReconnecting {
		return
	}
	_ = cur.env().advance(c.stage(FastReconnected))
}

// Subscribe streams stages starting with the current one.
func (c *Coordinator) Subscribe() *fsm.Subscription[Stage] { return c.fsm.Subscribe() }

// WaitFor blocks until the coordinator is in one of ids.
func (c *Coordinator) WaitFor(ctx context.Context, ids ...fsm.ID) (fsm.ID, error) {
	sub := c.fsm.Subscribe()
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

// Close stops stage work and ends subscriptions. It does not talk to the SFU;
// call Leave first for an orderly exit.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
	c.fsm.Close()
}

// stage builds a fresh stage value for id.
func (c *Coordinator) stage(id fsm.ID) Stage {
	ctx, cancel := context.WithCancel(c.ctx)
	env := &stageEnv{c: c, ctx: ctx, cancel: cancel}
	switch id {
	case Connecting:
		return connectingStage{env}
	case Connected:
		return connectedStage{env}
	case Joining:
		return joiningStage{env}
	case Joined:
		return joinedStage{env}
	case Leaving:
		return leavingStage{env}
	case CleanUp:
		return cleanUpStage{env}
	case Disconnected:
		return disconnectedStage{stageEnv: env}
	case FastReconnecting:
		return fastReconnectingStage{env}
	case FastReconnected:
		return fastReconnectedStage{env}
	case Rejoining:
		return rejoiningStage{env}
	case Migrating:
		return migratingStage{env}
	case Migrated:
		return migratedStage{env}
	case Error:
		return errorStage{stageEnv: env}
	default:
		return idleStage{env}
	}
}

// recoverWith is the disconnected stage that switches to strategy s once
// entered.
func (c *Coordinator) recoverWith(s Strategy) Stage {
	d := c.stage(Disconnected).(disconnectedStage)
	d.strategy = &s
	return d
}

func (c *Coordinator) errorStage(err error) Stage {
	s := c.stage(Error).(errorStage)
	s.err = err
	return s
}

func (c *Coordinator) enter(next Stage) error {
	err := c.fsm.Transition(next)
	if err != nil {
		next.env().cancel()
		c.log.Debug("rtc transition rejected", "to", next.ID(), "error", err)
	}
	return err
}

// failed handles a failed connect or join. Without a strategy the session
// fails; during recovery it counts as another disconnect.
func (c *Coordinator) failed(ctx context.Context, err error) Stage {
	if ctx.Err() != nil {
		return nil
	}
	if c.Strategy().Kind == StrategyUnknown {
		return c.errorStage(err)
	}
	c.log.Warn("rtc recovery step failed", "error", err)
	c.setFlowErr(err)
	return c.stage(Disconnected)
}

// escalate moves on to the next strategy. The switch only takes effect if
// the returned stage is entered.
func (c *Coordinator) escalate() Stage { return c.recoverWith(c.Strategy().Next()) }

func (c *Coordinator) setStrategy(s Strategy) {
	c.mu.Lock()
	c.strategy = s
	c.mu.Unlock()
}

func (c *Coordinator) nextAttempt() (int, Strategy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	return c.attempts, c.strategy
}

// reset clears the recovery bookkeeping.
func (c *Coordinator) reset() {
	c.mu.Lock()
	c.attempts = 0
	c.strategy = Strategy{}
	c.flowErr = nil
	c.mu.Unlock()
}

func (c *Coordinator) setFlowErr(err error) {
	c.mu.Lock()
	c.flowErr = err
	c.mu.Unlock()
}

func (c *Coordinator) flowError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flowErr
}

func (c *Coordinator) setLastErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}
