package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"go.opentelemetry.io/otel"

	"callcore/internal/audio"
	"callcore/internal/battery"
	"callcore/internal/callstate"
	"callcore/internal/observe"
	"callcore/internal/permissions"
	"callcore/internal/rtc"
	"callcore/internal/sdp"
	"callcore/pkg/fsm"
	"callcore/pkg/store"
)

// ============================================================================
// Daemon - composition root
// ============================================================================
// The daemon owns every store and state machine. Nothing here is global:
// collaborators come in through daemonDeps so tests can swap them out.
// ============================================================================

// daemonDeps are the platform collaborators of the daemon. Nil fields get
// the Linux defaults derived from Config.
type daemonDeps struct {
	SFU      rtc.SFU
	Session  audio.Session
	Recorder audio.Recorder
	Battery  battery.Provider
	Access   permissions.Provider
	Metrics  *observe.Metrics
}

type daemon struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics

	battery   *store.Store[battery.State, battery.Action]
	permStore *store.Store[permissions.State, permissions.Action]
	perms     *permissions.Permissions
	audio     *store.Store[audio.State, audio.Action]
	sdp       *store.Store[sdp.State, sdp.Action]
	rewriter  *sdp.Rewriter

	sfu  rtc.SFU
	rtc  *rtc.Coordinator
	call *callstate.Machine

	// events carries state changes to the WS broadcaster.
	events chan wsOutboundEvent

	unregisterBacklog func() error
	closed            atomic.Bool
}

const (
	// eventBuf bounds queued state events; the broadcaster drains it quickly.
	eventBuf = 128

	leaveTimeout = 2 * time.Second
)

func newDaemon(cfg Config, deps daemonDeps, logger *slog.Logger) (*daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		var err error
		if m, err = observe.NewMetrics(otel.GetMeterProvider()); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}

	d := &daemon{
		cfg:     cfg,
		log:     logger,
		metrics: m,
		events:  make(chan wsOutboundEvent, eventBuf),
	}

	// Battery
	var batteryProvider battery.Provider
	if cfg.Battery.Enabled {
		batteryProvider = deps.Battery
		if batteryProvider == nil {
			batteryProvider = battery.SysfsProvider{Root: ExpandPath(cfg.Battery.SysfsRoot)}
		}
	}
	d.battery = battery.NewStore(battery.Config{
		Provider:     batteryProvider,
		PollInterval: cfg.BatteryPollInterval(),
		Logger:       logger,
	}, storeOptions[battery.State, battery.Action](logger, m)...)

	// Permissions
	access := deps.Access
	if access == nil {
		access = permissions.DeviceProvider{
			MicrophoneGlob: cfg.Permissions.MicrophoneGlob,
			CameraGlob:     cfg.Permissions.CameraGlob,
		}
	}
	d.permStore = permissions.NewStore(access, logger, storeOptions[permissions.State, permissions.Action](logger, m)...)
	d.perms = permissions.New(d.permStore)

	// Audio
	d.audio = audio.NewStore(audio.Deps{
		Session:  deps.Session,
		Recorder: deps.Recorder,
		Logger:   logger,
	}, storeOptions[audio.State, audio.Action](logger, m)...)

	// SDP
	d.sdp = sdp.NewStore(sdp.State{
		OpusDTX:         cfg.SDP.OpusDTX,
		RedundantCoding: cfg.SDP.RedundantCoding,
	}, storeOptions[sdp.State, sdp.Action](logger, m)...)
	d.rewriter = sdp.NewRewriter(d.sdp)

	// RTC session
	sfu := deps.SFU
	var peer *rtc.PeerSFU
	if sfu == nil {
		peer = &rtc.PeerSFU{
			Config:  webrtc.Configuration{ICEServers: iceServers(cfg.RTC.ICEServers)},
			Rewrite: d.rewriter.Rewrite,
		}
		sfu = peer
	}
	d.sfu = sfu
	d.rtc = rtc.NewCoordinator(sfu, rtc.Options{
		FastReconnectDeadline: cfg.FastReconnectDeadline(),
		Logger:                logger,
		Observer:              m.TransitionObserver("rtc"),
	})
	if peer != nil {
		peer.OnPeer = rtc.NewPeerMonitor(d.rtc, logger).Bind
	}

	// Call lifecycle
	d.call = callstate.New(rtcCaller{rtc: d.rtc, log: logger}, callstate.Options{
		Retry: callstate.RetryPolicy{
			MaxRetries: cfg.Call.JoinRetries,
			Delay:      cfg.RetryDelay,
		},
		Logger:   logger,
		Observer: m.TransitionObserver("call"),
	})

	unregister, err := m.ObserveBacklog(d.battery, d.permStore, d.audio, d.sdp)
	if err != nil {
		d.close()
		return nil, fmt.Errorf("observe backlog: %w", err)
	}
	d.unregisterBacklog = unregister

	if cfg.Battery.Enabled {
		d.battery.Dispatch(battery.SetMonitoringEnabled{Enabled: true})
	}
	return d, nil
}

// storeOptions wires slog and the metrics logger into a store.
func storeOptions[S, A any](logger *slog.Logger, m *observe.Metrics) []store.Option[S, A] {
	return []store.Option[S, A]{
		store.WithSlog[S, A](logger),
		store.WithLogger[S, A](store.MultiLogger[S, A]{
			store.NewSlogLogger[S, A](logger),
			observe.NewStoreLogger[S, A](m),
		}),
	}
}

func iceServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

// ready reports whether the daemon can serve requests.
func (d *daemon) ready() error {
	if d.closed.Load() {
		return store.ErrClosed
	}
	// A failed call or session keeps the daemon unready until the next
	// attempt starts.
	if err := d.call.LastError(); err != nil {
		if st := d.call.Stage(); st == callstate.Idle || st == callstate.Error {
			return fmt.Errorf("call failed: %w", err)
		}
	}
	if err := d.rtc.LastError(); err != nil {
		if st := d.rtc.Stage(); st == rtc.Idle || st == rtc.Error {
			return fmt.Errorf("rtc session failed: %w", err)
		}
	}
	return nil
}

// close tears everything down in reverse dependency order. It is safe to
// call more than once.
func (d *daemon) close() {
	if d.closed.Swap(true) {
		return
	}
	if d.unregisterBacklog != nil {
		if err := d.unregisterBacklog(); err != nil {
			d.log.Debug("unregister backlog gauge", "error", err)
		}
	}
	d.call.Close()

	if d.rtc.Stage() != rtc.Idle {
		if err := d.rtc.Leave(); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
			_, _ = d.rtc.WaitFor(ctx, rtc.Idle)
			cancel()
		}
	}
	d.rtc.Close()
	if err := d.sfu.Close(); err != nil {
		d.log.Warn("sfu close failed", "error", err)
	}

	for _, c := range []interface{ Close() error }{d.sdp, d.audio, d.permStore, d.battery} {
		if err := c.Close(); err != nil {
			d.log.Warn("store close failed", "error", err)
		}
	}
}

// ============================================================================
// rtcCaller
// ============================================================================

// rtcCaller runs call operations on top of the RTC session. Joining a call
// brings the session up; accept and reject are signalling-only here.
type rtcCaller struct {
	rtc *rtc.Coordinator
	log *slog.Logger
}

var errSessionEnded = errors.New("rtc session ended before joining")

func (c rtcCaller) Join(ctx context.Context, opts callstate.JoinOptions) error {
	c.log.Info("joining call", "create", opts.Create, "ring", opts.Ring, "notify", opts.Notify)
	if c.rtc.Stage() == rtc.Joined {
		return nil
	}
	if err := c.rtc.Connect(); err != nil && !errors.Is(err, fsm.ErrInvalidTransition) {
		return err
	}
	id, err := c.rtc.WaitFor(ctx, rtc.Joined, rtc.Idle)
	if err != nil {
		return err
	}
	if id == rtc.Idle {
		if err := c.rtc.LastError(); err != nil {
			return err
		}
		return errSessionEnded
	}
	return nil
}

func (c rtcCaller) Accept(context.Context) error {
	c.log.Info("call accepted")
	return nil
}

func (c rtcCaller) Reject(_ context.Context, reason string) error {
	c.log.Info("call rejected", "reason", reason)
	return nil
}
