package main

import (
	"context"

	"golang.org/x/sync/errgroup"

	"callcore/internal/audio"
	"callcore/internal/battery"
	"callcore/internal/callstate"
	"callcore/internal/permissions"
	"callcore/internal/rtc"
	"callcore/internal/sdp"
	"callcore/pkg/fsm"
	"callcore/pkg/store"
)

// ============================================================================
// Watchers
// ============================================================================
// Watchers connect the stores and machines to each other and to the state
// broadcaster. Each one owns a single subscription and exits with ctx.
// ============================================================================

// runWatchers blocks until ctx is done or a subscription ends.
func (d *daemon) runWatchers(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.forwardMicrophone(ctx) })
	g.Go(func() error { return d.followCall(ctx) })
	g.Go(func() error { return d.followRTC(ctx) })

	g.Go(func() error {
		return publishChanges(ctx, d, "battery_changed", store.Observe(d.battery, identity[battery.State]))
	})
	g.Go(func() error {
		return publishChanges(ctx, d, "permissions_changed", store.Observe(d.permStore, identity[permissions.State]))
	})
	g.Go(func() error {
		return publishChanges(ctx, d, "sdp_changed", store.Observe(d.sdp, identity[sdp.State]))
	})
	g.Go(func() error {
		return publishChanges(ctx, d, "audio_changed", store.ObserveFunc(d.audio, identity[audio.State], audioEqual))
	})

	return g.Wait()
}

func identity[S any](s S) S { return s }

// audioEqual compares audio states including their routes.
func audioEqual(a, b audio.State) bool {
	return a.Active == b.Active &&
		a.Interrupted == b.Interrupted &&
		a.ShouldRecord == b.ShouldRecord &&
		a.Recording == b.Recording &&
		a.MicrophoneMuted == b.MicrophoneMuted &&
		a.HasRecordingPermission == b.HasRecordingPermission &&
		a.Config == b.Config &&
		a.Route.Equal(b.Route)
}

// forwardMicrophone keeps the audio store's recording permission in step
// with the microphone permission.
func (d *daemon) forwardMicrophone(ctx context.Context) error {
	sub := d.perms.ObserveMicrophone()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case granted, ok := <-sub.C():
			if !ok {
				return nil
			}
			d.audio.Dispatch(audio.SetHasRecordingPermission{Granted: granted})
		}
	}
}

// followCall activates audio while a call is joined and leaves the RTC
// session once the call is back to idle.
func (d *daemon) followCall(ctx context.Context) error {
	sub := d.call.Subscribe()
	defer sub.Close()

	first := true
	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-sub.C():
			if !ok {
				return nil
			}
			switch st.ID() {
			case callstate.Joined:
				d.audio.Dispatch(audio.SetActive{Active: true})
			case callstate.Idle:
				if first {
					break
				}
				if d.rtc.Stage() != rtc.Idle {
					if err := d.rtc.Leave(); err != nil {
						d.log.Debug("rtc leave after call ended", "error", err)
					}
				}
				d.audio.Dispatch(audio.SetActive{Active: false})
			}
			if !first {
				d.publish("call_changed", d.callSnapshot(st.ID()))
			}
			first = false
		}
	}
}

// followRTC publishes session stages and ends a joined call when the
// session drops back to idle on its own.
func (d *daemon) followRTC(ctx context.Context) error {
	sub := d.rtc.Subscribe()
	defer sub.Close()

	first := true
	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-sub.C():
			if !ok {
				return nil
			}
			if first {
				first = false
				continue
			}
			if st.ID() == rtc.Idle && d.call.Stage() == callstate.Joined {
				if err := d.call.Leave(); err != nil {
					d.log.Debug("call leave after rtc ended", "error", err)
				}
			}
			d.publish("rtc_changed", d.rtcSnapshot(st.ID()))
		}
	}
}

// publishChanges forwards every value after the current one as a state
// event of type typ.
func publishChanges[V any](ctx context.Context, d *daemon, typ string, sub *store.Subscription[V]) error {
	defer sub.Close()

	first := true
	for {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-sub.C():
			if !ok {
				return nil
			}
			if first {
				first = false
				continue
			}
			d.publish(typ, v)
		}
	}
}

// publish queues a state event for the broadcaster. It never blocks; when
// the queue is full the event is dropped.
func (d *daemon) publish(typ string, data any) {
	select {
	case d.events <- wsOutboundEvent{Type: typ, Data: data}:
	default:
		d.log.Warn("state event queue full, dropping event", "type", typ)
	}
}

func (d *daemon) callSnapshot(id fsm.ID) callSnapshot {
	snap := callSnapshot{Stage: id}
	if id == callstate.Error {
		snap.Error = errString(d.call.LastError())
	}
	return snap
}

func (d *daemon) rtcSnapshot(id fsm.ID) rtcSnapshot {
	snap := rtcSnapshot{Stage: id, Strategy: d.rtc.Strategy().Kind.String()}
	if err := d.rtc.LastError(); err != nil && (id == rtc.Error || id == rtc.Idle) {
		snap.Error = err.Error()
	}
	return snap
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
