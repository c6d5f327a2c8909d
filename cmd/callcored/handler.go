package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"callcore/internal/audio"
	"callcore/internal/battery"
	"callcore/internal/callstate"
	"callcore/internal/ipc"
	"callcore/internal/observe"
	"callcore/internal/permissions"
	"callcore/internal/rtc"
	"callcore/internal/sdp"
	"callcore/pkg/store"
)

// requestTimeout bounds a single IPC request, including a permission prompt.
const requestTimeout = 30 * time.Second

// Handle implements ipc.Handler.
func (d *daemon) Handle(ctx context.Context, req ipc.Request, peer ipc.Peer) ipc.Response {
	ctx, span := observe.StartSpan(ctx, "ipc "+req.Type)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	typ := req.Type
	a, err := DecodeAction(req)
	var resp ipc.Response
	switch {
	case errors.Is(err, ErrUnknownAction):
		typ = "unknown"
		resp = ipc.Fail(err)
	case err != nil:
		resp = ipc.Fail(err)
	default:
		resp = d.handle(ctx, a)
	}

	d.metrics.IPCRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", typ),
		attribute.String("status", resp.Status),
	))
	if resp.Status != ipc.StatusOK {
		d.log.Warn("ipc request failed", "type", req.Type, "error", resp.Error, "pid", peer.PID, "uid", peer.UID)
	} else {
		d.log.Debug("ipc request", "type", req.Type, "pid", peer.PID, "uid", peer.UID)
	}
	return resp
}

func (d *daemon) handle(ctx context.Context, a Action) ipc.Response {
	switch a := a.(type) {
	case SetBatteryMonitoring:
		return dispatchWait(ctx, d.battery, battery.Action(battery.SetMonitoringEnabled{Enabled: a.Enabled}))

	case RequestPermission:
		kind, err := permissions.ParseKind(a.Kind)
		if err != nil {
			return ipc.Fail(err)
		}
		granted, err := d.perms.Request(ctx, kind)
		if err != nil {
			return ipc.Fail(fmt.Errorf("request %s: %w", kind, err))
		}
		return ipc.OK(map[string]bool{"granted": granted})

	case SetShouldRecord:
		return dispatchWait(ctx, d.audio, audio.Action(audio.SetShouldRecord{ShouldRecord: a.Enabled}))
	case SetMuted:
		return dispatchWait(ctx, d.audio, audio.Action(audio.SetMicrophoneMuted{Muted: a.Muted}))
	case SetAudioConfig:
		return dispatchWait(ctx, d.audio, audio.Action(audio.SetConfig{
			Category: a.Category,
			Mode:     a.Mode,
			Options:  a.Options,
		}))
	case SetOverrideOutput:
		return dispatchWait(ctx, d.audio, audio.Action(audio.SetOverrideOutput{Port: a.Port}))

	case SetSDP:
		var actions []sdp.Action
		if a.OpusDTX != nil {
			actions = append(actions, sdp.SetOpusDTX{Enabled: *a.OpusDTX})
		}
		if a.RedundantCoding != nil {
			actions = append(actions, sdp.SetRedundantCoding{Enabled: *a.RedundantCoding})
		}
		return dispatchWait(ctx, d.sdp, actions...)
	case RewriteSDP:
		out, err := d.rewriter.Rewrite(a.SDP)
		if err != nil {
			return ipc.Fail(err)
		}
		return ipc.OK(map[string]string{"sdp": out})

	case JoinCall:
		return d.callResponse(d.call.Join(callstate.JoinOptions{Create: a.Create, Ring: a.Ring, Notify: a.Notify}))
	case AcceptCall:
		return d.callResponse(d.call.Accept())
	case RejectCall:
		return d.callResponse(d.call.Reject(a.Reason))
	case LeaveCall:
		return d.callResponse(d.call.Leave())

	case ConnectRTC:
		return d.rtcResponse(d.rtc.Connect())
	case DisconnectRTC:
		kind, err := rtc.ParseStrategy(a.Strategy)
		if err != nil {
			return ipc.Fail(err)
		}
		return d.rtcResponse(d.rtc.Disconnect(kind))
	case LeaveRTC:
		return d.rtcResponse(d.rtc.Leave())

	case GetState:
		return ipc.OK(d.snapshot())

	default:
		return ipc.Fail(fmt.Errorf("%w: %T", ErrUnknownAction, a))
	}
}

// dispatchWait runs actions on s and answers with the resulting state.
func dispatchWait[S, A any](ctx context.Context, s *store.Store[S, A], actions ...A) ipc.Response {
	if len(actions) > 0 {
		if err := s.DispatchWait(ctx, actions...); err != nil {
			return ipc.Fail(err)
		}
	}
	return ipc.OK(s.State())
}

func (d *daemon) callResponse(err error) ipc.Response {
	if err != nil {
		return ipc.Fail(err)
	}
	return ipc.OK(d.callSnapshot(d.call.Stage()))
}

func (d *daemon) rtcResponse(err error) ipc.Response {
	if err != nil {
		return ipc.Fail(err)
	}
	return ipc.OK(d.rtcSnapshot(d.rtc.Stage()))
}
