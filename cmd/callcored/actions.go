package main

import (
	"errors"
	"fmt"

	"callcore/internal/audio"
	"callcore/internal/ipc"
)

// ============================================================================
// IPC actions
// ============================================================================
// Every IPC request type decodes into one of the values below. The daemon
// handles them in daemon.Handle; callctl builds them through ipc.NewRequest.
// ============================================================================

// ErrUnknownAction is returned for IPC requests with an unknown type.
var ErrUnknownAction = errors.New("unknown action")

// Action is a marker interface for decoded IPC requests.
type Action interface {
	actionMarker()
}

type SetBatteryMonitoring struct {
	Enabled bool `json:"enabled"`
}

type RequestPermission struct {
	Kind string `json:"kind"` // "microphone" or "camera"
}

type SetShouldRecord struct {
	Enabled bool `json:"enabled"`
}

type SetMuted struct {
	Muted bool `json:"muted"`
}

type SetAudioConfig struct {
	Category audio.Category `json:"category"`
	Mode     audio.Mode     `json:"mode"`
	Options  audio.Options  `json:"options"`
}

type SetOverrideOutput struct {
	Port audio.PortOverride `json:"port"`
}

// SetSDP changes only the flags that are present.
type SetSDP struct {
	OpusDTX         *bool `json:"opus_dtx,omitempty"`
	RedundantCoding *bool `json:"redundant_coding,omitempty"`
}

type RewriteSDP struct {
	SDP string `json:"sdp"`
}

type JoinCall struct {
	Create bool `json:"create"`
	Ring   bool `json:"ring"`
	Notify bool `json:"notify"`
}

type AcceptCall struct{}

type RejectCall struct {
	Reason string `json:"reason"`
}

type LeaveCall struct{}

type ConnectRTC struct{}

type DisconnectRTC struct {
	Strategy string `json:"strategy"` // defaults to "fast"
}

type LeaveRTC struct{}

type GetState struct{}

func (SetBatteryMonitoring) actionMarker() {}
func (RequestPermission) actionMarker()    {}
func (SetShouldRecord) actionMarker()      {}
func (SetMuted) actionMarker()             {}
func (SetAudioConfig) actionMarker()       {}
func (SetOverrideOutput) actionMarker()    {}
func (SetSDP) actionMarker()               {}
func (RewriteSDP) actionMarker()           {}
func (JoinCall) actionMarker()             {}
func (AcceptCall) actionMarker()           {}
func (RejectCall) actionMarker()           {}
func (LeaveCall) actionMarker()            {}
func (ConnectRTC) actionMarker()           {}
func (DisconnectRTC) actionMarker()        {}
func (LeaveRTC) actionMarker()             {}
func (GetState) actionMarker()             {}

// Request types.
const (
	TypeBatterySetMonitoring   = "battery.set_monitoring"
	TypePermissionsRequest     = "permissions.request"
	TypeAudioSetShouldRecord   = "audio.set_should_record"
	TypeAudioSetMuted          = "audio.set_muted"
	TypeAudioSetConfig         = "audio.set_config"
	TypeAudioSetOverrideOutput = "audio.set_override_output"
	TypeSDPSet                 = "sdp.set"
	TypeSDPRewrite             = "sdp.rewrite"
	TypeCallJoin               = "call.join"
	TypeCallAccept             = "call.accept"
	TypeCallReject             = "call.reject"
	TypeCallLeave              = "call.leave"
	TypeRTCConnect             = "rtc.connect"
	TypeRTCDisconnect          = "rtc.disconnect"
	TypeRTCLeave               = "rtc.leave"
	TypeState                  = "state"
)

// DecodeAction turns a request envelope into a concrete Action.
func DecodeAction(req ipc.Request) (Action, error) {
	switch req.Type {
	case TypeBatterySetMonitoring:
		return decodeInto[SetBatteryMonitoring](req)

	case TypePermissionsRequest:
		a, err := decodeInto[RequestPermission](req)
		if err == nil && a.Kind == "" {
			return nil, fmt.Errorf("%s: kind is required", req.Type)
		}
		return a, err

	case TypeAudioSetShouldRecord:
		return decodeInto[SetShouldRecord](req)
	case TypeAudioSetMuted:
		return decodeInto[SetMuted](req)
	case TypeAudioSetConfig:
		return decodeInto[SetAudioConfig](req)
	case TypeAudioSetOverrideOutput:
		return decodeInto[SetOverrideOutput](req)

	case TypeSDPSet:
		return decodeInto[SetSDP](req)
	case TypeSDPRewrite:
		a, err := decodeInto[RewriteSDP](req)
		if err == nil && a.SDP == "" {
			return nil, fmt.Errorf("%s: sdp is required", req.Type)
		}
		return a, err

	case TypeCallJoin:
		return decodeInto[JoinCall](req)
	case TypeCallAccept:
		return AcceptCall{}, nil
	case TypeCallReject:
		return decodeInto[RejectCall](req)
	case TypeCallLeave:
		return LeaveCall{}, nil

	case TypeRTCConnect:
		return ConnectRTC{}, nil
	case TypeRTCDisconnect:
		a, err := decodeInto[DisconnectRTC](req)
		if err == nil && a.Strategy == "" {
			a.Strategy = "fast"
		}
		return a, err
	case TypeRTCLeave:
		return LeaveRTC{}, nil

	case TypeState:
		return GetState{}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, req.Type)
	}
}

func decodeInto[T Action](req ipc.Request) (T, error) {
	var a T
	if err := req.Decode(&a); err != nil {
		return a, err
	}
	return a, nil
}
