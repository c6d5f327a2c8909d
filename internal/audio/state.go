package audio

import (
	"fmt"
	"slices"
)

// Port types reported by sessions.
const (
	PortBuiltInSpeaker  = "speaker"
	PortBuiltInReceiver = "receiver"
	PortBuiltInMic      = "microphone"
	PortHeadphones      = "headphones"
	PortBluetoothA2DP   = "bluetoothA2DP"
	PortBluetoothHFP    = "bluetoothHFP"
	PortBluetoothLE     = "bluetoothLE"
	PortCarAudio        = "carAudio"
	PortUSB             = "usb"
)

var externalPorts = []string{PortBluetoothA2DP, PortBluetoothLE, PortBluetoothHFP, PortCarAudio, PortHeadphones, PortUSB}

// Port is one input or output of the current route.
type Port struct {
	Type string `json:"type"`
	Name string `json:"name"`
	ID   string `json:"id"`
}

func (p Port) IsExternal() bool { return slices.Contains(externalPorts, p.Type) }
func (p Port) IsSpeaker() bool  { return p.Type == PortBuiltInSpeaker }
func (p Port) IsReceiver() bool { return p.Type == PortBuiltInReceiver }

// Route is the set of active ports.
type Route struct {
	Inputs  []Port `json:"inputs"`
	Outputs []Port `json:"outputs"`
}

func (r Route) IsExternal() bool { return slices.ContainsFunc(r.Outputs, Port.IsExternal) }
func (r Route) IsSpeaker() bool  { return slices.ContainsFunc(r.Outputs, Port.IsSpeaker) }
func (r Route) IsReceiver() bool { return slices.ContainsFunc(r.Outputs, Port.IsReceiver) }

// Equal reports whether both routes list the same ports in the same order.
func (r Route) Equal(o Route) bool {
	return slices.Equal(r.Inputs, o.Inputs) && slices.Equal(r.Outputs, o.Outputs)
}

// State is the audio store state.
type State struct {
	Active                 bool   `json:"active"`
	Interrupted            bool   `json:"interrupted"`
	ShouldRecord           bool   `json:"should_record"`
	Recording              bool   `json:"recording"`
	MicrophoneMuted        bool   `json:"microphone_muted"`
	HasRecordingPermission bool   `json:"has_recording_permission"`
	Route                  Route  `json:"route"`
	Config                 Config `json:"config"`
}

// WantsRecording reports whether a recorder should be running.
func (s State) WantsRecording() bool {
	return s.ShouldRecord && s.HasRecordingPermission && s.Active
}

// InitialState is an inactive session configured for calls.
func InitialState() State {
	return State{
		Config: Config{
			Category:       CategoryPlayAndRecord,
			Mode:           ModeVoiceChat,
			Options:        OptionAllowBluetoothHFP | OptionDefaultToSpeaker,
			OverrideOutput: OverrideNone,
		},
	}
}

// Action is a marker interface for audio actions.
type Action interface {
	audioAction()
}

type (
	SetActive                 struct{ Active bool }
	SetInterrupted            struct{ Interrupted bool }
	SetShouldRecord           struct{ ShouldRecord bool }
	SetRecording              struct{ Recording bool }
	SetMicrophoneMuted        struct{ Muted bool }
	SetHasRecordingPermission struct{ Granted bool }
	SetRoute                  struct{ Route Route }
	// SetConfig replaces category, mode and options together.
	SetConfig struct {
		Category Category
		Mode     Mode
		Options  Options
	}
	SetOverrideOutput struct{ Port PortOverride }
)

func (SetActive) audioAction()                 {}
func (SetInterrupted) audioAction()            {}
func (SetShouldRecord) audioAction()           {}
func (SetRecording) audioAction()              {}
func (SetMicrophoneMuted) audioAction()        {}
func (SetHasRecordingPermission) audioAction() {}
func (SetRoute) audioAction()                  {}
func (SetConfig) audioAction()                 {}
func (SetOverrideOutput) audioAction()         {}

func (a SetActive) String() string       { return fmt.Sprintf("SetActive(%t)", a.Active) }
func (a SetInterrupted) String() string  { return fmt.Sprintf("SetInterrupted(%t)", a.Interrupted) }
func (a SetShouldRecord) String() string { return fmt.Sprintf("SetShouldRecord(%t)", a.ShouldRecord) }
func (a SetRecording) String() string    { return fmt.Sprintf("SetRecording(%t)", a.Recording) }
func (a SetMicrophoneMuted) String() string {
	return fmt.Sprintf("SetMicrophoneMuted(%t)", a.Muted)
}
func (a SetHasRecordingPermission) String() string {
	return fmt.Sprintf("SetHasRecordingPermission(%t)", a.Granted)
}
func (a SetRoute) String() string {
	return fmt.Sprintf("SetRoute(in:%d out:%d)", len(a.Route.Inputs), len(a.Route.Outputs))
}
func (a SetConfig) String() string {
	return fmt.Sprintf("SetConfig(%s, %s, %s)", a.Category, a.Mode, a.Options)
}
func (a SetOverrideOutput) String() string { return fmt.Sprintf("SetOverrideOutput(%s)", a.Port) }

// configOf returns the SetConfig that reproduces c.
func configOf(c Config) SetConfig {
	return SetConfig{Category: c.Category, Mode: c.Mode, Options: c.Options}
}
