package audio

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Category is the session category.
type Category string

const (
	CategoryAmbient       Category = "ambient"
	CategorySoloAmbient   Category = "soloAmbient"
	CategoryPlayback      Category = "playback"
	CategoryRecord        Category = "record"
	CategoryPlayAndRecord Category = "playAndRecord"
	CategoryMultiRoute    Category = "multiRoute"
)

// Mode refines a category.
type Mode string

const (
	ModeDefault        Mode = "default"
	ModeVoiceChat      Mode = "voiceChat"
	ModeVideoChat      Mode = "videoChat"
	ModeGameChat       Mode = "gameChat"
	ModeVideoRecording Mode = "videoRecording"
	ModeMeasurement    Mode = "measurement"
	ModeMoviePlayback  Mode = "moviePlayback"
	ModeSpokenAudio    Mode = "spokenAudio"
	ModeVoicePrompt    Mode = "voicePrompt"
)

// Options is a set of category option flags.
type Options uint8

const (
	OptionMixWithOthers Options = 1 << iota
	OptionDuckOthers
	OptionInterruptSpokenAudioAndMixWithOthers
	OptionAllowBluetoothHFP
	OptionAllowBluetoothA2DP
	OptionDefaultToSpeaker
)

type optionName struct {
	opt  Options
	name string
}

var optionNames = []optionName{
	{OptionMixWithOthers, "mixWithOthers"},
	{OptionDuckOthers, "duckOthers"},
	{OptionInterruptSpokenAudioAndMixWithOthers, "interruptSpokenAudioAndMixWithOthers"},
	{OptionAllowBluetoothHFP, "allowBluetoothHFP"},
	{OptionAllowBluetoothA2DP, "allowBluetoothA2DP"},
	{OptionDefaultToSpeaker, "defaultToSpeaker"},
}

// Has reports whether every flag in o2 is set in o.
func (o Options) Has(o2 Options) bool { return o&o2 == o2 }

func (o Options) String() string {
	var parts []string
	for _, n := range optionNames {
		if o.Has(n.opt) {
			parts = append(parts, n.name)
		}
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// ParseOptions builds an option set from flag names.
func ParseOptions(names ...string) (Options, error) {
	var o Options
	for _, name := range names {
		i := slices.IndexFunc(optionNames, func(n optionName) bool { return n.name == name })
		if i < 0 {
			return 0, fmt.Errorf("unknown audio option %q", name)
		}
		o |= optionNames[i].opt
	}
	return o, nil
}

// Names lists the flag names set in o.
func (o Options) Names() []string {
	names := []string{}
	for _, n := range optionNames {
		if o.Has(n.opt) {
			names = append(names, n.name)
		}
	}
	return names
}

func (o Options) MarshalJSON() ([]byte, error) { return json.Marshal(o.Names()) }

func (o *Options) UnmarshalJSON(b []byte) error {
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	parsed, err := ParseOptions(names...)
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// PortOverride forces the output port.
type PortOverride string

const (
	OverrideNone    PortOverride = "none"
	OverrideSpeaker PortOverride = "speaker"
)

// Config is the session configuration.
type Config struct {
	Category       Category     `json:"category"`
	Mode           Mode         `json:"mode"`
	Options        Options      `json:"options"`
	OverrideOutput PortOverride `json:"override_output"`
}

func (c Config) String() string {
	return fmt.Sprintf("{category:%s mode:%s options:%s override:%s}", c.Category, c.Mode, c.Options, c.OverrideOutput)
}

type allowance struct {
	modes   []Mode
	options Options
}

var ambientOptions = OptionMixWithOthers | OptionDuckOthers | OptionInterruptSpokenAudioAndMixWithOthers

// allowed lists the valid mode and option combinations per category.
var allowed = map[Category]allowance{
	CategoryPlayback: {
		modes:   []Mode{ModeDefault, ModeMoviePlayback, ModeSpokenAudio, ModeVoicePrompt},
		options: ambientOptions | OptionDefaultToSpeaker | OptionAllowBluetoothA2DP,
	},
	CategoryPlayAndRecord: {
		modes: []Mode{
			ModeDefault, ModeVoiceChat, ModeVideoChat, ModeGameChat,
			ModeVideoRecording, ModeMeasurement, ModeSpokenAudio, ModeVoicePrompt,
		},
		options: ambientOptions | OptionDefaultToSpeaker | OptionAllowBluetoothHFP | OptionAllowBluetoothA2DP,
	},
	CategoryRecord: {
		modes:   []Mode{ModeDefault, ModeMeasurement},
		options: OptionDuckOthers,
	},
	CategoryMultiRoute: {
		modes:   []Mode{ModeDefault, ModeMeasurement},
		options: OptionMixWithOthers,
	},
	CategoryAmbient:     {modes: []Mode{ModeDefault}, options: ambientOptions},
	CategorySoloAmbient: {modes: []Mode{ModeDefault}, options: ambientOptions},
}

// InvalidConfigError reports a category, mode and options combination the
// session does not accept.
type InvalidConfigError struct {
	Category Category
	Mode     Mode
	Options  Options
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid audio configuration category:%s mode:%s options:%s", e.Category, e.Mode, e.Options)
}

// InvalidOverrideError reports an output override the session does not know.
type InvalidOverrideError struct {
	Port PortOverride
}

func (e *InvalidOverrideError) Error() string {
	return fmt.Sprintf("invalid audio output override %q", string(e.Port))
}

// ValidateOverride accepts OverrideNone and OverrideSpeaker.
func ValidateOverride(p PortOverride) error {
	if p != OverrideNone && p != OverrideSpeaker {
		return &InvalidOverrideError{Port: p}
	}
	return nil
}

// Validate checks a category, mode and options combination against the
// allow table.
func Validate(category Category, mode Mode, options Options) error {
	a, ok := allowed[category]
	if !ok || !slices.Contains(a.modes, mode) || !a.options.Has(options) {
		return &InvalidConfigError{Category: category, Mode: mode, Options: options}
	}
	return nil
}
