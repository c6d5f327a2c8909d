package audio

import "callcore/pkg/store"

// stateReducer stores flag, route and output override changes. An unknown
// override fails the action with *InvalidOverrideError.
func stateReducer(s State, a Action, _ store.Site) (State, error) {
	switch a := a.(type) {
	case SetActive:
		s.Active = a.Active
	case SetInterrupted:
		s.Interrupted = a.Interrupted
	case SetShouldRecord:
		s.ShouldRecord = a.ShouldRecord
	case SetRecording:
		s.Recording = a.Recording
	case SetMicrophoneMuted:
		s.MicrophoneMuted = a.Muted
	case SetHasRecordingPermission:
		s.HasRecordingPermission = a.Granted
	case SetRoute:
		s.Route = a.Route
	case SetOverrideOutput:
		if err := ValidateOverride(a.Port); err != nil {
			return s, err
		}
		s.Config.OverrideOutput = a.Port
	}
	return s, nil
}

// configReducer applies SetConfig after checking the allow table. An invalid
// combination fails the action with *InvalidConfigError.
func configReducer(s State, a Action, _ store.Site) (State, error) {
	c, ok := a.(SetConfig)
	if !ok {
		return s, nil
	}
	if err := Validate(c.Category, c.Mode, c.Options); err != nil {
		return s, err
	}
	s.Config.Category = c.Category
	s.Config.Mode = c.Mode
	s.Config.Options = c.Options
	return s, nil
}

// skipUnchanged drops set-actions that would not change the state.
func skipUnchanged(a Action, s State) bool {
	switch a := a.(type) {
	case SetActive:
		return a.Active != s.Active
	case SetInterrupted:
		return a.Interrupted != s.Interrupted
	case SetShouldRecord:
		return a.ShouldRecord != s.ShouldRecord
	case SetRecording:
		return a.Recording != s.Recording
	case SetMicrophoneMuted:
		return a.Muted != s.MicrophoneMuted
	case SetHasRecordingPermission:
		return a.Granted != s.HasRecordingPermission
	case SetRoute:
		return !a.Route.Equal(s.Route)
	case SetConfig:
		return a != configOf(s.Config)
	case SetOverrideOutput:
		return a.Port != s.Config.OverrideOutput
	}
	return true
}
