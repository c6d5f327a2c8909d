// Package audio is the store behind the call audio session: activation,
// interruptions, recording, routing and the category/mode/options
// configuration.
//
// Invalid configurations fail in the reducer and leave the state unchanged.
// Session failures are reported back as corrective actions.
package audio

import (
	"log/slog"

	"callcore/pkg/store"
)

// Deps are the collaborators of an audio store.
type Deps struct {
	Session  Session
	Recorder Recorder
	Logger   *slog.Logger
}

// NewNamespace returns the audio namespace. The session is configured from
// the store state on first use.
func NewNamespace(deps Deps) store.Namespace[State, Action] {
	if deps.Session == nil {
		deps.Session = NewMemorySession()
	}
	if deps.Recorder == nil {
		deps.Recorder = &NullRecorder{}
	}
	return store.Namespace[State, Action]{
		ID: "audio",
		Reducers: func() []store.Reducer[State, Action] {
			return []store.Reducer[State, Action]{
				store.ReducerFunc[State, Action](stateReducer),
				store.ReducerFunc[State, Action](configReducer),
			}
		},
		Middleware: func() []store.Middleware[State, Action] {
			return []store.Middleware[State, Action]{
				NewSessionMiddleware(deps.Session, deps.Logger),
				NewRecordingMiddleware(deps.Recorder, deps.Logger),
			}
		},
		Effects: func() []store.Effect[State, Action] {
			return []store.Effect[State, Action]{
				RouteChangeEffect{Session: deps.Session},
				InterruptionEffect{Session: deps.Session},
			}
		},
		Coordinator: store.CoordinatorFunc[State, Action](skipUnchanged),
	}
}

// NewStore builds an audio store from InitialState.
func NewStore(deps Deps, opts ...store.Option[State, Action]) *store.Store[State, Action] {
	return NewNamespace(deps).Store(InitialState(), opts...)
}
