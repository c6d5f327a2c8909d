// Package permissions tracks microphone and camera access through a store.
//
// Requests are asynchronous: a Request* action moves the permission to
// Requesting within the dispatch, and the access middleware later reports
// the outcome with a Set* action.
package permissions

import (
	"fmt"
	"log/slog"

	"callcore/pkg/store"
)

// Permission is the access state of one device class.
type Permission int

const (
	Unknown Permission = iota
	Requesting
	Granted
	Denied
)

func (p Permission) String() string {
	switch p {
	case Requesting:
		return "requesting"
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	default:
		return "unknown"
	}
}

func (p Permission) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Permission) UnmarshalText(b []byte) error {
	for v := Unknown; v <= Denied; v++ {
		if v.String() == string(b) {
			*p = v
			return nil
		}
	}
	return fmt.Errorf("invalid permission %q", string(b))
}

// Settled reports whether p is a final answer.
func (p Permission) Settled() bool { return p == Granted || p == Denied }

// Kind selects a device class.
type Kind int

const (
	Microphone Kind = iota
	Camera
)

func (k Kind) String() string {
	if k == Camera {
		return "camera"
	}
	return "microphone"
}

// ParseKind parses "microphone" or "camera".
func ParseKind(s string) (Kind, error) {
	switch s {
	case "microphone", "mic":
		return Microphone, nil
	case "camera":
		return Camera, nil
	default:
		return 0, fmt.Errorf("unknown permission kind %q", s)
	}
}

// State is the permissions store state.
type State struct {
	Microphone Permission `json:"microphone"`
	Camera     Permission `json:"camera"`
}

// Get returns the permission for k.
func (s State) Get(k Kind) Permission {
	if k == Camera {
		return s.Camera
	}
	return s.Microphone
}

func (s State) with(k Kind, p Permission) State {
	if k == Camera {
		s.Camera = p
	} else {
		s.Microphone = p
	}
	return s
}

// Action is a marker interface for permission actions.
type Action interface {
	permissionsAction()
}

// Request asks the OS for access to a device class.
type Request struct {
	Kind Kind `json:"kind"`
}

// Set records the outcome for a device class.
type Set struct {
	Kind       Kind       `json:"kind"`
	Permission Permission `json:"permission"`
}

// Refresh re-reads the current access state of every device class.
type Refresh struct{}

func (Request) permissionsAction() {}
func (Set) permissionsAction()     {}
func (Refresh) permissionsAction() {}

func (a Request) String() string { return fmt.Sprintf("Request(%s)", a.Kind) }
func (a Set) String() string     { return fmt.Sprintf("Set(%s, %s)", a.Kind, a.Permission) }
func (Refresh) String() string   { return "Refresh" }

// RequestMicrophone and the helpers below build the common actions.
func RequestMicrophone() Action         { return Request{Kind: Microphone} }
func RequestCamera() Action             { return Request{Kind: Camera} }
func SetMicrophone(p Permission) Action { return Set{Kind: Microphone, Permission: p} }
func SetCamera(p Permission) Action     { return Set{Kind: Camera, Permission: p} }

// Reduce is the permissions reducer.
func Reduce(s State, a Action, _ store.Site) (State, error) {
	switch a := a.(type) {
	case Request:
		return s.with(a.Kind, Requesting), nil
	case Set:
		return s.with(a.Kind, a.Permission), nil
	}
	return s, nil
}

// NewNamespace returns the permissions namespace backed by provider.
func NewNamespace(provider Provider, logger *slog.Logger) store.Namespace[State, Action] {
	return store.Namespace[State, Action]{
		ID: "permissions",
		Reducers: func() []store.Reducer[State, Action] {
			return []store.Reducer[State, Action]{store.ReducerFunc[State, Action](Reduce)}
		},
		Middleware: func() []store.Middleware[State, Action] {
			return []store.Middleware[State, Action]{NewAccessMiddleware(provider, logger)}
		},
	}
}

// NewStore builds a permissions store with every permission unknown.
func NewStore(provider Provider, logger *slog.Logger, opts ...store.Option[State, Action]) *store.Store[State, Action] {
	return NewNamespace(provider, logger).Store(State{}, opts...)
}
