// Package battery tracks the host battery through a store.
//
// Monitoring is opt-in: dispatching SetMonitoringEnabled{true} starts the
// monitor middleware, which polls a Provider and reports readings back as
// SetStatus/SetLevel actions.
package battery

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"callcore/pkg/store"
)

// Status is the charging state reported by the power supply.
type Status int

const (
	StatusUnknown Status = iota
	StatusUnplugged
	StatusCharging
	StatusFull
)

func (s Status) String() string {
	switch s {
	case StatusUnplugged:
		return "unplugged"
	case StatusCharging:
		return "charging"
	case StatusFull:
		return "full"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "unknown", "":
		*s = StatusUnknown
	case "unplugged":
		*s = StatusUnplugged
	case "charging":
		*s = StatusCharging
	case "full":
		*s = StatusFull
	default:
		return fmt.Errorf("invalid battery status %q", string(b))
	}
	return nil
}

// State is the battery store state. Level is a percentage in [0, 100].
type State struct {
	MonitoringEnabled bool   `json:"monitoring_enabled"`
	Status            Status `json:"status"`
	Level             int    `json:"level"`
}

// InitialState is the state of a fresh store.
func InitialState() State {
	return State{MonitoringEnabled: false, Status: StatusUnknown, Level: 0}
}

// Action is a marker interface for battery actions.
type Action interface {
	batteryAction()
}

// SetMonitoringEnabled turns polling on or off.
type SetMonitoringEnabled struct {
	Enabled bool `json:"enabled"`
}

// SetStatus records the charging state.
type SetStatus struct {
	Status Status `json:"status"`
}

// SetLevel records the charge as a fraction in [0, 1].
type SetLevel struct {
	Level float64 `json:"level"`
}

func (SetMonitoringEnabled) batteryAction() {}
func (SetStatus) batteryAction()            {}
func (SetLevel) batteryAction()             {}

func (a SetMonitoringEnabled) String() string {
	return fmt.Sprintf("SetMonitoringEnabled(%t)", a.Enabled)
}
func (a SetStatus) String() string { return fmt.Sprintf("SetStatus(%s)", a.Status) }
func (a SetLevel) String() string  { return fmt.Sprintf("SetLevel(%g)", a.Level) }

// Reduce is the battery reducer.
func Reduce(s State, a Action, _ store.Site) (State, error) {
	switch a := a.(type) {
	case SetMonitoringEnabled:
		s.MonitoringEnabled = a.Enabled
	case SetStatus:
		s.Status = a.Status
	case SetLevel:
		s.Level = levelPercent(a.Level)
	}
	return s, nil
}

// levelPercent converts a fraction to a rounded percentage clamped to
// [0, 100]. Readings below zero mean "no reading".
func levelPercent(v float64) int {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	p := math.Round(v * 100)
	if p > 100 {
		return 100
	}
	return int(p)
}

// Config wires the battery namespace.
type Config struct {
	Provider     Provider
	PollInterval time.Duration
	Logger       *slog.Logger
}

// NewNamespace returns the battery namespace. Each store built from it gets
// its own monitor middleware.
func NewNamespace(cfg Config) store.Namespace[State, Action] {
	return store.Namespace[State, Action]{
		ID: "battery",
		Reducers: func() []store.Reducer[State, Action] {
			return []store.Reducer[State, Action]{store.ReducerFunc[State, Action](Reduce)}
		},
		Middleware: func() []store.Middleware[State, Action] {
			if cfg.Provider == nil {
				return nil
			}
			return []store.Middleware[State, Action]{NewMonitor(cfg.Provider, cfg.PollInterval, cfg.Logger)}
		},
	}
}

// NewStore builds a battery store in its initial state.
func NewStore(cfg Config, opts ...store.Option[State, Action]) *store.Store[State, Action] {
	return NewNamespace(cfg).Store(InitialState(), opts...)
}
