package rtc

import (
	"fmt"
	"time"

	"callcore/pkg/fsm"
)

// StrategyKind says how to recover from a lost connection.
type StrategyKind int

const (
	StrategyUnknown StrategyKind = iota
	// StrategyDisconnected gives up and leaves the call.
	StrategyDisconnected
	// StrategyFast restarts ICE on the existing session.
	StrategyFast
	// StrategyRejoin tears the session down and joins again.
	StrategyRejoin
	// StrategyMigrate moves to another SFU.
	StrategyMigrate
)

func (k StrategyKind) String() string {
	switch k {
	case StrategyDisconnected:
		return "disconnected"
	case StrategyFast:
		return "fast"
	case StrategyRejoin:
		return "rejoin"
	case StrategyMigrate:
		return "migrate"
	default:
		return "unknown"
	}
}

// ParseStrategy parses a strategy kind name.
func ParseStrategy(s string) (StrategyKind, error) {
	for k := StrategyUnknown; k <= StrategyMigrate; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return StrategyUnknown, fmt.Errorf("unknown reconnection strategy %q", s)
}

// Strategy is the recovery plan for the current disconnect. DisconnectedSince
// and Deadline only matter for StrategyFast.
type Strategy struct {
	Kind              StrategyKind
	DisconnectedSince time.Time
	Deadline          time.Duration
}

func (s Strategy) String() string {
	if s.Kind == StrategyFast {
		return fmt.Sprintf("fast(since:%s deadline:%s)", s.DisconnectedSince.Format(time.RFC3339), s.Deadline)
	}
	return s.Kind.String()
}

// Fast returns a fast reconnect strategy started at since.
func Fast(since time.Time, deadline time.Duration) Strategy {
	return Strategy{Kind: StrategyFast, DisconnectedSince: since, Deadline: deadline}
}

// Next is the strategy to use when s did not work out. A failed fast
// reconnect escalates to a rejoin; other strategies stay as they are.
func (s Strategy) Next() Strategy {
	if s.Kind == StrategyFast {
		return Strategy{Kind: StrategyRejoin}
	}
	return s
}

// Expired reports whether a fast strategy ran past its deadline at now.
func (s Strategy) Expired(now time.Time) bool {
	return s.Kind == StrategyFast && now.Sub(s.DisconnectedSince) > s.Deadline
}

// NextAfterDisconnect picks the stage that follows disconnected. Without a
// strategy the session is left; the coordinator fails it instead when a
// recovery step had already failed.
func NextAfterDisconnect(s Strategy, now time.Time) fsm.ID {
	switch s.Kind {
	case StrategyFast:
		if s.Expired(now) {
			return Rejoining
		}
		return FastReconnecting
	case StrategyRejoin:
		return Rejoining
	case StrategyMigrate:
		return Migrating
	default:
		return Leaving
	}
}
