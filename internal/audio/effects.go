package audio

import (
	"context"

	"callcore/pkg/store"
)

// RouteChangeEffect turns session route changes into SetRoute.
type RouteChangeEffect struct {
	Session Session
}

func (e RouteChangeEffect) Run(ctx context.Context, s *store.Store[State, Action]) error {
	changes := e.Session.RouteChanges()
	for {
		select {
		case <-ctx.Done():
			return nil
		case r, ok := <-changes:
			if !ok {
				return nil
			}
			s.Dispatch(SetRoute{Route: r})
		}
	}
}

// InterruptionEffect turns session interruptions into SetInterrupted. When
// an interruption ends on an active session the session is re-activated.
type InterruptionEffect struct {
	Session Session
}

func (e InterruptionEffect) Run(ctx context.Context, s *store.Store[State, Action]) error {
	events := e.Session.Interruptions()
	for {
		select {
		case <-ctx.Done():
			return nil
		case begin, ok := <-events:
			if !ok {
				return nil
			}
			if begin {
				s.Dispatch(SetInterrupted{Interrupted: true})
				continue
			}
			if s.State().Active {
				s.Dispatch(SetInterrupted{Interrupted: false}, SetActive{Active: false}, SetActive{Active: true})
			} else {
				s.Dispatch(SetInterrupted{Interrupted: false})
			}
		}
	}
}
