// Package sdp holds the audio codec preferences applied to local session
// descriptions and the rewriter that applies them.
package sdp

import (
	"fmt"

	"callcore/pkg/store"
)

// State is the SDP settings store state.
type State struct {
	OpusDTX         bool `json:"opus_dtx"`
	RedundantCoding bool `json:"redundant_coding"`
}

// Action is a marker interface for SDP settings actions.
type Action interface {
	sdpAction()
}

type (
	SetOpusDTX         struct{ Enabled bool }
	SetRedundantCoding struct{ Enabled bool }
)

func (SetOpusDTX) sdpAction()         {}
func (SetRedundantCoding) sdpAction() {}

func (a SetOpusDTX) String() string         { return fmt.Sprintf("SetOpusDTX(%t)", a.Enabled) }
func (a SetRedundantCoding) String() string { return fmt.Sprintf("SetRedundantCoding(%t)", a.Enabled) }

func Reduce(s State, a Action, _ store.Site) (State, error) {
	switch a := a.(type) {
	case SetOpusDTX:
		s.OpusDTX = a.Enabled
	case SetRedundantCoding:
		s.RedundantCoding = a.Enabled
	}
	return s, nil
}

var namespace = store.Namespace[State, Action]{
	ID: "sdp",
	Reducers: func() []store.Reducer[State, Action] {
		return []store.Reducer[State, Action]{store.ReducerFunc[State, Action](Reduce)}
	},
}

// NewStore builds a settings store starting from initial.
func NewStore(initial State, opts ...store.Option[State, Action]) *store.Store[State, Action] {
	return namespace.Store(initial, opts...)
}
