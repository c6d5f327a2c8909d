package permissions

import (
	"context"

	"callcore/pkg/store"
)

// Permissions is the call-site API over a permissions store.
type Permissions struct {
	store *store.Store[State, Action]
}

func New(s *store.Store[State, Action]) *Permissions {
	return &Permissions{store: s}
}

// Store returns the backing store.
func (p *Permissions) Store() *store.Store[State, Action] { return p.store }

// RequestMicrophone asks for microphone access if it is still unknown and
// waits for the answer.
func (p *Permissions) RequestMicrophone(ctx context.Context) (bool, error) {
	return p.Request(ctx, Microphone)
}

// RequestCamera asks for camera access if it is still unknown and waits for
// the answer.
func (p *Permissions) RequestCamera(ctx context.Context) (bool, error) {
	return p.Request(ctx, Camera)
}

// Request waits until the permission for k is settled and reports whether it
// was granted. A request is dispatched only when the permission is Unknown;
// a request already in flight is joined.
func (p *Permissions) Request(ctx context.Context, k Kind) (bool, error) {
	sub := store.Observe(p.store, func(s State) Permission { return s.Get(k) })
	defer sub.Close()

	if p.store.State().Get(k) == Unknown {
		p.store.Dispatch(Request{Kind: k})
	}

	for {
		select {
		case v, ok := <-sub.C():
			if !ok {
				return false, store.ErrClosed
			}
			if v.Settled() {
				return v == Granted, nil
			}
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (p *Permissions) HasMicrophone() bool { return p.store.State().Microphone == Granted }
func (p *Permissions) HasCamera() bool     { return p.store.State().Camera == Granted }

// CanRequestMicrophone reports whether asking would prompt the user.
func (p *Permissions) CanRequestMicrophone() bool { return p.store.State().Microphone == Unknown }
func (p *Permissions) CanRequestCamera() bool     { return p.store.State().Camera == Unknown }

// ObserveMicrophone streams whether microphone access is granted. The
// current value is sent first; Requesting never produces a change.
func (p *Permissions) ObserveMicrophone() *store.Subscription[bool] {
	return observeGranted(p.store, Microphone)
}

// ObserveCamera is ObserveMicrophone for the camera.
func (p *Permissions) ObserveCamera() *store.Subscription[bool] {
	return observeGranted(p.store, Camera)
}

func observeGranted(s *store.Store[State, Action], k Kind) *store.Subscription[bool] {
	return store.Observe(s, func(st State) bool { return st.Get(k) == Granted })
}
