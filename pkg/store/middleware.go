package store

import "sync"

// Middleware observes every applied action together with the state the
// reducers produced for it. Side effects belong here, never in reducers.
//
// Apply runs on the store loop, so anything slow must be moved to a
// goroutine. Results are reported back as new actions through an Outbox.
type Middleware[S, A any] interface {
	Apply(state S, action A, site Site)
}

// MiddlewareFunc adapts a function to the Middleware interface.
type MiddlewareFunc[S, A any] func(state S, action A, site Site)

func (f MiddlewareFunc[S, A]) Apply(state S, action A, site Site) { f(state, action, site) }

// Attacher is implemented by middleware that dispatch follow-up actions.
// Attach is called once when the middleware joins a store.
//
// Middleware that also implement io.Closer are closed when removed from the
// store or when the store closes.
type Attacher[A any] interface {
	Attach(out Outbox[A])
}

// Outbox enqueues actions onto a store's queue. It never applies them on the
// calling goroutine, so sending from inside Apply cannot re-enter the
// dispatch in flight: the actions run in a later cycle.
//
// The zero Outbox drops everything.
type Outbox[A any] struct {
	push func(site Site, boxes []Box[A]) bool
}

// Send enqueues actions as one batch. It reports whether the store accepted
// them.
func (o Outbox[A]) Send(actions ...A) bool {
	return o.sendAt(CallerSite(0), Boxes(actions...))
}

// SendBoxes enqueues boxes as one batch.
func (o Outbox[A]) SendBoxes(boxes ...Box[A]) bool {
	return o.sendAt(CallerSite(0), boxes)
}

func (o Outbox[A]) sendAt(site Site, boxes []Box[A]) bool {
	if o.push == nil || len(boxes) == 0 {
		return false
	}
	return o.push(site, boxes)
}

// Outlet is embedded by middleware structs to implement Attacher and get a
// concurrency-safe Send.
type Outlet[A any] struct {
	mu  sync.RWMutex
	out Outbox[A]
}

// Attach implements Attacher.
func (o *Outlet[A]) Attach(out Outbox[A]) {
	o.mu.Lock()
	o.out = out
	o.mu.Unlock()
}

// Detach drops the outbox; later sends are ignored.
func (o *Outlet[A]) Detach() {
	o.mu.Lock()
	o.out = Outbox[A]{}
	o.mu.Unlock()
}

// Send enqueues actions on the attached store.
func (o *Outlet[A]) Send(actions ...A) bool {
	o.mu.RLock()
	out := o.out
	o.mu.RUnlock()
	return out.sendAt(CallerSite(0), Boxes(actions...))
}

// SendBoxes enqueues boxes on the attached store.
func (o *Outlet[A]) SendBoxes(boxes ...Box[A]) bool {
	o.mu.RLock()
	out := o.out
	o.mu.RUnlock()
	return out.sendAt(CallerSite(0), boxes)
}
