package permissions

import (
	"context"
	"log/slog"
	"sync"

	"callcore/pkg/store"
)

// Provider talks to the OS permission system.
type Provider interface {
	// Status returns the current permission without prompting. Unknown
	// means the OS has not decided yet.
	Status(ctx context.Context, k Kind) (Permission, error)
	// Request prompts for access if needed and reports whether it was
	// granted.
	Request(ctx context.Context, k Kind) (bool, error)
}

// AccessMiddleware performs permission requests off the store loop. Provider
// failures are reported as Denied.
type AccessMiddleware struct {
	store.Outlet[Action]

	provider Provider
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewAccessMiddleware(p Provider, logger *slog.Logger) *AccessMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AccessMiddleware{provider: p, log: logger, ctx: ctx, cancel: cancel}
}

// Attach reads the current status once the middleware can dispatch.
func (m *AccessMiddleware) Attach(out store.Outbox[Action]) {
	m.Outlet.Attach(out)
	m.spawn(m.refresh)
}

func (m *AccessMiddleware) Apply(_ State, a Action, _ store.Site) {
	switch a := a.(type) {
	case Request:
		m.spawn(func(ctx context.Context) { m.request(ctx, a.Kind) })
	case Refresh:
		m.spawn(m.refresh)
	}
}

func (m *AccessMiddleware) spawn(fn func(ctx context.Context)) {
	if m.ctx.Err() != nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(m.ctx)
	}()
}

func (m *AccessMiddleware) request(ctx context.Context, k Kind) {
	granted, err := m.provider.Request(ctx, k)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.log.Warn("permission request failed", "kind", k, "error", err)
		m.Send(Set{Kind: k, Permission: Denied})
		return
	}
	p := Denied
	if granted {
		p = Granted
	}
	m.log.Debug("permission request answered", "kind", k, "permission", p)
	m.Send(Set{Kind: k, Permission: p})
}

func (m *AccessMiddleware) refresh(ctx context.Context) {
	var updates []Action
	for _, k := range []Kind{Microphone, Camera} {
		p, err := m.provider.Status(ctx, k)
		if err != nil {
			m.log.Debug("permission status failed", "kind", k, "error", err)
			continue
		}
		if p == Unknown {
			continue
		}
		updates = append(updates, Set{Kind: k, Permission: p})
	}
	if len(updates) > 0 && ctx.Err() == nil {
		m.Send(updates...)
	}
}

// Close cancels pending requests and waits for them.
func (m *AccessMiddleware) Close() error {
	m.cancel()
	m.wg.Wait()
	m.Detach()
	return nil
}
