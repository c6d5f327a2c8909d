package battery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"callcore/pkg/store"
)

const defaultPollInterval = 30 * time.Second

// Reading is one sample from a Provider. Level is a fraction in [0, 1].
type Reading struct {
	Status Status
	Level  float64
}

// Provider samples the power supply.
type Provider interface {
	Read(ctx context.Context) (Reading, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (Reading, error)

func (f ProviderFunc) Read(ctx context.Context) (Reading, error) { return f(ctx) }

// Monitor is the middleware that polls the provider while monitoring is
// enabled. A failed read is reported as StatusUnknown.
type Monitor struct {
	store.Outlet[Action]

	provider Provider
	interval time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor returns a monitor polling every interval (30s when zero).
func NewMonitor(p Provider, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{provider: p, interval: interval, log: logger}
}

func (m *Monitor) Apply(s State, a Action, _ store.Site) {
	if _, ok := a.(SetMonitoringEnabled); !ok {
		return
	}
	if s.MonitoringEnabled {
		m.start()
	} else {
		m.stop()
	}
}

// Running reports whether the poll loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

func (m *Monitor) start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.poll(ctx, m.done)
	m.log.Debug("battery monitoring started", "interval", m.interval)
}

func (m *Monitor) stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.log.Debug("battery monitoring stopped")
}

func (m *Monitor) poll(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

func (m *Monitor) sample(ctx context.Context) {
	r, err := m.provider.Read(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.log.Debug("battery read failed", "error", err)
		m.Send(SetStatus{Status: StatusUnknown})
		return
	}
	m.Send(SetStatus{Status: r.Status}, SetLevel{Level: r.Level})
}

// Close stops polling.
func (m *Monitor) Close() error {
	m.stop()
	m.Detach()
	return nil
}
