package audio

import (
	"log/slog"
	"sync"

	"callcore/pkg/store"
)

// Session is the platform audio session the store drives.
type Session interface {
	SetActive(active bool) error
	Configure(c Config) error
	OverrideOutput(p PortOverride) error
	// RouteChanges and Interruptions stream session events. Both channels
	// are closed when the session goes away.
	RouteChanges() <-chan Route
	Interruptions() <-chan bool
}

// SessionMiddleware pushes activation, configuration and output override
// changes to the session. When the session refuses a change, it dispatches
// the last value the session accepted so the state follows the session.
//
// The session starts out unconfigured. The first configuration change or
// activation pushes the whole configuration, override included.
type SessionMiddleware struct {
	store.Outlet[Action]

	session Session
	log     *slog.Logger

	// applied is the state last accepted by the session. Its Config is only
	// meaningful once configured is set.
	applied    State
	configured bool
}

func NewSessionMiddleware(session Session, logger *slog.Logger) *SessionMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionMiddleware{session: session, log: logger}
}

func (m *SessionMiddleware) Apply(s State, a Action, _ store.Site) {
	switch a.(type) {
	case SetActive:
		if s.Active == m.applied.Active {
			return
		}
		if s.Active && !m.configured {
			if err := m.configure(s.Config); err != nil {
				m.Send(SetActive{Active: false})
				return
			}
		}
		if err := m.session.SetActive(s.Active); err != nil {
			m.log.Warn("audio session activation failed", "active", s.Active, "error", err)
			m.Send(SetActive{Active: m.applied.Active})
			return
		}
		m.applied.Active = s.Active

	case SetConfig:
		if !m.configured {
			// On failure the state keeps the config and activation retries it.
			_ = m.configure(s.Config)
			return
		}
		want := s.Config
		want.OverrideOutput = m.applied.Config.OverrideOutput
		if want == m.applied.Config {
			return
		}
		if err := m.session.Configure(want); err != nil {
			m.log.Warn("audio session configuration failed", "config", want, "error", err)
			m.Send(configOf(m.applied.Config))
			return
		}
		m.applied.Config = want

	case SetOverrideOutput:
		if !m.configured {
			if err := m.configure(s.Config); err != nil {
				m.Send(SetOverrideOutput{Port: OverrideNone})
			}
			return
		}
		if s.Config.OverrideOutput == m.applied.Config.OverrideOutput {
			return
		}
		if err := m.session.OverrideOutput(s.Config.OverrideOutput); err != nil {
			m.log.Warn("audio output override failed", "port", s.Config.OverrideOutput, "error", err)
			m.Send(SetOverrideOutput{Port: m.applied.Config.OverrideOutput})
			return
		}
		m.applied.Config.OverrideOutput = s.Config.OverrideOutput
	}
}

// configure pushes c to a session that has not been configured yet. Only a
// refused configuration is returned; a refused override is reverted in the
// state like any other override failure.
func (m *SessionMiddleware) configure(c Config) error {
	base := c
	base.OverrideOutput = OverrideNone
	if err := m.session.Configure(base); err != nil {
		m.log.Warn("audio session configuration failed", "config", base, "error", err)
		return err
	}
	m.applied.Config = base
	m.configured = true

	if c.OverrideOutput == OverrideNone {
		return nil
	}
	if err := m.session.OverrideOutput(c.OverrideOutput); err != nil {
		m.log.Warn("audio output override failed", "port", c.OverrideOutput, "error", err)
		m.Send(SetOverrideOutput{Port: OverrideNone})
		return nil
	}
	m.applied.Config.OverrideOutput = c.OverrideOutput
	return nil
}

// MemorySession is an in-process Session. Route and interruption events are
// injected with PushRoute and Interrupt.
type MemorySession struct {
	mu       sync.Mutex
	active   bool
	config   Config
	override PortOverride
	failNext error
	calls    []string

	routes        chan Route
	interruptions chan bool
	closeOnce     sync.Once
}

func NewMemorySession() *MemorySession {
	return &MemorySession{
		override:      OverrideNone,
		routes:        make(chan Route, 16),
		interruptions: make(chan bool, 16),
	}
}

// FailNext makes the next session call return err.
func (m *MemorySession) FailNext(err error) {
	m.mu.Lock()
	m.failNext = err
	m.mu.Unlock()
}

func (m *MemorySession) record(call string) error {
	m.calls = append(m.calls, call)
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *MemorySession) SetActive(active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("SetActive"); err != nil {
		return err
	}
	m.active = active
	return nil
}

func (m *MemorySession) Configure(c Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("Configure"); err != nil {
		return err
	}
	m.config = c
	return nil
}

func (m *MemorySession) OverrideOutput(p PortOverride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("OverrideOutput"); err != nil {
		return err
	}
	m.override = p
	return nil
}

// Active reports the last accepted activation.
func (m *MemorySession) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Config reports the last accepted configuration and output override.
func (m *MemorySession) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.config
	c.OverrideOutput = m.override
	return c
}

// Calls lists the session methods invoked so far.
func (m *MemorySession) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *MemorySession) RouteChanges() <-chan Route { return m.routes }
func (m *MemorySession) Interruptions() <-chan bool { return m.interruptions }

// PushRoute reports a route change.
func (m *MemorySession) PushRoute(r Route) { m.routes <- r }

// Interrupt reports the start (true) or end (false) of an interruption.
func (m *MemorySession) Interrupt(begin bool) { m.interruptions <- begin }

// Close ends both event streams.
func (m *MemorySession) Close() error {
	m.closeOnce.Do(func() {
		close(m.routes)
		close(m.interruptions)
	})
	return nil
}
