package audio

import (
	"log/slog"
	"sync/atomic"

	"callcore/pkg/store"
)

// Recorder captures local audio.
type Recorder interface {
	Start() error
	Stop() error
}

// RecordingMiddleware runs the recorder while the state wants recording and
// reports the outcome with SetRecording.
type RecordingMiddleware struct {
	store.Outlet[Action]

	recorder Recorder
	log      *slog.Logger
	running  bool
}

func NewRecordingMiddleware(r Recorder, logger *slog.Logger) *RecordingMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordingMiddleware{recorder: r, log: logger}
}

func (m *RecordingMiddleware) Apply(s State, _ Action, _ store.Site) {
	want := s.WantsRecording()
	if want == m.running {
		return
	}

	if want {
		if err := m.recorder.Start(); err != nil {
			m.log.Warn("audio recorder start failed", "error", err)
			m.Send(SetRecording{Recording: false})
			return
		}
		m.running = true
		m.log.Debug("audio recorder started")
		m.Send(SetRecording{Recording: true})
		return
	}

	if err := m.recorder.Stop(); err != nil {
		m.log.Warn("audio recorder stop failed", "error", err)
	}
	m.running = false
	m.log.Debug("audio recorder stopped")
	m.Send(SetRecording{Recording: false})
}

// Close stops a running recorder.
func (m *RecordingMiddleware) Close() error {
	defer m.Detach()
	if !m.running {
		return nil
	}
	m.running = false
	return m.recorder.Stop()
}

// NullRecorder records nothing and counts starts and stops.
type NullRecorder struct {
	starts atomic.Int32
	stops  atomic.Int32
}

func (r *NullRecorder) Start() error { r.starts.Add(1); return nil }
func (r *NullRecorder) Stop() error  { r.stops.Add(1); return nil }

// Counts returns how often Start and Stop were called.
func (r *NullRecorder) Counts() (starts, stops int) {
	return int(r.starts.Load()), int(r.stops.Load())
}
