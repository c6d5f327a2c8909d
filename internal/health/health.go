// Package health serves the daemon liveness and readiness probes.
//
// /healthz always answers 200 while the process serves HTTP. /readyz answers
// 200 only when every registered Checker passes. Both respond with JSON:
// a "status" of "ok" or "fail" and, for /readyz, the result of each check.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

const checkTimeout = 2 * time.Second

// Checker is a named readiness check. Check returns nil when healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// CheckFunc builds a Checker from a context-free probe.
func CheckFunc(name string, fn func() error) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return fn() }}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probes. Checkers may be added while serving.
type Handler struct {
	mu       sync.RWMutex
	checkers []Checker
}

func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Add registers more checkers.
func (h *Handler) Add(checkers ...Checker) {
	h.mu.Lock()
	h.checkers = append(h.checkers, checkers...)
	h.mu.Unlock()
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs the checkers in order, each bounded by checkTimeout.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	checkers := append([]Checker(nil), h.checkers...)
	h.mu.RUnlock()

	res := result{Status: "ok", Checks: make(map[string]string, len(checkers))}
	status := http.StatusOK
	for _, c := range checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	writeJSON(w, status, res)
}

// Register adds GET /healthz and GET /readyz to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
