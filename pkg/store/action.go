package store

import (
	"fmt"
	"path/filepath"
	"runtime"
	"time"
)

// Site is the source location that dispatched an action.
type Site struct {
	File     string `json:"file"`
	Function string `json:"function"`
	Line     int    `json:"line"`
}

// CallerSite reports where the function calling CallerSite was called from,
// skipping skip additional frames.
func CallerSite(skip int) Site {
	pc, file, line, ok := runtime.Caller(skip + 2)
	if !ok {
		return Site{}
	}
	site := Site{File: file, Line: line}
	if fn := runtime.FuncForPC(pc); fn != nil {
		site.Function = fn.Name()
	}
	return site
}

func (s Site) String() string {
	if s.File == "" {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(s.File), s.Line)
}

// Box wraps an action with its dispatch policy.
//
// A failable box that fails to reduce is logged and skipped; the rest of its
// batch still runs. A normal box that fails aborts the batch.
type Box[A any] struct {
	Action      A
	Failable    bool
	DelayBefore time.Duration
	DelayAfter  time.Duration
}

// Normal boxes a single action with default policy.
func Normal[A any](a A) Box[A] { return Box[A]{Action: a} }

// Failable boxes an action whose reduction error must not abort its batch.
func Failable[A any](a A) Box[A] { return Box[A]{Action: a, Failable: true} }

// Boxes boxes every action with default policy.
func Boxes[A any](actions ...A) []Box[A] {
	out := make([]Box[A], len(actions))
	for i, a := range actions {
		out[i] = Normal(a)
	}
	return out
}

// Delayed returns a copy of b that sleeps before and after it is applied.
func (b Box[A]) Delayed(before, after time.Duration) Box[A] {
	b.DelayBefore = before
	b.DelayAfter = after
	return b
}

// ActionName is the label used for an action in logs and metrics.
func ActionName(a any) string {
	if s, ok := a.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", a)
}
