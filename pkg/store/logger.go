package store

import (
	"log/slog"
	"time"
)

// Record describes one processed action.
type Record[S, A any] struct {
	TaskID    string
	Namespace string
	Action    A
	Site      Site
	// State is the state after the action for DidComplete, and the unchanged
	// state for DidFail and DidSkip.
	State    S
	Duration time.Duration
}

// Logger is notified after every action leaves the dispatch pipeline.
// Calls happen on the store loop and must not block.
type Logger[S, A any] interface {
	DidComplete(rec Record[S, A])
	DidFail(rec Record[S, A], err error)
	DidSkip(rec Record[S, A])
}

// SlogLogger writes action outcomes to a slog.Logger.
type SlogLogger[S, A any] struct {
	L *slog.Logger
}

// NewSlogLogger returns a Logger writing to l, or slog.Default when l is nil.
func NewSlogLogger[S, A any](l *slog.Logger) *SlogLogger[S, A] {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger[S, A]{L: l}
}

func (l *SlogLogger[S, A]) DidComplete(rec Record[S, A]) {
	l.L.Debug("store action completed",
		"store", rec.Namespace,
		"action", ActionName(rec.Action),
		"task", rec.TaskID,
		"site", rec.Site.String(),
		"duration", rec.Duration)
}

func (l *SlogLogger[S, A]) DidFail(rec Record[S, A], err error) {
	l.L.Warn("store action failed",
		"store", rec.Namespace,
		"action", ActionName(rec.Action),
		"task", rec.TaskID,
		"site", rec.Site.String(),
		"error", err)
}

func (l *SlogLogger[S, A]) DidSkip(rec Record[S, A]) {
	l.L.Debug("store action skipped",
		"store", rec.Namespace,
		"action", ActionName(rec.Action),
		"task", rec.TaskID,
		"site", rec.Site.String())
}

// MultiLogger fans a record out to several loggers in order.
type MultiLogger[S, A any] []Logger[S, A]

func (m MultiLogger[S, A]) DidComplete(rec Record[S, A]) {
	for _, l := range m {
		l.DidComplete(rec)
	}
}

func (m MultiLogger[S, A]) DidFail(rec Record[S, A], err error) {
	for _, l := range m {
		l.DidFail(rec, err)
	}
}

func (m MultiLogger[S, A]) DidSkip(rec Record[S, A]) {
	for _, l := range m {
		l.DidSkip(rec)
	}
}
