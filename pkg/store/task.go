package store

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle of a dispatched batch.
type TaskStatus int32

const (
	TaskIdle TaskStatus = iota
	TaskRunning
	TaskCompleted
	TaskFailed
)

func (s TaskStatus) String() string {
	switch s {
	case TaskIdle:
		return "idle"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Task is the handle returned by Dispatch. It completes once every action of
// its batch went through reducers and middleware, or the batch aborted.
type Task struct {
	id     string
	status atomic.Int32
	done   chan struct{}
	err    error
}

func newTask() *Task {
	return &Task{
		id:   uuid.NewString(),
		done: make(chan struct{}),
	}
}

func (t *Task) ID() string { return t.id }

func (t *Task) Status() TaskStatus { return TaskStatus(t.status.Load()) }

// Done is closed when the task finishes.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the batch error. It is only meaningful after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx is done. Giving up on the wait
// does not cancel the batch.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) start() { t.status.Store(int32(TaskRunning)) }

func (t *Task) finish(err error) {
	t.err = err
	if err != nil {
		t.status.Store(int32(TaskFailed))
	} else {
		t.status.Store(int32(TaskCompleted))
	}
	close(t.done)
}
