package store

// Coordinator decides whether an action is worth applying to the current
// state. Skipped actions reach neither reducers nor middleware.
type Coordinator[S, A any] interface {
	ShouldExecute(action A, state S) bool
}

// CoordinatorFunc adapts a function to the Coordinator interface.
type CoordinatorFunc[S, A any] func(action A, state S) bool

func (f CoordinatorFunc[S, A]) ShouldExecute(action A, state S) bool { return f(action, state) }

type executeAll[S, A any] struct{}

func (executeAll[S, A]) ShouldExecute(A, S) bool { return true }
