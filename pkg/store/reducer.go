package store

// Reducer computes the next state for an action. Reducers must be pure: no
// I/O, no hidden mutable state. Returning an error aborts the remaining
// reducers for that action and leaves the published state untouched.
type Reducer[S, A any] interface {
	Reduce(state S, action A, site Site) (S, error)
}

// ReducerFunc adapts a function to the Reducer interface.
type ReducerFunc[S, A any] func(state S, action A, site Site) (S, error)

func (f ReducerFunc[S, A]) Reduce(state S, action A, site Site) (S, error) {
	return f(state, action, site)
}

// reduceAll folds action through reducers in order.
func reduceAll[S, A any](reducers []entry[Reducer[S, A]], state S, action A, site Site) (S, error) {
	next := state
	for _, r := range reducers {
		var err error
		next, err = r.v.Reduce(next, action, site)
		if err != nil {
			return state, err
		}
	}
	return next, nil
}
