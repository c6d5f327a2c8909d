package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitFor reads from ch until want shows up.
func waitFor[V comparable](t *testing.T, ch <-chan V, want V) {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case v, ok := <-ch:
			require.True(t, ok, "stream ended before %v", want)
			if v == want {
				return
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %v", want)
		}
	}
}

// recv reads one value or fails.
func recv[V any](t *testing.T, ch <-chan V) V {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "stream ended")
		return v
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for value")
	}
	var zero V
	return zero
}

// assertQuiet fails if ch yields anything within a short window.
func assertQuiet[V any](t *testing.T, ch <-chan V) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected emission %v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestObserve_EmitsCurrentValueImmediately(t *testing.T) {
	s := newCounterStore(t)
	require.NoError(t, s.DispatchWait(context.Background(), add(3)))

	sub := Observe(s, func(st counterState) int { return st.Count })
	defer sub.Close()

	assert.Equal(t, 3, recv(t, sub.C()))
}

func TestObserve_DeduplicatesUnchangedField(t *testing.T) {
	s := newCounterStore(t)

	sub := Observe(s, func(st counterState) int { return st.Count })
	defer sub.Close()
	assert.Equal(t, 0, recv(t, sub.C()))

	// Changes another field only.
	require.NoError(t, s.DispatchWait(context.Background(), counterAction{Kind: "label", Label: "x"}))
	assertQuiet(t, sub.C())

	require.NoError(t, s.DispatchWait(context.Background(), add(2), add(0), add(1)))
	assert.Equal(t, 2, recv(t, sub.C()))
	assert.Equal(t, 3, recv(t, sub.C()))
	assertQuiet(t, sub.C())
}

func TestObserve_ReflectsBatchOrder(t *testing.T) {
	s := newCounterStore(t)

	sub := Observe(s, func(st counterState) int { return st.Count })
	defer sub.Close()
	recv(t, sub.C())

	require.NoError(t, s.DispatchWait(context.Background(), add(1), add(10), add(100)))

	assert.Equal(t, []int{1, 11, 111}, []int{recv(t, sub.C()), recv(t, sub.C()), recv(t, sub.C())})
}

func TestObserve_IndependentStreams(t *testing.T) {
	s := newCounterStore(t)

	a := Observe(s, func(st counterState) int { return st.Count })
	b := Observe(s, func(st counterState) int { return st.Count })
	defer b.Close()

	recv(t, a.C())
	recv(t, b.C())
	a.Close()

	require.NoError(t, s.DispatchWait(context.Background(), add(4)))
	assert.Equal(t, 4, recv(t, b.C()))
}

func TestObserve_SlowReaderDoesNotBlockStore(t *testing.T) {
	s := newCounterStore(t)

	sub := Observe(s, func(st counterState) int { return st.Count })
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 500; i++ {
		require.NoError(t, s.DispatchWait(ctx, add(1)))
	}
	assert.Equal(t, 500, s.State().Count)

	// Everything is still delivered, in order.
	for i := 0; i <= 500; i++ {
		require.Equal(t, i, recv(t, sub.C()))
	}
}

func TestObserveFunc_CustomEquality(t *testing.T) {
	s := newCounterStore(t)

	sub := ObserveFunc(s,
		func(st counterState) []int { return []int{st.Count % 2} },
		func(a, b []int) bool { return a[0] == b[0] })
	defer sub.Close()
	assert.Equal(t, []int{0}, recv(t, sub.C()))

	require.NoError(t, s.DispatchWait(context.Background(), add(2)))
	assertQuiet(t, sub.C())

	require.NoError(t, s.DispatchWait(context.Background(), add(1)))
	assert.Equal(t, []int{1}, recv(t, sub.C()))
}

func TestObserve_EndsOnClose(t *testing.T) {
	s := New(counterNamespace(), counterState{})
	sub := Observe(s, func(st counterState) int { return st.Count })
	recv(t, sub.C())

	require.NoError(t, s.Close())

	select {
	case _, ok := <-sub.C():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not ended by Close")
	}

	late := Observe(s, func(st counterState) int { return st.Count })
	select {
	case _, ok := <-late.C():
		assert.False(t, ok, "subscription after Close must be ended")
	case <-time.After(time.Second):
		t.Fatal("late subscription not ended")
	}
}
