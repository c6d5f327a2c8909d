package callstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callcore/pkg/fsm"
)

type fakeCaller struct {
	mu       sync.Mutex
	joinErrs []error
	joins    int
	accepts  int
	rejected []string
	block    chan struct{}
}

func (c *fakeCaller) Join(ctx context.Context, _ JoinOptions) error {
	c.mu.Lock()
	c.joins++
	var err error
	if len(c.joinErrs) > 0 {
		err, c.joinErrs = c.joinErrs[0], c.joinErrs[1:]
	}
	block := c.block
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (c *fakeCaller) Accept(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accepts++
	return nil
}

func (c *fakeCaller) Reject(_ context.Context, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected = append(c.rejected, reason)
	return nil
}

func (c *fakeCaller) joinCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joins
}

var noDelay = RetryPolicy{MaxRetries: 3, Delay: func(int) time.Duration { return 0 }}

func newTestMachine(t *testing.T, c Caller, retry RetryPolicy) *Machine {
	t.Helper()
	m := New(c, Options{Retry: retry})
	t.Cleanup(m.Close)
	return m
}

// collect reads stage IDs until stop is seen or the timeout expires.
func collect(t *testing.T, sub *fsm.Subscription[Stage], stop fsm.ID, skip int) []fsm.ID {
	t.Helper()
	var ids []fsm.ID
	timeout := time.After(time.Second)
	for {
		select {
		case st := <-sub.C():
			ids = append(ids, st.ID())
			if st.ID() == stop && len(ids) > skip {
				return ids
			}
		case <-timeout:
			t.Fatalf("stage %s not reached, saw %v", stop, ids)
		}
	}
}

func TestTransitions_Valid(t *testing.T) {
	require.NoError(t, Transitions.Validate(All...))
	assert.True(t, Transitions.Allows(Joining, Joining))
	assert.True(t, Transitions.Allows(Error, Error))
	assert.False(t, Transitions.Allows(Idle, Joined))
	assert.False(t, Transitions.Allows(Accepted, Idle))
}

func TestJoin_Succeeds(t *testing.T) {
	c := &fakeCaller{}
	m := newTestMachine(t, c, noDelay)
	sub := m.Subscribe()
	defer sub.Close()

	require.NoError(t, m.Join(JoinOptions{Create: true}))

	assert.Equal(t, []fsm.ID{Idle, Joining, Joined}, collect(t, sub, Joined, 0))
	assert.Equal(t, 1, c.joinCount())
}

func TestJoin_RetriesThenSucceeds(t *testing.T) {
	c := &fakeCaller{joinErrs: []error{errors.New("503"), errors.New("503")}}
	m := newTestMachine(t, c, noDelay)
	sub := m.Subscribe()
	defer sub.Close()

	require.NoError(t, m.Join(JoinOptions{}))

	assert.Equal(t, []fsm.ID{Idle, Joining, Joining, Joining, Joined}, collect(t, sub, Joined, 0))
	assert.Equal(t, 3, c.joinCount())
}

func TestJoin_ExhaustedGoesThroughErrorToIdle(t *testing.T) {
	boom := errors.New("unauthorized")
	c := &fakeCaller{joinErrs: []error{boom, boom, boom}}
	m := newTestMachine(t, c, RetryPolicy{MaxRetries: 2, Delay: func(int) time.Duration { return 0 }})
	sub := m.Subscribe()
	defer sub.Close()

	require.NoError(t, m.Join(JoinOptions{}))

	assert.Equal(t, []fsm.ID{Idle, Joining, Joining, Error, Idle}, collect(t, sub, Idle, 1))
	assert.Equal(t, 2, c.joinCount())
	assert.ErrorIs(t, m.LastError(), boom)
}

func TestJoin_ClearsPreviousError(t *testing.T) {
	boom := errors.New("unauthorized")
	c := &fakeCaller{joinErrs: []error{boom}}
	m := newTestMachine(t, c, RetryPolicy{MaxRetries: 1, Delay: func(int) time.Duration { return 0 }})
	ctx := context.Background()

	require.NoError(t, m.Join(JoinOptions{}))
	require.Eventually(t, func() bool { return m.LastError() != nil && m.Stage() == Idle }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Join(JoinOptions{}))
	_, err := m.WaitFor(ctx, Joined)
	require.NoError(t, err)
	assert.NoError(t, m.LastError())
}

func TestAcceptThenJoin(t *testing.T) {
	c := &fakeCaller{}
	m := newTestMachine(t, c, noDelay)
	ctx := context.Background()

	require.NoError(t, m.Accept())
	_, err := m.WaitFor(ctx, Accepted)
	require.NoError(t, err)

	require.NoError(t, m.Join(JoinOptions{}))
	_, err = m.WaitFor(ctx, Joined)
	require.NoError(t, err)

	require.NoError(t, m.Leave())
	assert.Equal(t, Idle, m.Stage())
}

func TestRejectThenLeave(t *testing.T) {
	c := &fakeCaller{}
	m := newTestMachine(t, c, noDelay)

	require.NoError(t, m.Reject("busy"))
	_, err := m.WaitFor(context.Background(), Rejected)
	require.NoError(t, err)
	assert.Equal(t, []string{"busy"}, c.rejected)

	require.NoError(t, m.Leave())
	assert.Equal(t, Idle, m.Stage())
}

func TestInvalidTransitions(t *testing.T) {
	m := newTestMachine(t, &fakeCaller{}, noDelay)

	err := m.Leave()
	var invalid *fsm.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, Idle, invalid.From)
	assert.Equal(t, Idle, invalid.To)

	require.NoError(t, m.Reject(""))
	_, err = m.WaitFor(context.Background(), Rejected)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Accept(), fsm.ErrInvalidTransition)
	assert.Equal(t, Rejected, m.Stage())
}

func TestClose_CancelsJoin(t *testing.T) {
	c := &fakeCaller{block: make(chan struct{})}
	m := New(c, Options{Retry: noDelay})

	require.NoError(t, m.Join(JoinOptions{}))
	require.Eventually(t, func() bool { return c.joinCount() == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		m.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close blocked on join")
	}
	assert.Equal(t, Joining, m.Stage())
	assert.ErrorIs(t, m.Join(JoinOptions{}), fsm.ErrClosed)
}

func TestWaitFor_HonorsContext(t *testing.T) {
	m := newTestMachine(t, &fakeCaller{}, noDelay)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.WaitFor(ctx, Joined)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
