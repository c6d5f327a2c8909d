package permissions

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callcore/pkg/store"
)

// fakeProvider answers requests once release is closed.
type fakeProvider struct {
	status   map[Kind]Permission
	grant    bool
	err      error
	release  chan struct{}
	requests atomic.Int32
}

func newFakeProvider(grant bool) *fakeProvider {
	return &fakeProvider{grant: grant, release: make(chan struct{})}
}

func (f *fakeProvider) Status(_ context.Context, k Kind) (Permission, error) {
	return f.status[k], nil
}

func (f *fakeProvider) Request(ctx context.Context, _ Kind) (bool, error) {
	f.requests.Add(1)
	select {
	case <-f.release:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	return f.grant, f.err
}

func newTestPermissions(t *testing.T, p Provider) *Permissions {
	t.Helper()
	s := NewStore(p, nil)
	t.Cleanup(func() { _ = s.Close() })
	return New(s)
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestRequestMicrophone_RequestingThenGranted(t *testing.T) {
	fp := newFakeProvider(true)
	p := newTestPermissions(t, fp)
	s := p.Store()

	require.NoError(t, s.DispatchWait(context.Background(), RequestMicrophone()))
	assert.Equal(t, Requesting, s.State().Microphone)
	assert.Equal(t, Unknown, s.State().Camera)

	close(fp.release)
	waitUntil(t, time.Second, func() bool { return s.State().Microphone == Granted })
	assert.True(t, p.HasMicrophone())
	assert.False(t, p.CanRequestMicrophone())
}

func TestFacade_RequestWaitsForAnswer(t *testing.T) {
	fp := newFakeProvider(true)
	p := newTestPermissions(t, fp)

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ok, err := p.RequestMicrophone(context.Background())
		done <- result{ok, err}
	}()

	waitUntil(t, time.Second, func() bool { return p.Store().State().Microphone == Requesting })
	select {
	case <-done:
		t.Fatal("request returned before the provider answered")
	default:
	}

	close(fp.release)
	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.True(t, r.ok)
	case <-time.After(time.Second):
		t.Fatal("request never returned")
	}
}

func TestFacade_ProviderErrorIsDenied(t *testing.T) {
	fp := newFakeProvider(true)
	fp.err = errors.New("portal unavailable")
	close(fp.release)
	p := newTestPermissions(t, fp)

	ok, err := p.RequestCamera(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Denied, p.Store().State().Camera)
}

func TestFacade_SettledSkipsProvider(t *testing.T) {
	fp := newFakeProvider(false)
	p := newTestPermissions(t, fp)
	require.NoError(t, p.Store().DispatchWait(context.Background(), SetMicrophone(Granted)))

	ok, err := p.RequestMicrophone(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, fp.requests.Load())
}

func TestFacade_JoinsRequestInFlight(t *testing.T) {
	fp := newFakeProvider(false)
	p := newTestPermissions(t, fp)

	first := make(chan bool, 1)
	go func() {
		ok, _ := p.RequestMicrophone(context.Background())
		first <- ok
	}()
	waitUntil(t, time.Second, func() bool { return p.Store().State().Microphone == Requesting })

	second := make(chan bool, 1)
	go func() {
		ok, _ := p.RequestMicrophone(context.Background())
		second <- ok
	}()

	close(fp.release)
	assert.False(t, <-first)
	assert.False(t, <-second)
	assert.Equal(t, int32(1), fp.requests.Load())
}

func TestFacade_RequestHonorsContext(t *testing.T) {
	p := newTestPermissions(t, newFakeProvider(true))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.RequestMicrophone(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFacade_ObserveMicrophone(t *testing.T) {
	fp := newFakeProvider(true)
	p := newTestPermissions(t, fp)

	sub := p.ObserveMicrophone()
	defer sub.Close()
	assert.False(t, <-sub.C())

	require.NoError(t, p.Store().DispatchWait(context.Background(), RequestMicrophone()))
	close(fp.release)

	select {
	case v := <-sub.C():
		assert.True(t, v)
	case <-time.After(time.Second):
		t.Fatal("no change observed")
	}
}

func TestAccessMiddleware_RefreshesOnAttach(t *testing.T) {
	fp := newFakeProvider(false)
	fp.status = map[Kind]Permission{Microphone: Granted, Camera: Denied}
	p := newTestPermissions(t, fp)

	waitUntil(t, time.Second, func() bool {
		st := p.Store().State()
		return st.Microphone == Granted && st.Camera == Denied
	})
}

func TestAccessMiddleware_CloseCancelsPending(t *testing.T) {
	fp := newFakeProvider(true)
	s := NewStore(fp, nil)
	require.NoError(t, s.DispatchWait(context.Background(), RequestMicrophone()))
	waitUntil(t, time.Second, func() bool { return fp.requests.Load() == 1 })

	closed := make(chan struct{})
	go func() {
		_ = s.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close blocked on a pending request")
	}
	assert.ErrorIs(t, s.Dispatch(RequestCamera()).Err(), store.ErrClosed)
}

func TestDeviceProvider(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pcmC0D0c"), nil, 0o600))

	p := DeviceProvider{
		MicrophoneGlob: filepath.Join(dir, "pcmC*D*c"),
		CameraGlob:     filepath.Join(dir, "video*"),
	}

	st, err := p.Status(context.Background(), Microphone)
	require.NoError(t, err)
	assert.Equal(t, Granted, st)

	ok, err := p.Request(context.Background(), Camera)
	require.NoError(t, err)
	assert.False(t, ok, "no camera node exists")
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("camera")
	require.NoError(t, err)
	assert.Equal(t, Camera, k)

	_, err = ParseKind("speaker")
	assert.Error(t, err)
}

func TestState_JSON(t *testing.T) {
	b, err := json.Marshal(State{Microphone: Granted, Camera: Requesting})
	require.NoError(t, err)
	assert.JSONEq(t, `{"microphone":"granted","camera":"requesting"}`, string(b))

	var st State
	require.NoError(t, json.Unmarshal(b, &st))
	assert.Equal(t, State{Microphone: Granted, Camera: Requesting}, st)

	assert.Error(t, json.Unmarshal([]byte(`{"microphone":"maybe"}`), &st))
}
