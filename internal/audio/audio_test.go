package audio

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callcore/pkg/store"
)

type skipCounter struct {
	skips atomic.Int32
}

func (*skipCounter) DidComplete(store.Record[State, Action])    {}
func (*skipCounter) DidFail(store.Record[State, Action], error) {}
func (c *skipCounter) DidSkip(store.Record[State, Action])      { c.skips.Add(1) }

type fixture struct {
	store    *store.Store[State, Action]
	session  *MemorySession
	recorder *NullRecorder
}

func newFixture(t *testing.T, opts ...store.Option[State, Action]) fixture {
	t.Helper()
	f := fixture{session: NewMemorySession(), recorder: &NullRecorder{}}
	f.store = NewStore(Deps{Session: f.session, Recorder: f.recorder}, opts...)
	t.Cleanup(func() {
		_ = f.store.Close()
		_ = f.session.Close()
	})
	return f
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func countCalls(calls []string, name string) int {
	n := 0
	for _, c := range calls {
		if c == name {
			n++
		}
	}
	return n
}

func TestSetConfig_Valid(t *testing.T) {
	f := newFixture(t)

	err := f.store.DispatchWait(context.Background(), SetConfig{
		Category: CategoryPlayback,
		Mode:     ModeSpokenAudio,
		Options:  OptionDuckOthers,
	})
	require.NoError(t, err)

	got := f.store.State().Config
	assert.Equal(t, CategoryPlayback, got.Category)
	assert.Equal(t, ModeSpokenAudio, got.Mode)
	assert.Equal(t, OptionDuckOthers, got.Options)
	assert.Equal(t, got, f.session.Config())
}

func TestSetConfig_InvalidFailsReduction(t *testing.T) {
	f := newFixture(t)
	before := f.store.State()

	err := f.store.DispatchWait(context.Background(), SetConfig{
		Category: CategoryRecord,
		Mode:     ModeVoiceChat,
	})
	var cfgErr *InvalidConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, CategoryRecord, cfgErr.Category)

	assert.Equal(t, before.Config, f.store.State().Config)
	assert.Empty(t, f.session.Calls(), "session untouched")
}

func TestSetConfig_InvalidAbortsBatch(t *testing.T) {
	f := newFixture(t)

	err := f.store.DispatchWait(context.Background(),
		SetConfig{Category: CategoryAmbient, Mode: ModeVideoChat},
		SetShouldRecord{ShouldRecord: true},
	)
	require.Error(t, err)
	assert.False(t, f.store.State().ShouldRecord)
}

func TestSetOverrideOutput_UnknownPortFailsReduction(t *testing.T) {
	f := newFixture(t)
	before := f.store.State()

	err := f.store.DispatchWait(context.Background(), SetOverrideOutput{Port: "bogus"})
	var overrideErr *InvalidOverrideError
	require.ErrorAs(t, err, &overrideErr)
	assert.Equal(t, PortOverride("bogus"), overrideErr.Port)

	assert.Equal(t, before.Config, f.store.State().Config)
	assert.Equal(t, OverrideNone, f.store.State().Config.OverrideOutput)
	assert.Empty(t, f.session.Calls(), "session untouched")
}

func TestActivation_ConfiguresSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.DispatchWait(ctx, SetActive{Active: true}))
	assert.Equal(t, []string{"Configure", "SetActive"}, f.session.Calls())
	assert.Equal(t, InitialState().Config, f.session.Config())

	// Already applied, so nothing more reaches the session.
	require.NoError(t, f.store.DispatchWait(ctx, configOf(InitialState().Config)))
	assert.Equal(t, []string{"Configure", "SetActive"}, f.session.Calls())
	assert.Equal(t, f.store.State().Config, f.session.Config())
}

func TestActivation_PushesPendingOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The override is refused before the session ever got a configuration.
	f.session.FailNext(errors.New("not configured"))
	require.NoError(t, f.store.DispatchWait(ctx, SetOverrideOutput{Port: OverrideSpeaker}))
	waitUntil(t, func() bool { return f.store.State().Config.OverrideOutput == OverrideNone })

	require.NoError(t, f.store.DispatchWait(ctx, SetOverrideOutput{Port: OverrideSpeaker}, SetActive{Active: true}))
	want := InitialState().Config
	want.OverrideOutput = OverrideSpeaker
	assert.Equal(t, want, f.session.Config())
	assert.True(t, f.session.Active())
}

func TestSessionFailure_ConfigureBlocksActivation(t *testing.T) {
	f := newFixture(t)
	f.session.FailNext(errors.New("busy"))

	require.NoError(t, f.store.DispatchWait(context.Background(), SetActive{Active: true}))
	waitUntil(t, func() bool { return !f.store.State().Active })
	require.NoError(t, f.store.DispatchWait(context.Background()))
	assert.Equal(t, []string{"Configure"}, f.session.Calls())

	require.NoError(t, f.store.DispatchWait(context.Background(), SetActive{Active: true}))
	assert.True(t, f.session.Active())
	assert.Equal(t, InitialState().Config, f.session.Config())
}

func TestSessionFailure_RestoresState(t *testing.T) {
	f := newFixture(t)
	// Configure first so that the activation itself is refused.
	require.NoError(t, f.store.DispatchWait(context.Background(), SetOverrideOutput{Port: OverrideSpeaker}))
	f.session.FailNext(errors.New("busy"))

	require.NoError(t, f.store.DispatchWait(context.Background(), SetActive{Active: true}))
	waitUntil(t, func() bool { return !f.store.State().Active })

	// Barrier: the corrective action has been fully applied.
	require.NoError(t, f.store.DispatchWait(context.Background()))
	assert.Equal(t, 1, countCalls(f.session.Calls(), "SetActive"))
	assert.False(t, f.session.Active())

	require.NoError(t, f.store.DispatchWait(context.Background(), SetActive{Active: true}))
	assert.True(t, f.session.Active())
}

func TestOverrideOutput_FailureRestores(t *testing.T) {
	f := newFixture(t)
	f.session.FailNext(errors.New("no speaker"))

	require.NoError(t, f.store.DispatchWait(context.Background(), SetOverrideOutput{Port: OverrideSpeaker}))
	waitUntil(t, func() bool { return f.store.State().Config.OverrideOutput == OverrideNone })
}

func TestRecording_FollowsConditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.DispatchWait(ctx, SetShouldRecord{ShouldRecord: true}, SetActive{Active: true}))
	starts, _ := f.recorder.Counts()
	assert.Zero(t, starts, "no permission yet")

	require.NoError(t, f.store.DispatchWait(ctx, SetHasRecordingPermission{Granted: true}))
	waitUntil(t, func() bool { return f.store.State().Recording })

	require.NoError(t, f.store.DispatchWait(ctx, SetActive{Active: false}))
	waitUntil(t, func() bool { return !f.store.State().Recording })

	starts, stops := f.recorder.Counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
}

func TestCoordinator_SkipsUnchanged(t *testing.T) {
	counter := &skipCounter{}
	f := newFixture(t, store.WithLogger[State, Action](counter))

	require.NoError(t, f.store.DispatchWait(context.Background(),
		SetMicrophoneMuted{Muted: false},
		SetMicrophoneMuted{Muted: true},
		SetMicrophoneMuted{Muted: true},
		configOf(InitialState().Config),
	))
	assert.Equal(t, int32(3), counter.skips.Load())
	assert.True(t, f.store.State().MicrophoneMuted)
}

func TestRouteChangeEffect(t *testing.T) {
	f := newFixture(t)
	r := Route{
		Inputs:  []Port{{Type: PortBuiltInMic, Name: "Mic", ID: "mic0"}},
		Outputs: []Port{{Type: PortBluetoothA2DP, Name: "Buds", ID: "bt0"}},
	}

	f.session.PushRoute(r)
	waitUntil(t, func() bool { return f.store.State().Route.Equal(r) })

	got := f.store.State().Route
	assert.True(t, got.IsExternal())
	assert.False(t, got.IsSpeaker())
}

func TestInterruptionEffect_ReactivatesAfterEnd(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.DispatchWait(context.Background(), SetActive{Active: true}))

	f.session.Interrupt(true)
	waitUntil(t, func() bool { return f.store.State().Interrupted })

	f.session.Interrupt(false)
	waitUntil(t, func() bool { return countCalls(f.session.Calls(), "SetActive") == 3 })

	st := f.store.State()
	assert.False(t, st.Interrupted)
	assert.True(t, st.Active)
	assert.True(t, f.session.Active())
}

func TestObserveActive(t *testing.T) {
	f := newFixture(t)
	sub := store.Observe(f.store, func(s State) bool { return s.Active })
	defer sub.Close()

	assert.False(t, <-sub.C())
	f.store.Dispatch(SetActive{Active: true})
	assert.True(t, <-sub.C())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		cat  Category
		mode Mode
		opts Options
		ok   bool
	}{
		{CategoryPlayAndRecord, ModeVoiceChat, OptionAllowBluetoothHFP | OptionDefaultToSpeaker, true},
		{CategoryPlayback, ModeMoviePlayback, OptionAllowBluetoothA2DP, true},
		{CategoryPlayback, ModeMoviePlayback, OptionAllowBluetoothHFP, false},
		{CategoryRecord, ModeMeasurement, OptionDuckOthers, true},
		{CategoryAmbient, ModeVoiceChat, 0, false},
		{"stereo", ModeDefault, 0, false},
	}
	for _, tc := range cases {
		err := Validate(tc.cat, tc.mode, tc.opts)
		assert.Equal(t, tc.ok, err == nil, "%s/%s/%s", tc.cat, tc.mode, tc.opts)
	}
}

func TestOptions_JSON(t *testing.T) {
	b, err := json.Marshal(OptionDuckOthers | OptionDefaultToSpeaker)
	require.NoError(t, err)
	assert.JSONEq(t, `["duckOthers","defaultToSpeaker"]`, string(b))

	var o Options
	require.NoError(t, json.Unmarshal([]byte(`["mixWithOthers"]`), &o))
	assert.Equal(t, OptionMixWithOthers, o)

	assert.Error(t, json.Unmarshal([]byte(`["loud"]`), &o))
}

func TestSessionMiddleware_SkipsWhenAlreadyApplied(t *testing.T) {
	s := NewMemorySession()
	m := NewSessionMiddleware(s, nil)

	m.Apply(InitialState(), SetActive{}, store.Site{})
	assert.Empty(t, s.Calls())

	m.Apply(InitialState(), SetConfig{}, store.Site{})
	m.Apply(InitialState(), SetConfig{}, store.Site{})
	m.Apply(InitialState(), SetOverrideOutput{Port: OverrideNone}, store.Site{})
	assert.True(t, slices.Equal([]string{"Configure"}, s.Calls()))

	next := InitialState()
	next.Active = true
	m.Apply(next, SetActive{Active: true}, store.Site{})
	assert.True(t, slices.Equal([]string{"Configure", "SetActive"}, s.Calls()))
}
