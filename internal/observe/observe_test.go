package observe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"callcore/pkg/fsm"
	"callcore/pkg/store"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere adds up the data points of an int64 sum whose attributes contain
// every key/value in want.
func sumWhere(t *testing.T, m *metricdata.Metrics, want map[string]string) int64 {
	t.Helper()
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is %T", m.Name, m.Data)

	var total int64
	for _, dp := range sum.DataPoints {
		match := true
		for k, v := range want {
			got, ok := dp.Attributes.Value(attribute.Key(k))
			if !ok || got.AsString() != v {
				match = false
				break
			}
		}
		if match {
			total += dp.Value
		}
	}
	return total
}

type counter struct{ N int }

type counterAction struct{ Delta int }

func newCounterStore(t *testing.T, m *Metrics) *store.Store[counter, counterAction] {
	t.Helper()
	ns := store.Namespace[counter, counterAction]{
		ID: "counter",
		Reducers: func() []store.Reducer[counter, counterAction] {
			return []store.Reducer[counter, counterAction]{
				store.ReducerFunc[counter, counterAction](func(s counter, a counterAction, _ store.Site) (counter, error) {
					if a.Delta < 0 {
						return s, errors.New("negative delta")
					}
					s.N += a.Delta
					return s, nil
				}),
			}
		},
		Coordinator: store.CoordinatorFunc[counter, counterAction](func(a counterAction, _ counter) bool {
			return a.Delta != 0
		}),
	}
	s := store.New(ns, counter{}, store.WithLogger[counter, counterAction](NewStoreLogger[counter, counterAction](m)))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreLogger_RecordsOutcomes(t *testing.T) {
	m, reader := newTestMetrics(t)
	s := newCounterStore(t, m)

	ctx := context.Background()
	require.NoError(t, s.DispatchWait(ctx, counterAction{Delta: 1}, counterAction{Delta: 2}))
	require.NoError(t, s.DispatchWait(ctx, counterAction{Delta: 0}))
	require.Error(t, s.DispatchWait(ctx, counterAction{Delta: -1}))

	rm := collect(t, reader)
	actions := findMetric(rm, "callcore.store.actions")
	assert.EqualValues(t, 2, sumWhere(t, actions, map[string]string{"namespace": "counter", "outcome": OutcomeCompleted}))
	assert.EqualValues(t, 1, sumWhere(t, actions, map[string]string{"outcome": OutcomeSkipped}))
	assert.EqualValues(t, 1, sumWhere(t, actions, map[string]string{"outcome": OutcomeFailed}))
	assert.EqualValues(t, 4, sumWhere(t, actions, map[string]string{"action": "observe.counterAction"}))

	dur := findMetric(rm, "callcore.store.action.duration")
	require.NotNil(t, dur)
	hist, ok := dur.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.EqualValues(t, 2, hist.DataPoints[0].Count)
}

func TestObserveBacklog(t *testing.T) {
	m, reader := newTestMetrics(t)
	s := newCounterStore(t, m)

	unregister, err := m.ObserveBacklog(s)
	require.NoError(t, err)
	defer func() { _ = unregister() }()

	rm := collect(t, reader)
	backlog := findMetric(rm, "callcore.store.backlog")
	require.NotNil(t, backlog)
	gauge, ok := backlog.Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	ns, _ := gauge.DataPoints[0].Attributes.Value("namespace")
	assert.Equal(t, "counter", ns.AsString())
	assert.GreaterOrEqual(t, gauge.DataPoints[0].Value, int64(0))
}

func TestTransitionObserver(t *testing.T) {
	m, reader := newTestMetrics(t)
	observe := m.TransitionObserver("call")
	observe(fsm.ID("idle"), fsm.ID("joining"))
	observe(fsm.ID("idle"), fsm.ID("joining"))
	observe(fsm.ID("joining"), fsm.ID("joined"))

	transitions := findMetric(collect(t, reader), "callcore.fsm.transitions")
	assert.EqualValues(t, 2, sumWhere(t, transitions, map[string]string{"machine": "call", "to": "joining"}))
	assert.EqualValues(t, 3, sumWhere(t, transitions, map[string]string{"machine": "call"}))
}

func TestMiddleware_RecordsDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	h := Middleware(m, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	dur := findMetric(collect(t, reader), "callcore.http.request.duration")
	require.NotNil(t, dur)
	hist, ok := dur.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	path, _ := hist.DataPoints[0].Attributes.Value("path")
	assert.Equal(t, "/readyz", path.AsString())
}

func TestStatusRecorder_Hijack(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rec.Hijack()
	assert.Error(t, err, "httptest recorder cannot be hijacked")
}

func TestCorrelationID_NoSpan(t *testing.T) {
	assert.Empty(t, CorrelationID(context.Background()))
}

func TestInitProvider(t *testing.T) {
	shutdown, err := InitProvider(context.Background(), ProviderConfig{ServiceVersion: "test"})
	require.NoError(t, err)

	ctx, span := StartSpan(context.Background(), "test")
	assert.NotEmpty(t, CorrelationID(ctx))
	span.End()

	require.NoError(t, shutdown(context.Background()))
}
