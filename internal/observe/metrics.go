// Package observe wires OpenTelemetry into callcore: metric instruments for
// stores and state machines, tracing helpers and HTTP middleware.
//
// Metrics are scraped through the Prometheus exporter registered by
// InitProvider. Tests should build Metrics with NewMetrics and their own
// MeterProvider.
package observe

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"callcore/pkg/fsm"
	"callcore/pkg/store"
)

const meterName = "callcore"

// Action outcomes recorded on callcore.store.actions.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Metrics holds the callcore instruments. All fields are safe for concurrent
// use.
type Metrics struct {
	meter metric.Meter

	// StoreActions counts processed actions. Attributes: namespace, action,
	// outcome.
	StoreActions metric.Int64Counter

	// StoreActionDuration tracks reducer plus middleware time per action.
	StoreActionDuration metric.Float64Histogram

	// FSMTransitions counts accepted transitions. Attributes: machine, from, to.
	FSMTransitions metric.Int64Counter

	// IPCRequests counts control socket requests. Attributes: type, status.
	IPCRequests metric.Int64Counter

	// WSClients tracks connected state WebSocket clients.
	WSClients metric.Int64UpDownCounter

	HTTPRequestDuration metric.Float64Histogram
}

// actionBuckets are in seconds; store actions are expected to be fast.
var actionBuckets = []float64{
	0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.1,
}

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{meter: m}
	var err error

	if met.StoreActions, err = m.Int64Counter("callcore.store.actions",
		metric.WithDescription("Store actions by namespace, action and outcome."),
	); err != nil {
		return nil, err
	}
	if met.StoreActionDuration, err = m.Float64Histogram("callcore.store.action.duration",
		metric.WithDescription("Time spent reducing an action and running middleware."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(actionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FSMTransitions, err = m.Int64Counter("callcore.fsm.transitions",
		metric.WithDescription("Accepted state machine transitions."),
	); err != nil {
		return nil, err
	}
	if met.IPCRequests, err = m.Int64Counter("callcore.ipc.requests",
		metric.WithDescription("Control socket requests by type and status."),
	); err != nil {
		return nil, err
	}
	if met.WSClients, err = m.Int64UpDownCounter("callcore.ws.clients",
		metric.WithDescription("Connected state WebSocket clients."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("callcore.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// Backlogger is anything that can report a queue length, such as a Store.
type Backlogger interface {
	ID() string
	Backlog() int
}

// ObserveBacklog reports the queued jobs of every store on the
// callcore.store.backlog gauge. Call the returned func to unregister.
func (m *Metrics) ObserveBacklog(stores ...Backlogger) (unregister func() error, err error) {
	gauge, err := m.meter.Int64ObservableGauge("callcore.store.backlog",
		metric.WithDescription("Jobs waiting in a store queue."),
	)
	if err != nil {
		return nil, err
	}
	reg, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, s := range stores {
			o.ObserveInt64(gauge, int64(s.Backlog()), metric.WithAttributes(attribute.String("namespace", s.ID())))
		}
		return nil
	}, gauge)
	if err != nil {
		return nil, err
	}
	return reg.Unregister, nil
}

// TransitionObserver returns an fsm observer counting transitions of the
// named machine.
func (m *Metrics) TransitionObserver(machine string) func(from, to fsm.ID) {
	return func(from, to fsm.ID) {
		m.FSMTransitions.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("machine", machine),
			attribute.String("from", string(from)),
			attribute.String("to", string(to)),
		))
	}
}

// StoreLogger is a store.Logger that records action outcomes as metrics.
// Combine it with store.SlogLogger through store.MultiLogger to keep the
// log lines.
type StoreLogger[S, A any] struct {
	m *Metrics
}

func NewStoreLogger[S, A any](m *Metrics) *StoreLogger[S, A] {
	return &StoreLogger[S, A]{m: m}
}

func (l *StoreLogger[S, A]) DidComplete(rec store.Record[S, A]) {
	l.record(rec, OutcomeCompleted)
	l.m.StoreActionDuration.Record(context.Background(), rec.Duration.Seconds(),
		metric.WithAttributes(attribute.String("namespace", rec.Namespace)))
}

func (l *StoreLogger[S, A]) DidFail(rec store.Record[S, A], _ error) {
	l.record(rec, OutcomeFailed)
}

func (l *StoreLogger[S, A]) DidSkip(rec store.Record[S, A]) {
	l.record(rec, OutcomeSkipped)
}

func (l *StoreLogger[S, A]) record(rec store.Record[S, A], outcome string) {
	l.m.StoreActions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("namespace", rec.Namespace),
		attribute.String("action", actionType(rec.Action)),
		attribute.String("outcome", outcome),
	))
}

// actionType names the action by its Go type so that payload values do not
// end up as label values.
func actionType(a any) string { return fmt.Sprintf("%T", a) }
