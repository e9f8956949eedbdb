package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/51f0x/personal-kanban/eventbus"
	"github.com/51f0x/personal-kanban/messaging"
	"github.com/51f0x/personal-kanban/rpc"
)

const Namespace = "kanban"

// Status label values.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// Metrics collects messaging, RPC and event bus telemetry.
type Metrics struct {
	gatherer prometheus.Gatherer

	messages        *prometheus.CounterVec   // by target, type
	handleDuration  *prometheus.HistogramVec // by target
	deadLettered    *prometheus.CounterVec   // by target, kind
	transportErrors prometheus.Counter

	rpcCalls    *prometheus.CounterVec   // by kind, status
	rpcDuration *prometheus.HistogramVec // by kind

	localFailures *prometheus.CounterVec // by event
}

// New registers every metric with reg.
func New(reg *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{
		gatherer: reg,
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "messaging",
			Name:      "events_total",
			Help:      "Messaging lifecycle events by queue or stream and event type",
		}, []string{"target", "type"}),
		handleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "messaging",
			Name:      "handle_duration_seconds",
			Help:      "Handler duration per delivery",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"target"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "messaging",
			Name:      "dead_lettered_total",
			Help:      "Jobs that exhausted their attempts and moved to the dead set",
		}, []string{"target", "kind"}),
		transportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "messaging",
			Name:      "errors_total",
			Help:      "Failed enqueue, append, ack or nack operations",
		}),
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "RPC calls by kind and outcome",
		}, []string{"kind", "status"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "Time from enqueueing a request to its outcome",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"kind"}),
		localFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "eventbus",
			Name:      "local_handler_failures_total",
			Help:      "Local event handlers that returned an error or panicked",
		}, []string{"event"}),
	}

	collectors := []prometheus.Collector{
		m.messages, m.handleDuration, m.deadLettered, m.transportErrors,
		m.rpcCalls, m.rpcDuration, m.localFailures,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// OnEvent implements messaging.Observer.
func (m *Metrics) OnEvent(e messaging.Event) {
	switch e.Type {
	case messaging.Error:
		m.transportErrors.Inc()
		return
	case messaging.DeadLettered:
		m.deadLettered.WithLabelValues(e.Target, e.Kind).Inc()
	case messaging.ConsumeDone:
		m.handleDuration.WithLabelValues(e.Target).Observe(e.Duration.Seconds())
	case messaging.EnqueueDone, messaging.AppendDone:
		if e.Err != nil {
			m.transportErrors.Inc()
		}
	}
	m.messages.WithLabelValues(e.Target, string(e.Type)).Inc()
}

// ObserveCall records a finished RPC call; it matches rpc.WithCallObserver.
func (m *Metrics) ObserveCall(kind string, d time.Duration, err error) {
	status := StatusOK
	switch {
	case err == nil:
	case errors.Is(err, rpc.ErrTimeout):
		status = StatusTimeout
	default:
		status = StatusError
	}
	m.rpcCalls.WithLabelValues(kind, status).Inc()
	m.rpcDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// LocalFailure counts a failed local event handler; it matches eventbus.WithFailureHook.
func (m *Metrics) LocalFailure(ev eventbus.Event, _ error) {
	m.localFailures.WithLabelValues(ev.Name).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
