// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trade-escrow/internal/custody"
	"trade-escrow/internal/domain"
)

// Metrics holds all Prometheus metrics for the service.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Engine metrics
	OperationsTotal  *prometheus.CounterVec
	OperationLatency *prometheus.HistogramVec
	Paused           prometheus.Gauge

	// Custody metrics
	CustodyMovements *prometheus.CounterVec

	// Event metrics
	EventsEmitted   *prometheus.CounterVec
	SinkErrors      *prometheus.CounterVec
	EventsDropped   prometheus.Counter
	FeedSubscribers prometheus.Gauge

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec
}

// NewMetrics creates a Metrics instance registered on reg.
// A nil reg registers on prometheus.DefaultRegisterer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "trade_escrow"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		OperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Total number of engine operations by operation and result",
		}, []string{"operation", "result"}),
		OperationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operation_latency_seconds",
			Help:      "Engine operation latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		Paused: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "paused",
			Help:      "1 while the engine is paused",
		}),

		CustodyMovements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "custody",
			Name:      "movements_total",
			Help:      "Total number of custody movements by direction, kind and result",
		}, []string{"direction", "kind", "result"}),

		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Total number of committed events by kind",
		}, []string{"kind"}),
		SinkErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "sink_errors_total",
			Help:      "Total number of failed event deliveries by sink",
		}, []string{"sink"}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Total number of committed events not handed to sinks because the queue was full",
		}),
		FeedSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "feed_subscribers",
			Help:      "Current number of WebSocket feed subscribers",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_latency_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint serving g.
// A nil g serves prometheus.DefaultGatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// resultLabel maps an operation error to a bounded label value.
func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if name := domain.ErrorName(err); name != "" {
		return name
	}
	return "error"
}

// ObserveOperation records an engine operation outcome and latency.
func (m *Metrics) ObserveOperation(op string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(op, resultLabel(err)).Inc()
	m.OperationLatency.WithLabelValues(op).Observe(d.Seconds())
}

// SetPaused updates the pause gauge.
func (m *Metrics) SetPaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.Paused.Set(1)
	} else {
		m.Paused.Set(0)
	}
}

// ObserveCustodyMovement implements custody.Observer.
func (m *Metrics) ObserveCustodyMovement(dir custody.Direction, compensation bool, err error) {
	if m == nil {
		return
	}
	kind := "transfer"
	if compensation {
		kind = "compensation"
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CustodyMovements.WithLabelValues(string(dir), kind, result).Inc()
}

// ObserveEvent records a committed event.
func (m *Metrics) ObserveEvent(kind domain.EventKind) {
	if m == nil {
		return
	}
	m.EventsEmitted.WithLabelValues(string(kind)).Inc()
}

// ObserveSinkError records a failed delivery to sink.
func (m *Metrics) ObserveSinkError(sink string) {
	if m == nil {
		return
	}
	m.SinkErrors.WithLabelValues(sink).Inc()
}

// ObserveEventsDropped records events the dispatcher could not queue.
func (m *Metrics) ObserveEventsDropped(count int) {
	if m == nil {
		return
	}
	m.EventsDropped.Add(float64(count))
}

// SubscriberAdded increments the feed subscriber gauge.
func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.FeedSubscribers.Inc()
}

// SubscriberRemoved decrements the feed subscriber gauge.
func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.FeedSubscribers.Dec()
}

// ObserveHTTP records a served HTTP request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, http.StatusText(status)).Inc()
	m.HTTPLatency.WithLabelValues(route).Observe(d.Seconds())
}

var _ custody.Observer = (*Metrics)(nil)
