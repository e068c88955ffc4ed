// Package metrics exposes Prometheus instruments for the delivery pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer; every recorder is then a no-op.
type Metrics struct {
	registry prometheus.Gatherer

	EventsDispatched    prometheus.Counter
	EventsDropped       prometheus.Counter
	DeliveriesCreated   *prometheus.CounterVec
	DeliveriesCompleted *prometheus.CounterVec
	DeliveryAttempts    *prometheus.CounterVec
	AttemptDuration     prometheus.Histogram
	RetriesScheduled    prometheus.Counter
	CircuitBreakerTrips prometheus.Counter
}

// New registers all instruments on a fresh registry, prefixed by namespace.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsDispatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Events consumed by the dispatcher",
		}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events rejected by the bus because its buffer was full",
		}),
		DeliveriesCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_created_total",
			Help:      "Deliveries created, by event",
		}, []string{"event"}),
		DeliveriesCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_completed_total",
			Help:      "Deliveries that reached a terminal status",
		}, []string{"status"}),
		DeliveryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "HTTP delivery attempts, by outcome",
		}, []string{"outcome"}),
		AttemptDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_attempt_duration_seconds",
			Help:      "Duration of webhook delivery attempts in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		RetriesScheduled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_scheduled_total",
			Help:      "Deliveries moved to RETRYING",
		}),
		CircuitBreakerTrips: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Endpoints moved to FAILED after consecutive failures",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) EventDispatched() {
	if m != nil {
		m.EventsDispatched.Inc()
	}
}

func (m *Metrics) EventDropped() {
	if m != nil {
		m.EventsDropped.Inc()
	}
}

func (m *Metrics) DeliveryCreated(event string) {
	if m != nil {
		m.DeliveriesCreated.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) DeliveryCompleted(status string) {
	if m != nil {
		m.DeliveriesCompleted.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) Attempt(success bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.DeliveryAttempts.WithLabelValues(outcome).Inc()
	m.AttemptDuration.Observe(d.Seconds())
}

func (m *Metrics) RetryScheduled() {
	if m != nil {
		m.RetriesScheduled.Inc()
	}
}

func (m *Metrics) CircuitTripped() {
	if m != nil {
		m.CircuitBreakerTrips.Inc()
	}
}
