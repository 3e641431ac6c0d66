// Package metrics exposes Prometheus collectors for the sync engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stonepot"

type Metrics struct {
	registry *prometheus.Registry

	activeRooms     prometheus.Gauge
	connections     prometheus.Gauge
	messages        *prometheus.CounterVec
	framesDelivered prometheus.Counter
	persistFailures prometheus.Counter
	hibernations    prometheus.Counter
	rateLimited     prometheus.Counter
}

// New builds a Metrics with its own registry so tests can create many.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rooms",
			Help:      "Room coordinators currently held in memory.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "attached_connections",
			Help:      "Client connections attached to a room.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Client messages processed by coordinators, by type and result code.",
		}, []string{"type", "result"}),
		framesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_delivered_total",
			Help:      "Server frames handed to connections.",
		}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Snapshot saves that failed after retries.",
		}),
		hibernations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hibernations_total",
			Help:      "Idle coordinators evicted from memory.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Client frames dropped by the per-connection rate limiter.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.activeRooms,
		m.connections,
		m.messages,
		m.framesDelivered,
		m.persistFailures,
		m.hibernations,
		m.rateLimited,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RoomOpened() {
	if m != nil {
		m.activeRooms.Inc()
	}
}

func (m *Metrics) RoomEvicted() {
	if m != nil {
		m.activeRooms.Dec()
	}
}

func (m *Metrics) ConnectionAttached() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionDetached() {
	if m != nil {
		m.connections.Dec()
	}
}

// Message counts one processed client message. result is "ok" or an error code.
func (m *Metrics) Message(msgType, result string) {
	if m != nil {
		m.messages.WithLabelValues(msgType, result).Inc()
	}
}

func (m *Metrics) FramesDelivered(n int) {
	if m != nil {
		m.framesDelivered.Add(float64(n))
	}
}

func (m *Metrics) PersistFailed() {
	if m != nil {
		m.persistFailures.Inc()
	}
}

func (m *Metrics) Hibernated() {
	if m != nil {
		m.hibernations.Inc()
	}
}

func (m *Metrics) RateLimited() {
	if m != nil {
		m.rateLimited.Inc()
	}
}
