package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the hub's Prometheus collectors. Each Hub gets its own
// registry so tests can run several hubs side by side.
type Metrics struct {
	registry *prometheus.Registry

	participants  prometheus.Gauge
	sockets       prometheus.Gauge
	resonance     prometheus.Gauge
	meshActive    prometheus.Gauge
	messages      prometheus.Counter
	broadcasts    *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	storeFailures prometheus.Counter
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshroom_participants",
			Help: "Identified participants currently connected.",
		}),
		sockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshroom_sockets",
			Help: "Open WebSocket connections, identified or not.",
		}),
		resonance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshroom_resonance",
			Help: "Current session resonance value.",
		}),
		meshActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshroom_mesh_active",
			Help: "1 once the mesh has been activated.",
		}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshroom_messages_total",
			Help: "Messages accepted by the hub.",
		}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshroom_broadcasts_total",
			Help: "Outbound events fanned out, by event name.",
		}, []string{"event"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshroom_events_dropped_total",
			Help: "Inbound or outbound events dropped, by reason.",
		}, []string{"reason"}),
		storeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshroom_store_failures_total",
			Help: "Message store operations that failed or timed out.",
		}),
	}
	m.registry.MustRegister(
		m.participants,
		m.sockets,
		m.resonance,
		m.meshActive,
		m.messages,
		m.broadcasts,
		m.dropped,
		m.storeFailures,
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
