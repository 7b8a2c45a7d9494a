package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the diagnostic counters for the sync pipeline. A single
// instance is constructed in main and handed to each component.
type Metrics struct {
	registry *prometheus.Registry

	FramesDropped      prometheus.Counter
	EventsApplied      *prometheus.CounterVec
	EventsStale        prometheus.Counter
	Reconnects         prometheus.Counter
	Snapshots          prometheus.Counter
	ResyncRequests     prometheus.Counter
	SubscriberOverflow prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_frames_dropped_total",
			Help: "Inbound frames dropped due to decode or validation failure.",
		}),
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_events_applied_total",
			Help: "Events applied to the fleet state, by event type.",
		}, []string{"type"}),
		EventsStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_events_stale_total",
			Help: "Delta events discarded because their seq was not newer than the record.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_stream_reconnects_total",
			Help: "Upstream push channel reconnect attempts.",
		}),
		Snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_snapshots_applied_total",
			Help: "Full fleet snapshots applied.",
		}),
		ResyncRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_resync_requests_total",
			Help: "Full snapshot requests sent upstream (connect and gap recovery).",
		}),
		SubscriberOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_subscriber_overflow_total",
			Help: "Subscriber queue overflows that forced a full resync.",
		}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		m.FramesDropped,
		m.EventsApplied,
		m.EventsStale,
		m.Reconnects,
		m.Snapshots,
		m.ResyncRequests,
		m.SubscriberOverflow,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
