// Package metrics provides Prometheus collectors for the live service.
//
// Collectors register on a private registry so multiple servers can coexist in
// one process (tests, embedded tooling) without duplicate registration panics.
// The metrics endpoint can be scraped by standard monitoring infrastructure.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Live holds operational collectors for the live synchronization service.
type Live struct {
	registry *prometheus.Registry

	// ConnectedSessions tracks currently registered broadcast sessions.
	ConnectedSessions prometheus.Gauge
	// EventsPublished counts published change events by channel and kind.
	EventsPublished *prometheus.CounterVec
	// DeliveryFailures counts sessions dropped after a failed event write.
	DeliveryFailures prometheus.Counter
	// TemplateActivations counts successful template activation swaps.
	TemplateActivations prometheus.Counter
	// SessionRevocations counts session revocations by origin.
	SessionRevocations *prometheus.CounterVec
}

// NewLive creates and registers the live service collectors.
func NewLive() *Live {
	registry := prometheus.NewRegistry()
	live := &Live{
		registry: registry,
		ConnectedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meridian",
			Subsystem: "live",
			Name:      "connected_sessions",
			Help:      "Number of currently connected broadcast sessions.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "live",
			Name:      "events_published_total",
			Help:      "Change events published, by channel and kind.",
		}, []string{"channel", "kind"}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "live",
			Name:      "delivery_failures_total",
			Help:      "Broadcast sessions dropped after a failed event write.",
		}),
		TemplateActivations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "live",
			Name:      "template_activations_total",
			Help:      "Successful template activation swaps.",
		}),
		SessionRevocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "live",
			Name:      "session_revocations_total",
			Help:      "Session revocations, by origin (logout, watchdog).",
		}, []string{"origin"}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		live.ConnectedSessions,
		live.EventsPublished,
		live.DeliveryFailures,
		live.TemplateActivations,
		live.SessionRevocations,
	)
	return live
}

// Handler exposes the registry in Prometheus text format.
func (m *Live) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
