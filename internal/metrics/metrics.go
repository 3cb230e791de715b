// Package metrics defines the Prometheus collectors exported by the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	MessagesSent      prometheus.Counter
	SendFailures      *prometheus.CounterVec
	PushesDelivered   prometheus.Counter
	PushFailures      prometheus.Counter
	HandlesPruned     prometheus.Counter
	ActiveConnections prometheus.Gauge
	BusDeliveries     prometheus.Counter
	RequestDuration   *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmrelay",
			Name:      "messages_sent_total",
			Help:      "Messages durably stored by send.",
		}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dmrelay",
			Name:      "send_failures_total",
			Help:      "Failed sends by error class.",
		}, []string{"code"}),
		PushesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmrelay",
			Name:      "pushes_delivered_total",
			Help:      "Events handed to a live connection.",
		}),
		PushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmrelay",
			Name:      "push_failures_total",
			Help:      "Pushes that failed or timed out.",
		}),
		HandlesPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmrelay",
			Name:      "handles_pruned_total",
			Help:      "Connections dropped after a failed push.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dmrelay",
			Name:      "active_connections",
			Help:      "Connections registered on this instance.",
		}),
		BusDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmrelay",
			Name:      "bus_deliveries_total",
			Help:      "Events received from other instances.",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dmrelay",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		gatherer: reg,
	}
	reg.MustRegister(
		m.MessagesSent,
		m.SendFailures,
		m.PushesDelivered,
		m.PushFailures,
		m.HandlesPruned,
		m.ActiveConnections,
		m.BusDeliveries,
		m.RequestDuration,
	)
	return m
}

// NewNop returns collectors registered on a private registry, for tests and
// callers that do not export metrics.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler returns an http.Handler for Prometheus scraping
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
