// Package metrics exposes Prometheus collectors for the live scan mirror.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lyallcooper/kuron-watch/internal/livescan"
)

const namespace = "kuron_watch"

// Metrics holds every collector on its own registry. It satisfies both
// livescan.Metrics and transport.Metrics.
type Metrics struct {
	registry *prometheus.Registry

	FramesReceived *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec
	Evictions      *prometheus.CounterVec
	ActiveSessions prometheus.Gauge
	Connected      prometheus.Gauge
	Reconnects     prometheus.Counter
	CancelRequests *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// FramesReceived counts decoded frames by type
		FramesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_received_total",
				Help:      "Total number of progress frames applied, by frame type",
			},
			[]string{"type"},
		),

		// FramesDropped counts frames that changed nothing
		FramesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_dropped_total",
				Help:      "Total number of progress frames dropped, by reason",
			},
			[]string{"reason"},
		),

		Evictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_evicted_total",
				Help:      "Total number of finished scans evicted after their grace period, by status",
			},
			[]string{"status"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Number of scans currently mirrored",
			},
		),

		Connected: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stream_connected",
				Help:      "1 while the progress stream is connected",
			},
		),

		Reconnects: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_reconnects_total",
				Help:      "Total number of reconnect attempts",
			},
		),

		CancelRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cancel_requests_total",
				Help:      "Total number of cancel requests sent, by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) IncFrameReceived(kind string) {
	m.FramesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncFrameDropped(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncEviction(status livescan.Status) {
	m.Evictions.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) IncCancelRequest(outcome string) {
	m.CancelRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetConnected(connected bool) {
	if connected {
		m.Connected.Set(1)
		return
	}
	m.Connected.Set(0)
}

func (m *Metrics) IncReconnect() {
	m.Reconnects.Inc()
}
