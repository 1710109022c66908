package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics bundles the daemon's Prometheus collectors.
type metrics struct {
	registry    *prometheus.Registry
	connections prometheus.Gauge
	frames      *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomlink_relay_connections",
			Help: "Currently open relay websocket connections.",
		}),
		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomlink_relay_frames_total",
				Help: "Total relay frames by op and direction.",
			},
			[]string{"op", "direction"},
		),
	}
	m.registry.MustRegister(m.connections, m.frames)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) countFrame(op, direction string) {
	m.frames.WithLabelValues(op, direction).Inc()
}
