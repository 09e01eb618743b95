package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dayline-lab/dayline/internal/worker"
)

// Metrics are the server's Prometheus collectors, registered on an explicit
// registry owned by the caller.
type Metrics struct {
	Requests          *prometheus.CounterVec
	Errors            *prometheus.CounterVec
	Busy              prometheus.Counter
	ActiveConnections prometheus.Gauge
}

// NewMetrics builds and registers the server collectors. The worker queue
// depth is sampled through a gauge function so it needs no bookkeeping.
func NewMetrics(reg prometheus.Registerer, pool *worker.Pool) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dayline",
			Name:      "requests_total",
			Help:      "Requests received, by opcode.",
		}, []string{"opcode"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dayline",
			Name:      "request_errors_total",
			Help:      "Requests answered with an error status, by opcode.",
		}, []string{"opcode"}),
		Busy: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dayline",
			Name:      "busy_rejections_total",
			Help:      "Requests rejected because the worker queue was full.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dayline",
			Name:      "active_connections",
			Help:      "Currently open client connections.",
		}),
	}

	reg.MustRegister(m.Requests, m.Errors, m.Busy, m.ActiveConnections)
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "dayline",
		Name:      "worker_queue_depth",
		Help:      "Store tasks queued but not yet running.",
	}, func() float64 {
		return float64(pool.QueueDepth())
	}))
	return m
}
