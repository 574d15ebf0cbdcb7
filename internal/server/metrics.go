// Package server exposes Prometheus metrics for connection lifecycle and
// message routing.
package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "framechat"

// metrics holds the server's collectors. Each server registers them on its
// own registry so several servers can live in one process.
type metrics struct {
	connectionsActive   prometheus.Gauge
	connectionsAccepted prometheus.Counter
	connectionsRejected prometheus.Counter
	connectionsReaped   *prometheus.CounterVec
	framesReceived      prometheus.Counter
	framesLimited       prometheus.Counter
	broadcasts          prometheus.Counter
	commands            *prometheus.CounterVec
	writeErrors         prometheus.Counter
}

func newMetrics(registry prometheus.Registerer) *metrics {
	factory := promauto.With(registry)

	return &metrics{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_active",
			Help:      "Number of registered connections",
		}),
		connectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_accepted_total",
			Help:      "Total number of accepted connections",
		}),
		connectionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_rejected_total",
			Help:      "Total number of connections refused because the server was full",
		}),
		connectionsReaped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_reaped_total",
			Help:      "Total number of connections removed, by terminal reason",
		}, []string{"reason"}),
		framesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_received_total",
			Help:      "Total number of frames decoded from peers",
		}),
		framesLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_rate_limited_total",
			Help:      "Total number of frames discarded by the per-connection rate limit",
		}),
		broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "broadcasts_total",
			Help:      "Total number of messages broadcast to all connections",
		}),
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_total",
			Help:      "Total number of command messages, by result",
		}, []string{"result"}),
		writeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "write_errors_total",
			Help:      "Total number of frames that could not be written to a connection",
		}),
	}
}
