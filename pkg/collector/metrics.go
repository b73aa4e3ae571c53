package collector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	messagesReceived *prometheus.CounterVec
	recordsDropped   *prometheus.CounterVec
	staleMessages    prometheus.Counter
	protocolErrors   prometheus.Counter
	connections      prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		messagesReceived: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamspector",
			Name:      "collector_messages_received_total",
			Help:      "Total number of messages accepted by the collector, by type.",
		}, []string{"type"}),
		recordsDropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamspector",
			Name:      "collector_records_dropped_total",
			Help:      "Total number of records the collector could not decode, by reason.",
		}, []string{"reason"}),
		staleMessages: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "streamspector",
			Name:      "collector_stale_messages_total",
			Help:      "Total number of messages discarded because they belong to another run.",
		}),
		protocolErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "streamspector",
			Name:      "collector_protocol_errors_total",
			Help:      "Total number of protocol violations seen by the collector.",
		}),
		connections: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "streamspector",
			Name:      "collector_connections",
			Help:      "Number of publisher connections currently open.",
		}),
	}
}
