package publisher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	reasonSerialization = "serialization"
	reasonTransport     = "transport"
)

// Metrics are shared by all publishers of a process.
type Metrics struct {
	messagesSent   *prometheus.CounterVec
	recordsSent    prometheus.Counter
	recordsDropped *prometheus.CounterVec
	closeFailures  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		messagesSent: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamspector",
			Name:      "publisher_messages_sent_total",
			Help:      "Total number of control messages delivered to the collector, by type.",
		}, []string{"type"}),
		recordsSent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "streamspector",
			Name:      "publisher_records_sent_total",
			Help:      "Total number of records delivered to the collector.",
		}),
		recordsDropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamspector",
			Name:      "publisher_records_dropped_total",
			Help:      "Total number of records dropped before reaching the collector, by reason.",
		}, []string{"reason"}),
		closeFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "streamspector",
			Name:      "publisher_close_failures_total",
			Help:      "Total number of Close messages that could not be delivered. Each one can stall completion of a run.",
		}),
	}
}
