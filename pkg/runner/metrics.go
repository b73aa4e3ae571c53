package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	runs     *prometheus.CounterVec
	duration prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		runs: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamspector",
			Name:      "runs_total",
			Help:      "Total number of finished runs, by status and stop cause.",
		}, []string{"status", "cause"}),
		duration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "streamspector",
			Name:      "run_duration_seconds",
			Help:      "Time from the start of a run until it was decided.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
}
