package reposync

import (
	"time"

	"github.com/clusterrunner/reposync/internal/config"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts synchronizations by the state they started from and
// measures how long they took.
type Metrics struct {
	syncsTotal  *prometheus.CounterVec
	syncLatency *prometheus.HistogramVec
}

// NewMetrics creates Metrics with the latency buckets of cfg.
func NewMetrics(cfg config.Prometheus) *Metrics {
	buckets := cfg.SyncLatencyBuckets
	if len(buckets) == 0 {
		buckets = config.DefaultSyncLatencyBuckets
	}

	return &Metrics{
		syncsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clusterrunner_repository_syncs_total",
				Help: "Total number of repository synchronizations by starting state and result",
			},
			[]string{"state", "result"},
		),
		syncLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clusterrunner_repository_sync_latency_seconds",
				Help:    "Latency of repository synchronizations by starting state",
				Buckets: buckets,
			},
			[]string{"state"},
		),
	}
}

// Describe is used to describe Prometheus metrics.
func (m *Metrics) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(m, descs)
}

// Collect is used to collect Prometheus metrics.
func (m *Metrics) Collect(metrics chan<- prometheus.Metric) {
	m.syncsTotal.Collect(metrics)
	m.syncLatency.Collect(metrics)
}

func (m *Metrics) observe(state State, latency time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}

	m.syncsTotal.WithLabelValues(state.String(), result).Inc()
	m.syncLatency.WithLabelValues(state.String()).Observe(latency.Seconds())
}
