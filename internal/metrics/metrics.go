package metrics

import "github.com/prometheus/client_golang/prometheus"

// Pipeline Prometheus metrics.
var (
	AdapterRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aggmds",
			Name:      "adapter_retries_total",
			Help:      "Total number of retried adapter HTTP calls",
		},
		[]string{"url"},
	)

	AdapterFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aggmds",
			Name:      "adapter_failures_total",
			Help:      "Total number of sources whose pull failed terminally",
		},
		[]string{"source"},
	)

	RecordsIndexed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aggmds",
			Name:      "records_indexed_total",
			Help:      "Total number of records written into the temp index",
		},
		[]string{"source"},
	)

	RecordsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aggmds",
			Name:      "records_skipped_total",
			Help:      "Total number of records dropped by normalization failures",
		},
		[]string{"source"},
	)

	RebuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "aggmds",
			Name:      "rebuild_duration_seconds",
			Help:      "Duration of full rebuild cycles",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	RebuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aggmds",
			Name:      "rebuilds_total",
			Help:      "Total number of rebuild cycles by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(AdapterRetries)
	prometheus.MustRegister(AdapterFailures)
	prometheus.MustRegister(RecordsIndexed)
	prometheus.MustRegister(RecordsSkipped)
	prometheus.MustRegister(RebuildDuration)
	prometheus.MustRegister(RebuildsTotal)
}
