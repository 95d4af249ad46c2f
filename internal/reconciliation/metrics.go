package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	anomaliesFound = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "keymarket",
		Subsystem: "reconciliation",
		Name:      "anomalies",
		Help:      "Anomalies found in the last reconciliation run, by kind.",
	}, []string{"kind"})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "keymarket",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keymarket",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})

	lastRun = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "keymarket",
		Subsystem: "reconciliation",
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix time of the last completed reconciliation run.",
	})
)

func init() {
	prometheus.MustRegister(
		anomaliesFound,
		reconcileDuration,
		reconcileErrors,
		lastRun,
	)
}
