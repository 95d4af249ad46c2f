package escrow

import "github.com/prometheus/client_golang/prometheus"

var (
	maturedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keymarket",
		Name:      "escrow_matured_total",
		Help:      "Orders transitioned to ELIGIBLE after their maturity hold.",
	})

	batchErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keymarket",
		Name:      "escrow_batch_errors_total",
		Help:      "Per-order failures during maturity batches.",
	})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "keymarket",
		Name:      "escrow_batch_duration_seconds",
		Help:      "Maturity batch duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(maturedTotal, batchErrors, batchDuration)
}
