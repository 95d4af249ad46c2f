package payout

import "github.com/prometheus/client_golang/prometheus"

var (
	scheduledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keymarket",
		Name:      "payout_scheduled_total",
		Help:      "Payout schedules created.",
	})

	scheduleSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keymarket",
		Name:      "payout_skipped_total",
		Help:      "Orders skipped during payout scheduling, by outcome.",
	}, []string{"outcome"})

	scheduleErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keymarket",
		Name:      "payout_errors_total",
		Help:      "Per-order failures during payout scheduling.",
	})
)

func init() {
	prometheus.MustRegister(scheduledTotal, scheduleSkipped, scheduleErrors)
}
