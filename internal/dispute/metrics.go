package dispute

import "github.com/prometheus/client_golang/prometheus"

var disputesCreated = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "keymarket",
	Name:      "dispute_created_total",
	Help:      "Disputes opened (replays of an existing dispute are not counted).",
})

func init() {
	prometheus.MustRegister(disputesCreated)
}
