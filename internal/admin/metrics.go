package admin

import "github.com/prometheus/client_golang/prometheus"

var remediationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "keymarket",
	Subsystem: "admin",
	Name:      "remediation_total",
	Help:      "Remediation attempts by operation and outcome.",
}, []string{"operation", "outcome"})

func init() {
	prometheus.MustRegister(remediationTotal)
}
