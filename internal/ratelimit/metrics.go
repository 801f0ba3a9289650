package ratelimit

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for the gate algorithm.
const (
	algoTokenBucket   = "token_bucket"
	algoSlidingWindow = "sliding_window"
)

var (
	admittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_ratelimit_admitted_total",
			Help: "Total number of submissions admitted immediately by the rate limiter.",
		},
		[]string{"type", "algorithm"},
	)

	deferredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_ratelimit_deferred_total",
			Help: "Total number of submissions deferred by the rate limiter.",
		},
		[]string{"type", "algorithm"},
	)

	tokensGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kiln_ratelimit_tokens",
			Help: "Current token count per message type (token bucket gates only).",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(admittedTotal)
	prometheus.MustRegister(deferredTotal)
	prometheus.MustRegister(tokensGauge)
}
