package corelet

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for corelet outcomes.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeError     = "error"
	outcomeKilled    = "killed"
)

var (
	activeCorelets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_corelet_active",
			Help: "Number of currently live corelet subprocesses.",
		},
	)

	coreletsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_corelets_total",
			Help: "Total number of corelet executions by message type and outcome.",
		},
		[]string{"type", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(activeCorelets)
	prometheus.MustRegister(coreletsTotal)
}
