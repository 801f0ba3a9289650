package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for task outcomes.
const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
	outcomeRetried   = "retried"
)

var (
	tasksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_tasks_processed_total",
			Help: "Total number of task executions by message type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_task_duration_seconds",
			Help:    "Handler execution time in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type", "mode"},
	)

	queueLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_queue_latency_seconds",
			Help:    "Time from submission to execution start in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_queue_depth",
			Help: "Number of messages waiting in the priority queue.",
		},
	)

	scheduledEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_scheduled_entries",
			Help: "Number of pending entries in the scheduler heap.",
		},
	)
)

func init() {
	prometheus.MustRegister(tasksProcessed)
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(queueLatency)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(scheduledEntries)
}
