package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	executionsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "procbox_executions_submitted_total",
		Help: "Total number of executions accepted by the engine.",
	})

	executionsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "procbox_executions_completed_total",
		Help: "Total number of executions that reached completed.",
	})

	executionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "procbox_executions_failed_total",
		Help: "Total number of executions that reached failed.",
	})

	executionsCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "procbox_executions_cancelled_total",
		Help: "Total number of executions cancelled while queued or running.",
	})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "procbox_pool_queue_depth",
		Help: "Number of tasks waiting for a worker.",
	})

	busyWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "procbox_pool_busy_workers",
		Help: "Number of workers currently running a process.",
	})
)

func init() {
	prometheus.MustRegister(
		executionsSubmitted,
		executionsCompleted,
		executionsFailed,
		executionsCancelled,
		queueDepth,
		busyWorkers,
	)
}
