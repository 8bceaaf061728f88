package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Process-level metrics for the components that sit around pipeline/
// stage execution proper: the distributed dispatcher's queue and the
// scheduler's tick loop. Named and shaped after coreengine/
// observability/metrics.go's grpcRequestsTotal/grpcRequestDurationSeconds
// counter+histogram pairs, retargeted to dispatch/schedule concerns.
var (
	dispatchQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowengine_dispatch_queue_depth",
			Help: "Current depth of the distributed dispatcher's work queue by state.",
		},
		[]string{"state"}, // pending, in_progress, completed, failed
	)

	dispatchWorkersTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowengine_dispatch_workers_total",
			Help: "Current number of registered dispatcher workers by health.",
		},
		[]string{"health"}, // online, offline
	)

	scheduleExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowengine_schedule_executions_total",
			Help: "Total number of scheduled pipeline executions.",
		},
		[]string{"schedule_id", "status"},
	)

	checkpointOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowengine_checkpoint_operations_total",
			Help: "Total number of checkpoint store operations.",
		},
		[]string{"operation", "status"}, // operation: create, load, resume, fork
	)
)

// RecordQueueStats publishes the dispatcher's current queue depths,
// keyed by state, to the process's default Prometheus registry.
func RecordQueueStats(pending, inProgress, completed, failed int) {
	dispatchQueueDepth.WithLabelValues("pending").Set(float64(pending))
	dispatchQueueDepth.WithLabelValues("in_progress").Set(float64(inProgress))
	dispatchQueueDepth.WithLabelValues("completed").Set(float64(completed))
	dispatchQueueDepth.WithLabelValues("failed").Set(float64(failed))
}

// RecordWorkerCounts publishes the dispatcher's current worker-pool
// health split.
func RecordWorkerCounts(online, offline int) {
	dispatchWorkersTotal.WithLabelValues("online").Set(float64(online))
	dispatchWorkersTotal.WithLabelValues("offline").Set(float64(offline))
}

// RecordScheduleExecution records one scheduled-pipeline execution
// outcome.
func RecordScheduleExecution(scheduleID, status string) {
	scheduleExecutionsTotal.WithLabelValues(scheduleID, status).Inc()
}

// RecordCheckpointOperation records one checkpoint-store operation
// outcome.
func RecordCheckpointOperation(operation, status string) {
	checkpointOperationsTotal.WithLabelValues(operation, status).Inc()
}
