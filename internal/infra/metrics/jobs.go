package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(jobsProcessedTotal, jobsEnqueuedTotal, jobsRetriedTotal, staleJobsReleased)
}

var (
	jobsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_processed_total",
			Help: "Total number of pipeline jobs processed, labeled by status.",
		},
		[]string{"status"}, // 'completed', 'failed'
	)

	jobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_enqueued_total",
			Help: "Total number of pipeline jobs enqueued, labeled by function.",
		},
		[]string{"fn"},
	)

	jobsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_retried_total",
			Help: "Job retries scheduled by the recovery policy, by failure kind.",
		},
		[]string{"kind"},
	)

	staleJobsReleased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_stale_jobs_released_total",
			Help: "Running jobs released back to pending by the stale-claim reaper.",
		},
	)
)

func IncJobProcessed(status string) {
	jobsProcessedTotal.WithLabelValues(norm(status)).Inc()
}

func IncJobEnqueued(fn string) {
	jobsEnqueuedTotal.WithLabelValues(norm(fn)).Inc()
}

func IncJobRetried(kind string) {
	jobsRetriedTotal.WithLabelValues(norm(kind)).Inc()
}

func AddStaleJobsReleased(n int) {
	staleJobsReleased.Add(float64(n))
}
