package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(llmJobsTransitions, llmJobsClaimed, llmJobsReclaimed, llmRetryDelay) }

var (
	llmJobsTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_job_transitions_total",
			Help: "Job status transitions, labeled by target status and origin.",
		},
		[]string{"status", "source"}, // source: query, worker, webhook, cancel, reaper
	)

	llmJobsClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "llm_jobs_claimed_total",
			Help: "Jobs claimed by worker polls.",
		},
	)

	llmJobsReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "llm_jobs_reclaimed_total",
			Help: "Stale running jobs moved back to retrying or exhausted.",
		},
	)

	llmRetryDelay = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "llm_job_retry_delay_seconds",
			Help:    "Backoff delays scheduled for retrying jobs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)
)

func IncJobTransition(status, source string) {
	llmJobsTransitions.WithLabelValues(norm(status), norm(source)).Inc()
}

func AddJobsClaimed(n int) { llmJobsClaimed.Add(float64(n)) }

func AddJobsReclaimed(n int) { llmJobsReclaimed.Add(float64(n)) }

func ObserveRetryDelay(seconds float64) { llmRetryDelay.Observe(seconds) }
