package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RunsStarted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "container_runs_started_total", Help: "Runs accepted by the orchestrator"})
	RunOutcomes       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "container_runs_total", Help: "Finished runs by outcome"}, []string{"outcome"})
	RunDuration       = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "container_run_duration_seconds", Help: "Wall time from submission to cleanup", Buckets: prometheus.ExponentialBuckets(5, 2, 8)})
	PollTicks         = prometheus.NewCounter(prometheus.CounterOpts{Name: "container_poll_ticks_total", Help: "Status queries issued while polling"})
	StatusQueryErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "container_status_query_errors_total", Help: "Status queries that failed and were retried"})
	LogFetchFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "container_log_fetch_failures_total", Help: "Log fetches replaced by a placeholder"})
	CleanupFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "container_cleanup_failures_total", Help: "Delete attempts that failed or timed out"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "container_rate_limit_rejects_total", Help: "Run requests rejected by rate limiter"})
	SweptJobs         = prometheus.NewCounter(prometheus.CounterOpts{Name: "container_swept_jobs_total", Help: "Orphaned jobs deleted by the sweeper"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RunsStarted,
			RunOutcomes,
			RunDuration,
			PollTicks,
			StatusQueryErrors,
			LogFetchFailures,
			CleanupFailures,
			RateLimitRejects,
			SweptJobs,
		)
	})
	return promhttp.Handler()
}
