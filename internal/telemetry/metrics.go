package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "remix_jobs_enqueued_total", Help: "Jobs accepted into the queue"})
	JobsPromoted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "remix_jobs_promoted_total", Help: "Jobs granted the running slot"})
	JobsDone         = prometheus.NewCounter(prometheus.CounterOpts{Name: "remix_jobs_done_total", Help: "Jobs marked done"})
	JobsErrored      = prometheus.NewCounter(prometheus.CounterOpts{Name: "remix_jobs_error_total", Help: "Jobs marked error"})
	Polls            = prometheus.NewCounter(prometheus.CounterOpts{Name: "remix_polls_total", Help: "Position polls served"})
	SweptStale       = prometheus.NewCounter(prometheus.CounterOpts{Name: "remix_jobs_swept_stale_total", Help: "Abandoned jobs removed by the sweeper"})
	SweptFinished    = prometheus.NewCounter(prometheus.CounterOpts{Name: "remix_jobs_swept_finished_total", Help: "Finished jobs removed by the sweeper"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "remix_rate_limit_rejects_total", Help: "Join requests rejected by the rate limiter"})
	QueueDepth       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "remix_queue_depth", Help: "Jobs currently waiting"})
	JobsRunning      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "remix_jobs_running", Help: "Jobs currently running (0 or 1)"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsPromoted,
			JobsDone,
			JobsErrored,
			Polls,
			SweptStale,
			SweptFinished,
			RateLimitRejects,
			QueueDepth,
			JobsRunning,
		)
	})
	return promhttp.Handler()
}
