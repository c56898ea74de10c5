package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued      = prometheus.NewCounter(prometheus.CounterOpts{Name: "horus_jobs_enqueued_total", Help: "Job rows inserted by the gateway"})
	BackfillFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "horus_jobs_backfill_failures_total", Help: "Payload backfills that failed and marked the job Failed"})
	JobsClaimed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "horus_jobs_claimed_total", Help: "Jobs moved from the store into a juggler queue"})
	JobsCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "horus_jobs_completed_total", Help: "Jobs finished with status Complete"})
	JobsFailed        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "horus_jobs_failed_total", Help: "Jobs finished with status Failed"}, []string{"reason"})
	QueueDepth        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "horus_juggler_queue_depth", Help: "Jobs held in the juggler's in-memory queue"})
	JobsRunning       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "horus_jobs_running", Help: "Jobs currently executing"})
	VersionsPublished = prometheus.NewCounter(prometheus.CounterOpts{Name: "horus_versions_published_total", Help: "Versions made public"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "horus_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
)

// Failure reasons used as the label on JobsFailed.
const (
	FailExecute = "execute"
	FailDecode  = "decode"
	FailPanic   = "panic"
)

// Collectors lists every metric this package owns.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		JobsEnqueued,
		BackfillFailures,
		JobsClaimed,
		JobsCompleted,
		JobsFailed,
		QueueDepth,
		JobsRunning,
		VersionsPublished,
		RateLimitRejects,
	}
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(Collectors()...)
	})
	return promhttp.Handler()
}
