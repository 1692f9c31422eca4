package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "leadgen_jobs_enqueued_total", Help: "Jobs enqueued by type"}, []string{"type"})
	JobsClaimed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "leadgen_jobs_claimed_total", Help: "Jobs claimed by a runner"})
	ClaimConflicts     = prometheus.NewCounter(prometheus.CounterOpts{Name: "leadgen_claim_conflicts_total", Help: "Claims lost to a concurrent runner"})
	JobsSucceeded      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "leadgen_jobs_succeeded_total", Help: "Jobs completed successfully"}, []string{"type"})
	JobsRetried        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "leadgen_jobs_retried_total", Help: "Jobs that failed and will retry"}, []string{"type"})
	JobsFailed         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "leadgen_jobs_failed_total", Help: "Jobs moved to the terminal failed state"}, []string{"type"})
	OrphansReclaimed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "leadgen_orphans_reclaimed_total", Help: "Stale running jobs returned to the queue"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "leadgen_rate_limit_rejects_total", Help: "Runner triggers rejected by rate limiter"})
	GeocodeCacheHits   = prometheus.NewCounter(prometheus.CounterOpts{Name: "leadgen_geocode_cache_hits_total", Help: "Geocode lookups served from cache"})
	GeocodeCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{Name: "leadgen_geocode_cache_misses_total", Help: "Geocode lookups sent upstream"})
	AuditsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "leadgen_audits_completed_total", Help: "Website audits persisted"})
	AuditResponseTime  = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "leadgen_audit_response_seconds",
		Help:    "Audited website response times",
		Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 10},
	})
	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "leadgen_queue_depth", Help: "Queued jobs after the last batch"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsClaimed,
			ClaimConflicts,
			JobsSucceeded,
			JobsRetried,
			JobsFailed,
			OrphansReclaimed,
			RateLimitRejects,
			GeocodeCacheHits,
			GeocodeCacheMisses,
			AuditsCompleted,
			AuditResponseTime,
			QueueDepthGauge,
		)
	})
	return promhttp.Handler()
}
