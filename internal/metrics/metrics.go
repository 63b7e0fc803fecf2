// Package metrics exposes Prometheus collectors for the crawl pipeline.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal             *prometheus.CounterVec
	emitsTotal            *prometheus.CounterVec
	httpCacheTotal        *prometheus.CounterVec
	tagStoreErrorsTotal   *prometheus.CounterVec
	rateLimitDelaySeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagecrawl_jobs_total",
				Help: "Jobs dispatched, labeled by stage and final state.",
			},
			[]string{"stage", "state"},
		)

		emitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagecrawl_emits_total",
				Help: "Stage emissions, labeled by gate decision.",
			},
			[]string{"decision"},
		)

		httpCacheTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagecrawl_http_cache_total",
				Help: "Conditional request outcomes (hit = 304, miss = full fetch).",
			},
			[]string{"result"},
		)

		tagStoreErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagecrawl_tagstore_errors_total",
				Help: "Tag store failures absorbed by the degrade-to-uncached policy.",
			},
			[]string{"op"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stagecrawl_rate_limit_delay_seconds",
				Help:    "Delay introduced by the per-host rate limiter.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"host"},
		)
	})
}

// JobState counts a job reaching a final dispatcher state.
func JobState(stage, state string) {
	if jobsTotal != nil {
		jobsTotal.WithLabelValues(stage, state).Inc()
	}
}

// EmitDecision counts one gate decision ("proceed", "suppressed",
// "dropped").
func EmitDecision(decision string) {
	if emitsTotal != nil {
		emitsTotal.WithLabelValues(decision).Inc()
	}
}

// HTTPCache counts a conditional request outcome.
func HTTPCache(result string) {
	if httpCacheTotal != nil {
		httpCacheTotal.WithLabelValues(result).Inc()
	}
}

// TagStoreError counts an absorbed tag store failure.
func TagStoreError(op string) {
	if tagStoreErrorsTotal != nil {
		tagStoreErrorsTotal.WithLabelValues(op).Inc()
	}
}

// ObserveRateLimitDelay records limiter wait time for a host.
func ObserveRateLimitDelay(host string, d time.Duration) {
	if rateLimitDelaySeconds != nil {
		rateLimitDelaySeconds.WithLabelValues(host).Observe(d.Seconds())
	}
}
