// Package metrics exposes Prometheus counters for the generation
// pipeline, the result cache and the token pool.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Generations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow2api_generations_total",
		Help: "Generation requests by media type and outcome.",
	}, []string{"media", "outcome"})

	RateLimitBans = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flow2api_rate_limit_bans_total",
		Help: "Tokens banned after an upstream 429.",
	})

	PoolExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flow2api_pool_exhausted_total",
		Help: "Requests rejected because no eligible token was available.",
	})

	AdmissionRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flow2api_admission_rejected_total",
		Help: "Requests rejected by per-token concurrency ceilings.",
	})

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flow2api_cache_hits_total",
		Help: "Result cache hits served without a download.",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flow2api_cache_misses_total",
		Help: "Result cache misses that triggered a download.",
	})

	CacheDownloadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flow2api_cache_download_failures_total",
		Help: "Downloads that exhausted every strategy.",
	})

	PollAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flow2api_video_poll_attempts_total",
		Help: "Video status poll calls issued.",
	})
)
