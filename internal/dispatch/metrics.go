package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costgate_dispatch_requests_total",
			Help: "Generation requests by outcome",
		},
		[]string{"outcome"},
	)

	cacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "costgate_dispatch_cache_hits_total",
			Help: "Requests served from the response cache",
		},
	)

	fallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "costgate_dispatch_fallbacks_total",
			Help: "Responses served by the fallback provider",
		},
	)

	spendTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "costgate_dispatch_spend_usd_total",
			Help: "Accumulated realized spend in USD",
		},
	)

	latencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "costgate_dispatch_latency_seconds",
			Help:    "Provider call latency for non-cached requests",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)
)

const (
	outcomeSuccess        = "success"
	outcomeCacheHit       = "cache_hit"
	outcomeBudgetExceeded = "budget_exceeded"
	outcomeTokenLimit     = "token_limit_exceeded"
	outcomeProviderError  = "provider_error"
)
