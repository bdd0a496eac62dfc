// Package metrics registers the Prometheus metrics exported by placecache.
// Metrics are registered on the default registry at package init; the server
// mounts promhttp.Handler() at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cache engine metrics.
var (
	// Lookups counts engine lookups by outcome ("fast", "durable", "similar",
	// "none").
	Lookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "placecache_lookups_total",
			Help: "Total cache lookups by resolving tier.",
		},
		[]string{"source"},
	)

	// Stores counts write-through store operations.
	Stores = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "placecache_stores_total",
			Help: "Total result sets written to the cache.",
		},
	)

	// DurableErrors counts durable tier adapter failures by operation ("get",
	// "set", "scan", "clear", "count", "decode").
	DurableErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "placecache_durable_errors_total",
			Help: "Total durable cache tier adapter errors.",
		},
		[]string{"op"},
	)
)

// Provider metrics.
var (
	// ProviderRequests counts upstream place search calls labelled by provider
	// and outcome ("success", "error").
	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "placecache_provider_requests_total",
			Help: "Total place search provider calls.",
		},
		[]string{"provider", "status"},
	)

	// ProviderDuration observes upstream call latency in seconds.
	ProviderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "placecache_provider_duration_seconds",
			Help:    "Place search provider call duration in seconds.",
			Buckets: []float64{.025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"provider"},
	)

	// ProviderCostUSD accumulates the configured per-call price of every
	// successful provider call.
	ProviderCostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "placecache_provider_cost_usd_total",
			Help: "Estimated spend on place search provider calls in USD.",
		},
		[]string{"provider"},
	)

	// CostSavedUSD accumulates the price of the primary provider for every
	// search answered from cache.
	CostSavedUSD = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "placecache_cost_saved_usd_total",
			Help: "Estimated provider spend avoided by cache hits in USD.",
		},
	)

	// CircuitBreakerState tracks per-provider breaker state:
	// 0 = closed, 1 = open, 2 = half_open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "placecache_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0=closed 1=open 2=half_open).",
		},
		[]string{"provider"},
	)

	// RateLimitRejections counts searches rejected by rate limiting, labelled
	// by key_type ("client", "global", "provider").
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "placecache_rate_limit_rejections_total",
			Help: "Total searches rejected by rate limiting.",
		},
		[]string{"key_type"},
	)
)
