package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RateLimitBlockTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quotefeed",
			Name:      "ratelimit_block_total",
			Help:      "Total number of rate limit waits aborted.",
		},
		[]string{"key", "reason"},
	)

	RateLimitWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "quotefeed",
			Name:      "ratelimit_wait_seconds",
			Help:      "Time spent waiting for a provider call slot.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"key"},
	)

	CBRejectTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quotefeed",
			Name:      "circuitbreaker_reject_total",
			Help:      "Total number of circuit breaker rejections.",
		},
		[]string{"name", "reason"},
	)

	CBState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "quotefeed",
			Name:      "circuitbreaker_state",
			Help:      "Circuit breaker state (0/1).",
		},
		[]string{"name", "state"}, // state: closed/open/half-open
	)
)
