package speedlayer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level metrics, registered once on the default registry.
var (
	metricVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speedlayer_verdicts_total",
		Help: "Validation verdicts by outcome and deciding tier",
	}, []string{"verdict", "source_tier"})

	metricTierDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "speedlayer_tier_duration_seconds",
		Help:    "Time spent inside each tier",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 30},
	}, []string{"tier"})

	metricValidateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "speedlayer_validate_duration_seconds",
		Help:    "Overall verdict latency",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 30},
	})

	metricTierFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speedlayer_tier_failures_total",
		Help: "Tier evaluations that returned an error",
	}, []string{"tier"})

	metricTierSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speedlayer_tier_skipped_total",
		Help: "Tiers skipped because their circuit breaker was open",
	}, []string{"tier"})

	metricCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speedlayer_cache_hits_total",
		Help: "Decision cache hits by level",
	}, []string{"level"})
)
