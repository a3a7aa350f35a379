package eventlog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level metrics, registered once on the default registry so that
// multiple stores (and tests) share the same collectors.
var (
	metricAppendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventlog_appends_total",
		Help: "Total append batches committed",
	})

	metricAppendEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventlog_append_events_total",
		Help: "Total events appended",
	})

	metricAppendBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventlog_append_bytes_total",
		Help: "Total encoded event bytes written",
	})

	metricAppendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "eventlog_append_duration_seconds",
		Help:    "Append batch latency including the durability step",
		Buckets: prometheus.DefBuckets,
	})

	metricOverloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventlog_append_overloads_total",
		Help: "Appends rejected because the in-flight queue was full",
	})

	metricRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventlog_segment_rotations_total",
		Help: "Segment rotations",
	})

	metricViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventlog_integrity_violations_total",
		Help: "Integrity violations detected by the monitor",
	}, []string{"kind"})

	metricVerifyDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventlog_verify_jobs_dropped_total",
		Help: "Verification jobs dropped because the monitor queue was full",
	})

	metricCommittedSeq = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventlog_committed_sequence",
		Help: "Highest committed event sequence",
	})
)
