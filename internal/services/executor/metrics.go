package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// fillsTotal tracks applied instructions by venue and type.
	fillsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratex_executor_fills_total",
			Help: "Total number of instructions applied and recorded",
		},
		[]string{"venue", "type"},
	)

	// fillFailures tracks instructions the venue failed or rejected.
	fillFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratex_executor_fill_failures_total",
			Help: "Total number of instructions that failed at the venue",
		},
		[]string{"venue"},
	)

	// rejectsTotal tracks instructions rejected before any venue call:
	// validation failures, capacity breaches, health floor violations.
	rejectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratex_executor_rejects_total",
			Help: "Total number of instructions rejected pre-trade",
		},
		[]string{"venue"},
	)

	// retriesTotal counts transient venue errors retried on submission.
	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stratex_executor_submit_retries_total",
		Help: "Total number of retried order submissions",
	})

	// fillLatency observes end-to-end instruction latency.
	fillLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stratex_executor_fill_seconds",
			Help:    "Instruction execution latency from validation to record",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"venue", "mode"},
	)
)
