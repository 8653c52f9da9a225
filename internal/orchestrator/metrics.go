package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ticksTotal counts evaluated ticks per instance, frozen ticks included.
	ticksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratex_orchestrator_ticks_total",
			Help: "Total number of tick evaluations",
		},
		[]string{"instance"},
	)

	// tickFailures counts ticks that ended in an error.
	tickFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratex_orchestrator_tick_failures_total",
			Help: "Total number of ticks that failed",
		},
		[]string{"instance"},
	)

	// decisionsTotal counts decisions by action, maintain included.
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratex_orchestrator_decisions_total",
			Help: "Total number of decisions produced",
		},
		[]string{"instance", "action"},
	)

	// overridesTotal counts risk-override decisions executed ahead of the
	// queue.
	overridesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratex_orchestrator_risk_overrides_total",
			Help: "Total number of risk override decisions executed",
		},
		[]string{"instance"},
	)

	// queueDropped counts queued work discarded as stale or flushed by an
	// override.
	queueDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratex_orchestrator_queue_dropped_total",
			Help: "Total number of queued work items dropped unexecuted",
		},
		[]string{"instance"},
	)

	// frozenGauge is 1 while an instance refuses to trade after an
	// unverifiable live failure.
	frozenGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stratex_orchestrator_frozen",
			Help: "Whether the instance is frozen pending operator action",
		},
		[]string{"instance"},
	)
)
