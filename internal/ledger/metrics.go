package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// appendsTotal tracks committed events by kind.
	appendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratex_ledger_appends_total",
			Help: "Total number of events committed to the ledger",
		},
		[]string{"kind"},
	)

	// appendFailures tracks storage write failures; each one left the
	// sequence counter untouched.
	appendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stratex_ledger_append_failures_total",
		Help: "Total number of ledger write failures (no sequence advanced)",
	})

	// updatesTotal tracks live status transitions by target status.
	updatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratex_ledger_status_updates_total",
			Help: "Total number of live status transition records",
		},
		[]string{"status"},
	)

	// sequenceGauge is the highest committed sequence number.
	sequenceGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stratex_ledger_sequence",
		Help: "Highest committed ledger sequence number",
	})

	// tailSubscribers is the number of open tail streams.
	tailSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stratex_ledger_tail_subscribers",
		Help: "Number of open ledger tail streams",
	})

	// tailDropped counts events dropped from lagging tail streams.
	tailDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stratex_ledger_tail_dropped_total",
		Help: "Events dropped from lagging tail subscriber streams",
	})
)
