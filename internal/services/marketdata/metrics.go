package marketdata

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// lookupsTotal counts venue round-trips, cache hits excluded.
	lookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratex_marketdata_lookups_total",
			Help: "Total number of market data lookups sent to a venue",
		},
		[]string{"venue"},
	)

	// lookupFailures counts lookups that left a view entry missing.
	lookupFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratex_marketdata_lookup_failures_total",
			Help: "Total number of failed market data lookups",
		},
		[]string{"venue"},
	)

	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stratex_marketdata_cache_hits_total",
		Help: "Total number of market data cache hits",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stratex_marketdata_cache_misses_total",
		Help: "Total number of market data cache misses",
	})
)
