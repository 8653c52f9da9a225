package web

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	streamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stratex_web_stream_clients",
		Help: "Number of connected websocket tail clients",
	})

	streamedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stratex_web_streamed_events_total",
		Help: "Total number of events pushed over websocket streams",
	})

	exportedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stratex_web_exported_events_total",
		Help: "Total number of events served through /events exports",
	})
)
