package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HeartbeatsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proctorhub_heartbeats_ingested_total",
		Help: "Total number of heartbeat reports accepted by the ingestion endpoint.",
	})

	ViolationsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctorhub_violations_ingested_total",
		Help: "Total number of violation reports accepted, labelled by type and severity.",
	}, []string{"type", "severity"})

	ViolationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proctorhub_violations_dropped_total",
		Help: "Total number of violation reports silently dropped (non-student callers).",
	})

	SessionsFlagged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proctorhub_sessions_flagged_total",
		Help: "Total number of sessions transitioned to flagged.",
	})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctorhub_realtime_events_published_total",
		Help: "Total number of change events published on the realtime bus, labelled by kind.",
	}, []string{"kind"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proctorhub_realtime_events_dropped_total",
		Help: "Total number of change events dropped due to slow subscribers.",
	})

	StreamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proctorhub_stream_subscribers",
		Help: "Number of currently connected dashboard stream subscribers.",
	})

	AggregationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "proctorhub_aggregation_duration_ms",
		Help:    "Live-view aggregation pass latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	BridgeReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proctorhub_bridge_reconnects_total",
		Help: "Total number of RabbitMQ bridge reconnect attempts.",
	})
)
