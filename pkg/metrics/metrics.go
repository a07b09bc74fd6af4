// Package metrics registers the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overwatch_broadcasts_total",
		Help: "Push events handed to the publisher, by event name.",
	}, []string{"event"})

	BroadcastsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overwatch_broadcasts_dropped_total",
		Help: "Push events dropped because a queue was full.",
	}, []string{"event"})

	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "overwatch_websocket_clients",
		Help: "Currently connected websocket clients.",
	})

	TelemetryUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overwatch_telemetry_updates_total",
		Help: "Telemetry updates by source and result (accepted, rejected).",
	}, []string{"source", "result"})

	WatcherEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overwatch_watcher_events_total",
		Help: "Filesystem arrival events queued, by artifact kind.",
	}, []string{"kind"})

	WatcherFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "overwatch_watcher_flushes_total",
		Help: "Debounced flush passes.",
	})

	WatcherDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "overwatch_watcher_coalesced_total",
		Help: "Queued arrivals discarded because a newer one arrived in the same window.",
	})

	LookupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "overwatch_metadata_lookup_seconds",
		Help:    "Uncached image metadata lookups across all CSV files.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
)
