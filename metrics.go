package repocache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// acquires counts Acquire calls by outcome: "hit", "updated" or "error".
	acquires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repocache_acquires_total",
			Help: "Total number of cache acquires",
		},
		[]string{"result"},
	)

	// updates counts clone and fetch operations by action.
	updates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repocache_updates_total",
			Help: "Total number of repository clones and fetches",
		},
		[]string{"action"}, // "cloned", "fetched", "recloned"
	)

	updateDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "repocache_update_duration_seconds",
			Help:    "Duration of repository clones and fetches",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	lockTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "repocache_lock_timeouts_total",
			Help: "Total number of lock waits that timed out",
		},
	)

	evictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "repocache_evictions_total",
			Help: "Total number of evicted cache entries",
		},
	)

	evictedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "repocache_evicted_bytes_total",
			Help: "Total bytes reclaimed by eviction",
		},
	)

	cacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "repocache_size_bytes",
			Help: "Size of the cache in bytes at the last eviction pass",
		},
	)
)
