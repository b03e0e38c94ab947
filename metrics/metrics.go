package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HistoryRecordsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ams_history_records_total",
			Help: "Total number of history records appended to the ledger",
		},
		[]string{"node_type", "action"},
	)

	VersionConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ams_version_conflicts_total",
			Help: "Total number of updates rejected because of a stale version",
		},
		[]string{"node_type"},
	)

	VersionBumps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ams_version_bumps_total",
			Help: "Total number of version tokens issued, including fan-out bumps",
		},
		[]string{"node_type"},
	)

	TreeBuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ams_tree_build_duration_seconds",
			Help:    "Time taken to load and assemble a submission tree",
			Buckets: prometheus.DefBuckets,
		},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ams_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ams_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache"},
	)

	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ams_cache_errors_total",
			Help: "Total number of cache errors",
		},
		[]string{"cache", "op"},
	)

	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ams_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"route", "status"},
	)
)
