// Package metrics declares the Prometheus collectors exported by spiced:
// refresh outcomes, cache effectiveness, and per-dataset readiness state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spice_build_info",
			Help: "Build information of the spice runtime",
		},
		[]string{"version", "commit", "date"},
	)

	RefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spice_dataset_refresh_total",
			Help: "Total number of dataset refreshes",
		},
		[]string{"dataset", "discipline", "status"},
	)

	RefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spice_dataset_refresh_duration_seconds",
			Help:    "Duration of dataset refreshes",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"dataset", "discipline"},
	)

	DatasetReady = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spice_dataset_ready",
			Help: "1 if the dataset is currently ready to serve reads from the Acceleration Store, 0 otherwise",
		},
		[]string{"dataset"},
	)

	DatasetEpoch = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spice_dataset_epoch",
			Help: "Current write epoch of the dataset's Acceleration Store",
		},
		[]string{"dataset"},
	)

	QueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spice_query_total",
			Help: "Total number of queries served",
		},
		[]string{"decision", "status"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spice_query_duration_seconds",
			Help:    "Duration of served queries",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"decision"},
	)

	CacheResultTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spice_results_cache_total",
			Help: "Total number of Results Cache lookups",
		},
		[]string{"outcome"}, // hit, miss, expired, invalidated
	)

	RetentionDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spice_retention_deleted_rows_total",
			Help: "Total number of rows deleted by the Retention Sweeper",
		},
		[]string{"dataset"},
	)
)
