// Package metrics defines custom Prometheus metrics for FrameVault.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// ingestBuckets cover whole-dataset ingestion times, which range from
// sub-second for small stacks to minutes for large multi-position runs.
var ingestBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600}

// Storage metrics.
var (
	// StorageOps counts storage operations by operation name and status.
	StorageOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framevault_storage_operations_total",
			Help: "Storage operations by type",
		},
		[]string{"operation", "status"},
	)

	// BytesUploaded counts total bytes written to storage backends.
	BytesUploaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "framevault_storage_bytes_uploaded_total",
			Help: "Total bytes uploaded to storage",
		},
	)

	// BytesDownloaded counts total bytes read from storage backends.
	BytesDownloaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "framevault_storage_bytes_downloaded_total",
			Help: "Total bytes downloaded from storage",
		},
	)
)

// Ingestion and query metrics.
var (
	// FramesSplit counts frames extracted from acquisitions.
	FramesSplit = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "framevault_frames_split_total",
			Help: "Total frames extracted from acquisitions",
		},
	)

	// DatasetsIngested counts completed ingestions by acquisition source.
	DatasetsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framevault_datasets_ingested_total",
			Help: "Completed dataset ingestions by source",
		},
		[]string{"source"},
	)

	// IngestDuration observes end-to-end ingestion latency in seconds.
	IngestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "framevault_ingest_duration_seconds",
			Help:    "End-to-end dataset ingestion latency in seconds",
			Buckets: ingestBuckets,
		},
	)

	// QueryDuration observes frame query latency in seconds.
	QueryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "framevault_frame_query_duration_seconds",
			Help:    "Frame metadata query latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			StorageOps,
			BytesUploaded,
			BytesDownloaded,
			FramesSplit,
			DatasetsIngested,
			IngestDuration,
			QueryDuration,
		)
		// Initialize StorageOps so it appears in /metrics output even
		// before any storage operations have been performed.
		StorageOps.WithLabelValues("put", "ok")
	})
}
