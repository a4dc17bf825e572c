// Package metrics provides Prometheus metrics for the repository server
// and client.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all bupstash metrics.
var Registry = prometheus.NewRegistry()

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// Metrics holds every metric the engine records.
type Metrics struct {
	// Chunk store
	ChunksWritten      prometheus.Counter // bupstash_chunks_written_total
	ChunksDeduplicated prometheus.Counter // bupstash_chunks_deduplicated_total
	BytesWritten       prometheus.Counter // bupstash_chunk_bytes_written_total
	ChunksRead         prometheus.Counter // bupstash_chunks_read_total
	ChunksRepaired     prometheus.Counter // bupstash_chunks_repaired_total

	// Repository index
	ItemsAdded      prometheus.Counter // bupstash_items_added_total
	ItemsRemoved    prometheus.Counter // bupstash_items_removed_total
	ItemsRestored   prometheus.Counter // bupstash_items_restored_total
	CommitConflicts prometheus.Counter // bupstash_commit_conflicts_total
	Generation      prometheus.Gauge   // bupstash_generation

	// Garbage collection
	GCRuns          prometheus.Counter // bupstash_gc_runs_total
	GCChunksDeleted prometheus.Counter // bupstash_gc_chunks_deleted_total
	GCBytesFreed    prometheus.Counter // bupstash_gc_bytes_freed_total

	// Client uploads
	UploadedChunks prometheus.Counter // bupstash_client_uploaded_chunks_total
	UploadedBytes  prometheus.Counter // bupstash_client_uploaded_bytes_total
	SkippedChunks  prometheus.Counter // bupstash_client_skipped_chunks_total

	// Repository size, sampled by Collector
	RepositoryItems        prometheus.Gauge // bupstash_repository_items
	RepositoryRemovedItems prometheus.Gauge // bupstash_repository_removed_items
	RepositoryChunks       prometheus.Gauge // bupstash_repository_chunks
	RepositoryChunkBytes   prometheus.Gauge // bupstash_repository_chunk_bytes
	VolumeAvailableBytes   prometheus.Gauge // bupstash_volume_available_bytes
	CollectErrors          prometheus.Counter

	// Protocol requests
	RequestsTotal   *prometheus.CounterVec   // bupstash_requests_total{op,status}
	RequestDuration *prometheus.HistogramVec // bupstash_request_duration_seconds{op}
}

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Init registers the metrics with registry. Metrics are only registered
// once; later calls return the same instance.
func Init(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = Registry
		}
		f := promauto.With(registry)
		counter := func(name, help string) prometheus.Counter {
			return f.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		}
		gauge := func(name, help string) prometheus.Gauge {
			return f.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
		}

		metricsInstance = &Metrics{
			ChunksWritten:      counter("bupstash_chunks_written_total", "Chunks newly written to the store"),
			ChunksDeduplicated: counter("bupstash_chunks_deduplicated_total", "Chunk puts that found the chunk already stored"),
			BytesWritten:       counter("bupstash_chunk_bytes_written_total", "Bytes of chunk data written to the store"),
			ChunksRead:         counter("bupstash_chunks_read_total", "Chunks read from the store"),
			ChunksRepaired:     counter("bupstash_chunks_repaired_total", "Chunks reconstructed from parity"),

			ItemsAdded:      counter("bupstash_items_added_total", "Items committed to the index"),
			ItemsRemoved:    counter("bupstash_items_removed_total", "Items moved to the removed set"),
			ItemsRestored:   counter("bupstash_items_restored_total", "Removed items restored"),
			CommitConflicts: counter("bupstash_commit_conflicts_total", "Item commits rejected because the generation changed"),
			Generation:      gauge("bupstash_generation", "Current repository generation"),

			GCRuns:          counter("bupstash_gc_runs_total", "Completed garbage collections"),
			GCChunksDeleted: counter("bupstash_gc_chunks_deleted_total", "Chunks deleted by garbage collection"),
			GCBytesFreed:    counter("bupstash_gc_bytes_freed_total", "Bytes freed by garbage collection"),

			UploadedChunks: counter("bupstash_client_uploaded_chunks_total", "Chunks uploaded by the client"),
			UploadedBytes:  counter("bupstash_client_uploaded_bytes_total", "Bytes uploaded by the client"),
			SkippedChunks:  counter("bupstash_client_skipped_chunks_total", "Chunks not uploaded thanks to the send log"),

			RepositoryItems:        gauge("bupstash_repository_items", "Live items in the repository"),
			RepositoryRemovedItems: gauge("bupstash_repository_removed_items", "Removed items still restorable"),
			RepositoryChunks:       gauge("bupstash_repository_chunks", "Chunks and tree nodes in the store"),
			RepositoryChunkBytes:   gauge("bupstash_repository_chunk_bytes", "Stored bytes of chunks and tree nodes"),
			VolumeAvailableBytes:   gauge("bupstash_volume_available_bytes", "Free space on the repository volume"),
			CollectErrors:          counter("bupstash_collect_errors_total", "Failed repository stats samples"),

			RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Name: "bupstash_requests_total",
				Help: "Protocol requests by operation and status",
			}, []string{"op", "status"}),
			RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "bupstash_request_duration_seconds",
				Help:    "Protocol request duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"op"}),
		}
	})
	return metricsInstance
}

// Get returns the metrics, registering them with Registry on first use.
func Get() *Metrics {
	return Init(nil)
}

// RecordRequest records one protocol request.
func (m *Metrics) RecordRequest(op, status string, seconds float64) {
	m.RequestsTotal.WithLabelValues(op, status).Inc()
	m.RequestDuration.WithLabelValues(op).Observe(seconds)
}

// Handler serves Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
