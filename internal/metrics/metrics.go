// Package metrics provides Prometheus metrics for ftsync.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all ftsync metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler serves the metrics in Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Put outcomes.
const (
	OutcomeApplied = "applied"
	OutcomeStale   = "stale"
	OutcomeError   = "error"
)

// Delete outcomes.
const (
	OutcomeDeleted  = "deleted"
	OutcomeNotFound = "not_found"
)

var (
	engineMetricsOnce     sync.Once
	engineMetricsInstance *EngineMetrics
)

// EngineMetrics holds the per-bucket sync metrics. All methods are safe to
// call on a nil receiver so engines can run without metrics.
type EngineMetrics struct {
	PutsTotal      *prometheus.CounterVec   // ftsync_puts_total{bucket,outcome}
	DeletesTotal   *prometheus.CounterVec   // ftsync_deletes_total{bucket,outcome}
	BytesStored    *prometheus.CounterVec   // ftsync_bytes_stored_total{bucket}
	BlobsCollected *prometheus.CounterVec   // ftsync_blobs_collected_total{bucket}
	BlobGCErrors   *prometheus.CounterVec   // ftsync_blob_gc_errors_total{bucket}
	LockWait       *prometheus.HistogramVec // ftsync_lock_wait_seconds{bucket,kind}
	LockKeys       *prometheus.GaugeVec     // ftsync_lock_keys{bucket}

	RequestsTotal   *prometheus.CounterVec   // ftsync_requests_total{bucket,operation,status}
	RequestDuration *prometheus.HistogramVec // ftsync_request_duration_seconds{bucket,operation}

	BucketUp *prometheus.GaugeVec // ftsync_bucket_up{bucket}
}

// InitEngineMetrics registers the metrics with registry. Only the first call
// registers; later calls return the same instance.
func InitEngineMetrics(registry prometheus.Registerer) *EngineMetrics {
	engineMetricsOnce.Do(func() {
		if registry == nil {
			registry = Registry
		}
		f := promauto.With(registry)
		engineMetricsInstance = &EngineMetrics{
			PutsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Name: "ftsync_puts_total",
				Help: "File puts by outcome",
			}, []string{"bucket", "outcome"}),
			DeletesTotal: f.NewCounterVec(prometheus.CounterOpts{
				Name: "ftsync_deletes_total",
				Help: "File deletes by outcome",
			}, []string{"bucket", "outcome"}),
			BytesStored: f.NewCounterVec(prometheus.CounterOpts{
				Name: "ftsync_bytes_stored_total",
				Help: "Content bytes accepted by applied puts",
			}, []string{"bucket"}),
			BlobsCollected: f.NewCounterVec(prometheus.CounterOpts{
				Name: "ftsync_blobs_collected_total",
				Help: "Blobs deleted after their reference count reached zero",
			}, []string{"bucket"}),
			BlobGCErrors: f.NewCounterVec(prometheus.CounterOpts{
				Name: "ftsync_blob_gc_errors_total",
				Help: "Failed deletions of unreferenced blobs",
			}, []string{"bucket"}),
			LockWait: f.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "ftsync_lock_wait_seconds",
				Help:    "Time spent waiting for path and hash locks",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
			}, []string{"bucket", "kind"}),
			LockKeys: f.NewGaugeVec(prometheus.GaugeOpts{
				Name: "ftsync_lock_keys",
				Help: "Lock keys currently held or waited on",
			}, []string{"bucket"}),
			RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Name: "ftsync_requests_total",
				Help: "HTTP requests by operation and status",
			}, []string{"bucket", "operation", "status"}),
			RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "ftsync_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"bucket", "operation"}),
			BucketUp: f.NewGaugeVec(prometheus.GaugeOpts{
				Name: "ftsync_bucket_up",
				Help: "1 while the bucket is serving, 0 if it failed or stopped",
			}, []string{"bucket"}),
		}
	})
	return engineMetricsInstance
}

// GetEngineMetrics returns the registered instance, or nil before InitEngineMetrics.
func GetEngineMetrics() *EngineMetrics {
	return engineMetricsInstance
}

// RecordPut counts a put and, when applied, its content size.
func (m *EngineMetrics) RecordPut(bucket, outcome string, size int) {
	if m == nil {
		return
	}
	m.PutsTotal.WithLabelValues(bucket, outcome).Inc()
	if outcome == OutcomeApplied {
		m.BytesStored.WithLabelValues(bucket).Add(float64(size))
	}
}

// RecordDelete counts a delete.
func (m *EngineMetrics) RecordDelete(bucket, outcome string) {
	if m == nil {
		return
	}
	m.DeletesTotal.WithLabelValues(bucket, outcome).Inc()
}

// RecordBlobCollected counts a blob removed by reference counting.
func (m *EngineMetrics) RecordBlobCollected(bucket string) {
	if m == nil {
		return
	}
	m.BlobsCollected.WithLabelValues(bucket).Inc()
}

// RecordGCError counts a failed blob removal.
func (m *EngineMetrics) RecordGCError(bucket string) {
	if m == nil {
		return
	}
	m.BlobGCErrors.WithLabelValues(bucket).Inc()
}

// ObserveLockWait records how long an acquisition of kind ("file" or "hash") took.
func (m *EngineMetrics) ObserveLockWait(bucket, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.LockWait.WithLabelValues(bucket, kind).Observe(d.Seconds())
}

// RecordRequest records a request metric.
func (m *EngineMetrics) RecordRequest(bucket, operation, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(bucket, operation, status).Inc()
	m.RequestDuration.WithLabelValues(bucket, operation).Observe(durationSeconds)
}

// SetBucketUp flips the bucket_up gauge.
func (m *EngineMetrics) SetBucketUp(bucket string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.BucketUp.WithLabelValues(bucket).Set(v)
}
