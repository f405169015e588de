package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StoreMetrics observes calls to the key-value backend.
type StoreMetrics interface {
	// ObserveOperation records a get, put or delete against namespace.
	ObserveOperation(operation, namespace string, duration time.Duration, err error)

	// RecordBytes records payload bytes moved by operation.
	RecordBytes(operation string, bytes int64)
}

type storeMetrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	bytes      *prometheus.CounterVec
}

// NewStoreMetrics returns a Prometheus-backed StoreMetrics, or a no-op one
// when metrics are disabled.
func NewStoreMetrics() StoreMetrics {
	if !IsEnabled() {
		return NoopStoreMetrics{}
	}
	return newStoreMetrics(GetRegistry())
}

func newStoreMetrics(reg prometheus.Registerer) *storeMetrics {
	return &storeMetrics{
		operations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dhtfs_store_operations_total",
				Help: "Total number of key-value store operations",
			},
			[]string{"operation", "namespace", "status"},
		),
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dhtfs_store_operation_duration_seconds",
				Help: "Duration of key-value store operations in seconds",
				Buckets: []float64{
					0.0005, // 500µs
					0.001,  // 1ms
					0.005,  // 5ms
					0.01,   // 10ms
					0.05,   // 50ms
					0.1,    // 100ms
					0.5,    // 500ms
					1.0,    // 1s
					5.0,    // 5s
				},
			},
			[]string{"operation"},
		),
		bytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dhtfs_store_bytes_total",
				Help: "Total payload bytes moved to or from the key-value store",
			},
			[]string{"operation"},
		),
	}
}

func (m *storeMetrics) ObserveOperation(operation, namespace string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.operations.WithLabelValues(operation, namespace, status).Inc()
	m.duration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *storeMetrics) RecordBytes(operation string, bytes int64) {
	m.bytes.WithLabelValues(operation).Add(float64(bytes))
}

// NoopStoreMetrics discards everything.
type NoopStoreMetrics struct{}

func (NoopStoreMetrics) ObserveOperation(string, string, time.Duration, error) {}
func (NoopStoreMetrics) RecordBytes(string, int64)                             {}
