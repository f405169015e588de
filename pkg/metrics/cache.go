package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CacheMetrics observes the attribute and block caches and the backing
// sources they fetch from on a miss.
type CacheMetrics interface {
	// RecordLookup records a cache lookup; cache is "attr", "attr_negative",
	// "attr_permanent" or "block".
	RecordLookup(cache string, hit bool)

	// ObserveFetch records a fetch from source ("store" or "legacy").
	ObserveFetch(source string, duration time.Duration, err error)
}

type cacheMetrics struct {
	lookups       *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
}

// NewCacheMetrics returns a Prometheus-backed CacheMetrics, or a no-op one
// when metrics are disabled.
func NewCacheMetrics() CacheMetrics {
	if !IsEnabled() {
		return NoopCacheMetrics{}
	}
	return newCacheMetrics(GetRegistry())
}

func newCacheMetrics(reg prometheus.Registerer) *cacheMetrics {
	return &cacheMetrics{
		lookups: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dhtfs_cache_lookups_total",
				Help: "Total number of cache lookups by cache and result",
			},
			[]string{"cache", "result"},
		),
		fetches: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dhtfs_cache_fetches_total",
				Help: "Total number of cache-miss fetches by source and status",
			},
			[]string{"source", "status"},
		),
		fetchDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dhtfs_cache_fetch_duration_seconds",
				Help: "Duration of cache-miss fetches in seconds",
				Buckets: []float64{
					0.0001, // 100µs
					0.0005, // 500µs
					0.001,  // 1ms
					0.005,  // 5ms
					0.01,   // 10ms
					0.05,   // 50ms
					0.1,    // 100ms
					0.5,    // 500ms
					1.0,    // 1s
				},
			},
			[]string{"source"},
		),
	}
}

func (m *cacheMetrics) RecordLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.lookups.WithLabelValues(cache, result).Inc()
}

func (m *cacheMetrics) ObserveFetch(source string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.fetches.WithLabelValues(source, status).Inc()
	m.fetchDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// NoopCacheMetrics discards everything.
type NoopCacheMetrics struct{}

func (NoopCacheMetrics) RecordLookup(string, bool)                  {}
func (NoopCacheMetrics) ObserveFetch(string, time.Duration, error) {}
