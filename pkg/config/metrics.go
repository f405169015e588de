package config

import (
	"github.com/marmos91/dhtfs/pkg/metrics"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// Operations observes filesystem callbacks (never nil, no-op if disabled)
	Operations metrics.OperationMetrics

	// Cache observes the attribute and block caches (never nil, no-op if disabled)
	Cache metrics.CacheMetrics

	// Store observes the key-value backend (never nil, no-op if disabled)
	Store metrics.StoreMetrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server
//   - Creates Prometheus-backed metrics instances for all components
//
// If metrics are disabled:
//   - Returns nil server
//   - Returns no-op metrics implementations (zero overhead)
func InitializeMetrics(cfg *Config) *MetricsResult {
	if cfg.Stats.MetricsEnabled {
		metrics.InitRegistry()
	}

	result := &MetricsResult{
		Operations: metrics.NewOperationMetrics(),
		Cache:      metrics.NewCacheMetrics(),
		Store:      metrics.NewStoreMetrics(),
	}

	if cfg.Stats.MetricsEnabled {
		result.Server = metrics.NewServer(metrics.ServerConfig{
			Port: cfg.Stats.MetricsPort,
		})
	}

	return result
}
