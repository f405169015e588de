// Package metrics exports the mount's Prometheus series: kernel operation
// counts and latencies, attribute and block cache lookups, and key-value
// store round trips.
//
// Nothing is collected until InitRegistry runs. Before that every New*
// constructor hands out a no-op implementation, so callers hold an
// interface and never test for nil.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var active atomic.Pointer[prometheus.Registry]

// InitRegistry enables collection. The registry also carries the Go
// runtime and process collectors. Later calls keep the first registry.
func InitRegistry() {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: "dhtfs"}),
	)
	active.CompareAndSwap(nil, reg)
}

// GetRegistry returns the registry, or nil while collection is disabled.
func GetRegistry() *prometheus.Registry {
	return active.Load()
}

// IsEnabled reports whether InitRegistry has run.
func IsEnabled() bool {
	return active.Load() != nil
}
