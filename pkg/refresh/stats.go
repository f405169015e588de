// Package refresh runs the filesystem's background loops: the periodic
// statistics reporter and the native-only rules watcher.
package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/marmos91/dhtfs/internal/logger"
)

// Source contributes one line to each statistics report. detail is true
// on the lower-frequency detailed phase.
type Source struct {
	Name   string
	Report func(detail bool) string
}

// StatsConfig configures a StatsReporter.
type StatsConfig struct {
	// Interval between reports (default: 20s)
	Interval time.Duration

	// DetailInterval between detailed reports (default: 300s)
	DetailInterval time.Duration
}

// StatsReporter logs the statistics of its sources at a fixed interval.
//
// Thread Safety: Safe for concurrent use.
type StatsReporter struct {
	sources []Source
	config  StatsConfig

	startOnce sync.Once
	stopOnce  sync.Once
	started   chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewStatsReporter creates a reporter. Call Start to begin reporting.
func NewStatsReporter(config StatsConfig, sources ...Source) *StatsReporter {
	if config.Interval <= 0 {
		config.Interval = 20 * time.Second
	}
	if config.DetailInterval <= 0 {
		config.DetailInterval = 300 * time.Second
	}

	return &StatsReporter{
		sources: sources,
		config:  config,
		started: make(chan struct{}),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins background reporting. Subsequent calls are no-ops.
func (r *StatsReporter) Start() {
	r.startOnce.Do(func() {
		logger.Info("Starting stats reporter: interval=%s detail_interval=%s",
			r.config.Interval, r.config.DetailInterval)
		close(r.started)
		go r.worker()
	})
}

// Stop stops reporting and waits for the worker to exit. Safe to call
// multiple times, and before Start.
func (r *StatsReporter) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stopCh) })

	select {
	case <-r.started:
	default:
		return nil
	}

	select {
	case <-r.doneCh:
		return nil
	case <-ctx.Done():
		logger.Warn("Stats reporter shutdown timeout")
		return ctx.Err()
	}
}

// RunNow produces and logs one report.
func (r *StatsReporter) RunNow(detail bool) []string {
	lines := make([]string, 0, len(r.sources))
	for _, s := range r.sources {
		line := s.Name + ": " + s.Report(detail)
		lines = append(lines, line)
		if detail {
			logger.Info("stats (detail) %s", line)
		} else {
			logger.Info("stats %s", line)
		}
	}
	return lines
}

func (r *StatsReporter) worker() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	lastDetail := time.Now()
	for {
		select {
		case now := <-ticker.C:
			detail := now.Sub(lastDetail) >= r.config.DetailInterval
			if detail {
				lastDetail = now
			}
			r.RunNow(detail)

		case <-r.stopCh:
			return
		}
	}
}
