package refresh

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/marmos91/dhtfs/internal/logger"
	"github.com/marmos91/dhtfs/pkg/policy"
)

// RulesConfig configures a RulesWatcher.
type RulesConfig struct {
	// Path of the native-only rules file
	Path string

	// PollInterval between checks for the file while it is missing
	// (default: 20s)
	PollInterval time.Duration
}

// RulesWatcher keeps the classifier's native-only group in sync with a
// rules file.
//
// The watcher waits for the file to exist, installs its contents, then
// reloads on every write. When the file is removed or moved away the
// current rules stay installed and the watcher goes back to waiting.
type RulesWatcher struct {
	classifier *policy.Classifier
	config     RulesConfig

	reloads atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	started   chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewRulesWatcher creates a watcher. Call Start to begin watching.
func NewRulesWatcher(classifier *policy.Classifier, config RulesConfig) *RulesWatcher {
	if config.PollInterval <= 0 {
		config.PollInterval = 20 * time.Second
	}

	return &RulesWatcher{
		classifier: classifier,
		config:     config,
		started:    make(chan struct{}),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Reloads returns how many times rules were installed.
func (w *RulesWatcher) Reloads() uint64 {
	return w.reloads.Load()
}

// Load reads the rules file and installs it as the native-only group.
func (w *RulesWatcher) Load() error {
	data, err := os.ReadFile(w.config.Path)
	if err != nil {
		return fmt.Errorf("read rules file: %w", err)
	}

	g := policy.ParsePathGroup("native-only", string(data))
	w.classifier.ReplaceNativeOnly(g)
	w.reloads.Add(1)

	logger.Info("Loaded %d native-only paths from %s", g.Len(), w.config.Path)
	return nil
}

// Start begins watching in the background. Subsequent calls are no-ops.
func (w *RulesWatcher) Start() {
	w.startOnce.Do(func() {
		logger.Info("Starting rules watcher: path=%s poll_interval=%s", w.config.Path, w.config.PollInterval)
		close(w.started)
		go w.worker()
	})
}

// Stop stops the watcher and waits for it to exit. Safe to call multiple
// times, and before Start.
func (w *RulesWatcher) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stopCh) })

	select {
	case <-w.started:
	default:
		return nil
	}

	select {
	case <-w.doneCh:
		return nil
	case <-ctx.Done():
		logger.Warn("Rules watcher shutdown timeout")
		return ctx.Err()
	}
}

func (w *RulesWatcher) worker() {
	defer close(w.doneCh)

	for {
		if !w.waitForFile() {
			return
		}
		if !w.watch() {
			return
		}
	}
}

// waitForFile polls until the rules file exists. It returns false when
// the watcher is stopped first.
func (w *RulesWatcher) waitForFile() bool {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(w.config.Path); err == nil {
			return true
		} else if !errors.Is(err, os.ErrNotExist) {
			logger.Debug("Rules file %s: %v", w.config.Path, err)
		}

		select {
		case <-ticker.C:
		case <-w.stopCh:
			return false
		}
	}
}

// watch installs the rules file and follows it until it is removed or moved away (true)
// or the watcher is stopped (false).
func (w *RulesWatcher) watch() bool {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("Rules watcher: %v", err)
		return w.pause()
	}
	defer watcher.Close()

	if err := watcher.Add(w.config.Path); err != nil {
		logger.Warn("Rules watcher: cannot watch %s: %v", w.config.Path, err)
		return w.pause()
	}

	// Loading after the watch is armed catches writes made in between.
	if err := w.Load(); err != nil {
		logger.Warn("Rules reload failed: %v", err)
	}

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return true
			}
			switch {
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				logger.Info("Rules file %s went away, waiting for it to reappear", w.config.Path)
				return true
			case ev.Has(fsnotify.Write), ev.Has(fsnotify.Create):
				if err := w.Load(); err != nil {
					logger.Warn("Rules reload failed: %v", err)
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return true
			}
			logger.Warn("Rules watcher: %v", err)

		case <-w.stopCh:
			return false
		}
	}
}

// pause waits one poll interval before the worker retries.
func (w *RulesWatcher) pause() bool {
	select {
	case <-time.After(w.config.PollInterval):
		return true
	case <-w.stopCh:
		return false
	}
}
