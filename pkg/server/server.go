package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dhtfs/internal/logger"
	"github.com/marmos91/dhtfs/pkg/adapter"
	"github.com/marmos91/dhtfs/pkg/dispatch"
	"github.com/marmos91/dhtfs/pkg/kv"
	"github.com/marmos91/dhtfs/pkg/metrics"
	"github.com/marmos91/dhtfs/pkg/refresh"
	"github.com/marmos91/dhtfs/pkg/writable"
)

// DHTFSServer manages the lifecycle of the mounted filesystem: the
// adapters that expose the dispatcher, the background loops, and the
// backing store.
//
// Lifecycle:
//  1. Creation: Build() from a configuration, or New() with components
//  2. Registration: AddAdapter() for each mount
//  3. Startup: Serve() starts the adapters and the background loops
//  4. Shutdown: context cancellation or an external unmount stops
//     everything, flushes open writable files and closes the store
//
// Thread safety:
// AddAdapter() may be called concurrently with other methods until
// Serve() is called. Serve() may only be called once.
type DHTFSServer struct {
	dispatcher *dispatch.Dispatcher
	files      *writable.Table
	store      kv.Store

	stats   *refresh.StatsReporter
	rules   *refresh.RulesWatcher
	metrics *metrics.Server

	shutdownTimeout time.Duration

	adapters []adapter.Adapter

	// mu protects adapters and served
	mu     sync.RWMutex
	served bool

	closed atomic.Bool
}

// Components are the parts a DHTFSServer drives. Dispatcher, Files and
// Store are required; the rest are optional.
type Components struct {
	Dispatcher *dispatch.Dispatcher
	Files      *writable.Table
	Store      kv.Store

	Stats   *refresh.StatsReporter
	Rules   *refresh.RulesWatcher
	Metrics *metrics.Server

	// ShutdownTimeout bounds adapter and loop shutdown (default: 30s)
	ShutdownTimeout time.Duration
}

// New creates a server. Panics if a required component is nil.
func New(c Components) *DHTFSServer {
	if c.Dispatcher == nil {
		panic("dispatcher cannot be nil")
	}
	if c.Files == nil {
		panic("writable file table cannot be nil")
	}
	if c.Store == nil {
		panic("store cannot be nil")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}

	return &DHTFSServer{
		dispatcher:      c.Dispatcher,
		files:           c.Files,
		store:           c.Store,
		stats:           c.Stats,
		rules:           c.Rules,
		metrics:         c.Metrics,
		shutdownTimeout: c.ShutdownTimeout,
		adapters:        make([]adapter.Adapter, 0, 1),
	}
}

// Dispatcher returns the dispatcher shared by all adapters.
func (s *DHTFSServer) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

// AddAdapter registers an adapter and hands it the dispatcher.
//
// Returns an error if another adapter already serves the same mount point.
// Panics if a is nil or Serve() has been called.
func (s *DHTFSServer) AddAdapter(a adapter.Adapter) error {
	if a == nil {
		panic("adapter cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.served {
		panic("cannot add adapter after Serve() has been called")
	}

	mountPoint := a.MountPoint()
	for _, existing := range s.adapters {
		if existing.MountPoint() == mountPoint {
			return fmt.Errorf("mount point %s already served by %s adapter",
				mountPoint, existing.Protocol())
		}
	}

	a.SetDispatcher(s.dispatcher)
	s.adapters = append(s.adapters, a)

	logger.Info("Registered %s adapter on %s", a.Protocol(), mountPoint)

	return nil
}

// Adapters returns a snapshot of the registered adapters.
func (s *DHTFSServer) Adapters() []adapter.Adapter {
	s.mu.RLock()
	defer s.mu.RUnlock()

	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	return adapters
}

// adapterExit reports the end of one adapter's Serve. err is nil when the
// filesystem was unmounted from outside.
type adapterExit struct {
	protocol string
	err      error
}

// Serve starts the background loops and every adapter, then blocks until
// ctx is cancelled, an adapter fails, or an adapter's filesystem is
// unmounted externally. In every case all adapters are stopped and the
// server is shut down before Serve returns.
//
// Returns nil after an external unmount, ctx.Err() after cancellation,
// and the adapter's error after a failure.
func (s *DHTFSServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.served {
		s.mu.Unlock()
		return errors.New("server already served")
	}
	s.served = true
	if len(s.adapters) == 0 {
		s.mu.Unlock()
		return errors.New("no adapters registered; call AddAdapter() before Serve()")
	}
	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	s.mu.Unlock()

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	s.startLoops(loopCtx)

	logger.Info("Starting DHTFS with %d adapter(s)", len(adapters))

	exits := make(chan adapterExit, len(adapters))
	var wg sync.WaitGroup

	for _, adp := range adapters {
		wg.Add(1)
		go func(a adapter.Adapter) {
			defer wg.Done()

			logger.Info("Starting %s adapter on %s", a.Protocol(), a.MountPoint())
			err := a.Serve(ctx)
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				logger.Debug("%s adapter stopped gracefully", a.Protocol())
				err = nil
			}
			exits <- adapterExit{protocol: a.Protocol(), err: err}
		}(adp)
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received (reason: %v)", ctx.Err())
		serveErr = ctx.Err()

	case exit := <-exits:
		if exit.err != nil {
			logger.Error("%s adapter failed: %v - initiating shutdown", exit.protocol, exit.err)
			serveErr = fmt.Errorf("%s adapter error: %w", exit.protocol, exit.err)
		} else {
			logger.Info("%s filesystem unmounted - initiating shutdown", exit.protocol)
		}
	}

	s.stopAllAdapters(adapters)

	logger.Debug("Waiting for all adapters to complete shutdown")
	wg.Wait()

	cancelLoops()
	if err := s.Shutdown(); err != nil && serveErr == nil {
		serveErr = err
	}

	logger.Info("DHTFS stopped")

	return serveErr
}

// startLoops launches the stats reporter, the rules watcher and the
// metrics server.
func (s *DHTFSServer) startLoops(ctx context.Context) {
	if s.stats != nil {
		s.stats.Start()
	}

	if s.rules != nil {
		s.rules.Start()
	}

	if s.metrics != nil {
		go func() {
			if err := s.metrics.Start(ctx); err != nil {
				logger.Error("Metrics server error: %v", err)
			}
		}()
	}
}

// stopAllAdapters signals every adapter to stop, in reverse registration
// order, within the shutdown timeout.
func (s *DHTFSServer) stopAllAdapters(adapters []adapter.Adapter) {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	logger.Info("Initiating graceful shutdown of %d adapter(s)", len(adapters))

	for i := len(adapters) - 1; i >= 0; i-- {
		adp := adapters[i]
		if err := adp.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Error stopping %s adapter: %v", adp.Protocol(), err)
		} else {
			logger.Debug("%s adapter stop signal sent", adp.Protocol())
		}
	}
}

// Shutdown stops the background loops, flushes every open writable file
// and closes the store. Only the first call has an effect; Serve calls it
// on the way out.
func (s *DHTFSServer) Shutdown() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var errs []error

	if s.rules != nil {
		if err := s.rules.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("rules watcher: %w", err))
		}
	}

	if s.stats != nil {
		if err := s.stats.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stats reporter: %w", err))
		}
	}

	if n := s.files.Len(); n > 0 {
		logger.Info("Flushing %d open writable file(s)", n)
	}
	if err := s.files.FlushAll(ctx); err != nil {
		logger.Error("Flush on shutdown failed: %v", err)
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}

	if err := s.store.Close(); err != nil {
		logger.Error("Store close failed: %v", err)
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	if s.metrics != nil {
		if err := s.metrics.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
