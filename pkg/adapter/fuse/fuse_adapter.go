package fuse

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/marmos91/dhtfs/internal/logger"
	"github.com/marmos91/dhtfs/pkg/dispatch"
	"github.com/marmos91/dhtfs/pkg/metrics"
)

// fuseConfPath enables allow_other when present.
const fuseConfPath = "/etc/fuse.conf"

// forever stands in for "never expire" kernel cache timeouts.
const forever = 365 * 24 * time.Hour

// FUSEAdapter implements the adapter.Adapter interface for the Linux FUSE
// protocol using go-fuse's node API.
//
// Every kernel callback is translated into one Dispatcher call. The
// adapter owns the mount: Serve mounts and blocks until the filesystem
// is unmounted, Stop unmounts.
//
// Shutdown flow:
//  1. Context cancelled or Stop() called
//  2. The filesystem is unmounted (the kernel stops sending requests)
//  3. go-fuse drains in-flight requests and Serve() returns
type FUSEAdapter struct {
	config FUSEConfig

	dispatcher *dispatch.Dispatcher

	metrics metrics.OperationMetrics

	// mu protects server
	mu     sync.Mutex
	server *fuse.Server

	// shutdownOnce makes unmounting idempotent
	shutdownOnce sync.Once

	// served is closed when Serve returns
	served chan struct{}
}

// FUSEConfig configures the FUSE mount.
type FUSEConfig struct {
	// MountPoint is the directory the filesystem is mounted on.
	// It is created if missing.
	MountPoint string

	// AllowOther lets users other than the mounting one access the mount.
	// It is also enabled when /etc/fuse.conf exists.
	AllowOther bool

	// BigWrites raises the maximum write request from 128KiB to 1MiB.
	BigWrites bool

	// Debug logs every FUSE request and reply.
	Debug bool

	// EntryTimeout, AttrTimeout and NegativeTimeout bound the kernel's
	// name, attribute and failed-lookup caches. Negative values mean the
	// entries never expire.
	EntryTimeout    time.Duration
	AttrTimeout     time.Duration
	NegativeTimeout time.Duration

	// MaxReadahead bounds kernel readahead in bytes (0 = kernel default).
	MaxReadahead int

	// FsName is shown as the source in /proc/mounts.
	FsName string
}

func (c *FUSEConfig) applyDefaults() {
	if c.FsName == "" {
		c.FsName = "dhtfs"
	}
}

func (c *FUSEConfig) validate() error {
	if c.MountPoint == "" {
		return errors.New("mount point is required")
	}
	if c.MaxReadahead < 0 {
		return fmt.Errorf("invalid max readahead %d", c.MaxReadahead)
	}
	return nil
}

// New creates a FUSEAdapter.
//
// Panics if the configuration is invalid (programmer error: the
// configuration layer validates user input before this point).
func New(config FUSEConfig, m metrics.OperationMetrics) *FUSEAdapter {
	config.applyDefaults()
	if err := config.validate(); err != nil {
		panic(fmt.Sprintf("invalid FUSE config: %v", err))
	}

	if m == nil {
		m = metrics.NoopOperationMetrics{}
	}

	return &FUSEAdapter{
		config:  config,
		metrics: m,
		served:  make(chan struct{}),
	}
}

// SetDispatcher injects the dispatcher. Called once before Serve.
func (a *FUSEAdapter) SetDispatcher(d *dispatch.Dispatcher) {
	a.dispatcher = d
}

// Protocol returns "FUSE".
func (a *FUSEAdapter) Protocol() string {
	return "FUSE"
}

// MountPoint returns the configured mount point.
func (a *FUSEAdapter) MountPoint() string {
	return a.config.MountPoint
}

// mountOptions translates the configuration into go-fuse options.
func (a *FUSEAdapter) mountOptions() *fs.Options {
	entry := kernelTimeout(a.config.EntryTimeout)
	attrTimeout := kernelTimeout(a.config.AttrTimeout)
	negative := kernelTimeout(a.config.NegativeTimeout)

	maxWrite := 128 << 10
	if a.config.BigWrites {
		maxWrite = 1 << 20
	}

	allowOther := a.config.AllowOther
	if !allowOther {
		if _, err := os.Stat(fuseConfPath); err == nil {
			allowOther = true
		}
	}

	return &fs.Options{
		EntryTimeout:    &entry,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negative,
		MountOptions: fuse.MountOptions{
			FsName:        a.config.FsName,
			Name:          "dhtfs",
			AllowOther:    allowOther,
			MaxWrite:      maxWrite,
			MaxReadAhead:  a.config.MaxReadahead,
			Debug:         a.config.Debug,
			DisableXAttrs: true,
		},
	}
}

func kernelTimeout(d time.Duration) time.Duration {
	if d < 0 {
		return forever
	}
	return d
}

// Serve mounts the filesystem and blocks until it is unmounted.
//
// Returns:
//   - nil when the filesystem was unmounted from outside the process
//   - context.Canceled (or the context's error) after a requested shutdown
//   - error if the mount fails
func (a *FUSEAdapter) Serve(ctx context.Context) error {
	defer close(a.served)

	if a.dispatcher == nil {
		return errors.New("FUSE adapter: dispatcher not set")
	}

	if err := os.MkdirAll(a.config.MountPoint, 0o755); err != nil {
		return fmt.Errorf("failed to create mount point %s: %w", a.config.MountPoint, err)
	}

	root := &node{fsys: &fileSystem{d: a.dispatcher, metrics: a.metrics}}
	server, err := fs.Mount(a.config.MountPoint, root, a.mountOptions())
	if err != nil {
		return fmt.Errorf("failed to mount %s: %w", a.config.MountPoint, err)
	}

	a.mu.Lock()
	a.server = server
	a.mu.Unlock()

	logger.Info("FUSE filesystem mounted at %s", a.config.MountPoint)
	logger.Debug("FUSE config: allow_other=%v big_writes=%v entry_timeout=%v attr_timeout=%v negative_timeout=%v",
		a.config.AllowOther, a.config.BigWrites, a.config.EntryTimeout, a.config.AttrTimeout, a.config.NegativeTimeout)

	// Monitor context cancellation in separate goroutine
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			logger.Info("FUSE shutdown signal received: %v", ctx.Err())
			a.unmount()
		case <-stopWatch:
		}
	}()

	server.Wait()
	logger.Info("FUSE filesystem at %s unmounted", a.config.MountPoint)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// unmount detaches the filesystem once. Failures, typically a busy mount,
// are logged.
func (a *FUSEAdapter) unmount() {
	a.shutdownOnce.Do(func() {
		a.mu.Lock()
		server := a.server
		a.mu.Unlock()

		if server == nil {
			return
		}
		if err := server.Unmount(); err != nil {
			logger.Warn("FUSE unmount of %s failed: %v", a.config.MountPoint, err)
		}
	})
}

// Stop unmounts the filesystem and waits for Serve to return or ctx to
// expire.
//
// Thread safety:
// Safe to call concurrently from multiple goroutines.
func (a *FUSEAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	mounted := a.server != nil
	a.mu.Unlock()

	if !mounted {
		return nil
	}

	a.unmount()

	select {
	case <-a.served:
		return nil
	case <-ctx.Done():
		logger.Warn("FUSE shutdown context cancelled before unmount completed: %v", ctx.Err())
		return ctx.Err()
	}
}
