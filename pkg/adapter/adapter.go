package adapter

import (
	"context"

	"github.com/marmos91/dhtfs/pkg/dispatch"
)

// Adapter represents a kernel-facing surface that can be managed by the
// dhtfs server.
//
// Each adapter translates one kernel protocol (FUSE today) into calls on
// the shared Dispatcher. All adapters of a server share the same
// dispatcher, so the writable file table and directory table are common.
//
// Lifecycle:
//  1. Creation: Adapter is created with protocol-specific configuration
//  2. Dispatcher injection: SetDispatcher() provides the operation surface
//  3. Startup: Serve() mounts and blocks until unmount or shutdown
//  4. Shutdown: Stop() unmounts with a timeout
//
// Thread safety:
// Implementations must be safe for concurrent use. SetDispatcher() is
// called once before Serve(), but Stop() may be called concurrently with
// Serve().
type Adapter interface {
	// Serve mounts the filesystem and blocks until the context is cancelled
	// or the filesystem is unmounted.
	//
	// When the context is cancelled, Serve must unmount and return
	// context.Canceled. An unmount from outside the process (fusermount -u)
	// makes Serve return nil, which the server treats as a request to shut
	// down.
	Serve(ctx context.Context) error

	// SetDispatcher injects the dispatcher serving every callback.
	//
	// Called exactly once, before Serve().
	SetDispatcher(d *dispatch.Dispatcher)

	// Stop unmounts the filesystem.
	//
	// Implementations must be idempotent and safe to call concurrently
	// with Serve(). The context bounds how long Stop waits for Serve to
	// return.
	Stop(ctx context.Context) error

	// Protocol returns the human-readable protocol name for logging and metrics.
	Protocol() string

	// MountPoint returns the directory the adapter is mounted on.
	MountPoint() string
}
