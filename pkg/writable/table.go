// Package writable tracks files open for writing.
//
// A Table maps each path to at most one File. Every open takes a
// Reference on the shared File; the File leaves the table in the same
// critical section that drops its last reference, so a path is never
// finalized twice and a concurrent open either joins the old File or
// creates a fresh one.
package writable

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/marmos91/dhtfs/internal/logger"
	"github.com/marmos91/dhtfs/pkg/metrics"
	"github.com/marmos91/dhtfs/pkg/policy"
)

var (
	// ErrExists is returned by Create when the path already has a File.
	ErrExists = errors.New("writable: file already open")

	// ErrBusy is returned when an operation conflicts with an open writer.
	ErrBusy = errors.New("writable: file open for writing")

	// ErrReleased is returned when a Reference is used after release.
	ErrReleased = errors.New("writable: reference already released")

	// ErrNoHandle is returned when a path has no File.
	ErrNoHandle = errors.New("writable: no open file")
)

// Reference is one open of a File.
type Reference struct {
	file     *File
	released atomic.Bool
}

// File returns the shared file. It fails once the reference is released.
func (r *Reference) File() (*File, error) {
	if r == nil {
		return nil, ErrNoHandle
	}
	if r.released.Load() {
		return nil, ErrReleased
	}
	return r.file, nil
}

// Finalized describes a File that left the table.
type Finalized struct {
	// Path the file was open under.
	Path string

	// PendingRename is the deferred rename target, or empty.
	PendingRename string
}

// Table is the registry of files open for writing.
type Table struct {
	attrs  Attributes
	blocks Blocks
	gauge  metrics.OperationMetrics

	mu    sync.Mutex
	files map[string]*File
}

// NewTable creates an empty table. m may be nil.
func NewTable(attrs Attributes, blocks Blocks, m metrics.OperationMetrics) *Table {
	if m == nil {
		m = metrics.NoopOperationMetrics{}
	}
	return &Table{
		attrs:  attrs,
		blocks: blocks,
		gauge:  m,
		files:  make(map[string]*File),
	}
}

// Create registers a new File for path and returns its first reference.
// It fails with ErrExists if path already has one.
func (t *Table) Create(path string, seed Seed) (*Reference, error) {
	path = policy.Normalize(path)

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.files[path]; ok {
		return nil, fmt.Errorf("%s: %w", path, ErrExists)
	}

	f := newFile(path, seed, t.attrs, t.blocks)
	f.refs = 1
	t.files[path] = f
	t.gauge.SetOpenWritableFiles(len(t.files))
	return &Reference{file: f}, nil
}

// Lookup takes an additional reference on the File of path.
func (t *Table) Lookup(path string) (*Reference, bool) {
	path = policy.Normalize(path)

	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.files[path]
	if !ok {
		return nil, false
	}
	f.refs++
	return &Reference{file: f}, true
}

// Peek returns the File of path without taking a reference. The File may
// be finalized at any time after Peek returns.
func (t *Table) Peek(path string) (*File, bool) {
	path = policy.Normalize(path)

	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.files[path]
	return f, ok
}

// Contains reports whether path has an open File. The answer may be stale
// as soon as it is returned.
func (t *Table) Contains(path string) bool {
	path = policy.Normalize(path)

	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.files[path]
	return ok
}

// Release flushes the file and drops ref. When ref was the last
// reference the File leaves the table and the returned Finalized is
// non-nil. A flush error is returned after the reference is dropped.
func (t *Table) Release(ctx context.Context, ref *Reference) (*Finalized, error) {
	if ref == nil {
		return nil, ErrNoHandle
	}
	if !ref.released.CompareAndSwap(false, true) {
		return nil, ErrReleased
	}

	f := ref.file
	flushErr := f.Flush(ctx)

	t.mu.Lock()
	f.refs--
	last := f.refs == 0
	if last {
		if cur, ok := t.files[f.path]; ok && cur == f {
			delete(t.files, f.path)
		}
		t.gauge.SetOpenWritableFiles(len(t.files))
	}
	t.mu.Unlock()

	if !last {
		return nil, flushErr
	}
	return &Finalized{Path: f.Path(), PendingRename: f.PendingRename()}, flushErr
}

// Len returns the number of open files.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files)
}

// Paths returns the open paths, sorted.
func (t *Table) Paths() []string {
	t.mu.Lock()
	paths := make([]string, 0, len(t.files))
	for p := range t.files {
		paths = append(paths, p)
	}
	t.mu.Unlock()

	sort.Strings(paths)
	return paths
}

// FlushAll flushes every open file. Every file is attempted; the first
// error is returned.
func (t *Table) FlushAll(ctx context.Context) error {
	t.mu.Lock()
	files := make([]*File, 0, len(t.files))
	for _, f := range t.files {
		files = append(files, f)
	}
	t.mu.Unlock()

	var firstErr error
	for _, f := range files {
		if err := f.Flush(ctx); err != nil {
			logger.Error("flush of open file %s failed: %v", f.Path(), err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if len(files) > 0 {
		logger.Info("flushed %d open writable files", len(files))
	}
	return firstErr
}
