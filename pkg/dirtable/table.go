// Package dirtable maintains the directory tree of the writable namespace.
//
// Each directory is one record in the key-value store listing its children.
// A child is visible in a listing exactly when its entry is present in the
// parent record, independently of whether the child's own attributes or
// data exist yet. Record updates are read-modify-write cycles serialized
// by striped per-directory locks.
package dirtable

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/marmos91/dhtfs/internal/logger"
	"github.com/marmos91/dhtfs/pkg/attr"
	"github.com/marmos91/dhtfs/pkg/kv"
	"github.com/marmos91/dhtfs/pkg/policy"
	"golang.org/x/sys/unix"
)

var (
	// ErrNotFound is returned when a directory or entry does not exist.
	ErrNotFound = errors.New("dirtable: not found")

	// ErrExists is returned by Mkdir when the name is taken.
	ErrExists = errors.New("dirtable: already exists")

	// ErrNotEmpty is returned by Rmdir for directories with entries.
	ErrNotEmpty = errors.New("dirtable: directory not empty")

	// ErrNotDirectory is returned when a directory operation targets a file.
	ErrNotDirectory = errors.New("dirtable: not a directory")

	// ErrBadHandle is returned when releasing an unknown or released handle.
	ErrBadHandle = errors.New("dirtable: invalid directory handle")
)

const lockStripes = 64

// Attributes is the attribute facade as used by the table.
type Attributes interface {
	GetAttributes(ctx context.Context, path string) (*attr.FileAttributes, error)
	WriteAttributesDirect(ctx context.Context, path string, attrs *attr.FileAttributes) error
	DeleteAttributes(ctx context.Context, path string) error
}

// Handle is an open directory.
type Handle struct {
	ID       uint64
	Path     string
	released atomic.Bool
}

// Table is the directory table.
type Table struct {
	kv    kv.Store
	attrs Attributes

	locks [lockStripes]sync.Mutex

	nextHandle atomic.Uint64
	openDirs   atomic.Int64
}

// NewTable creates a table over store.
func NewTable(store kv.Store, attrs Attributes) *Table {
	return &Table{kv: store, attrs: attrs}
}

func stripe(p string) int {
	return int(xxhash.Sum64String(p) % lockStripes)
}

// lock locks the stripes of every path, in stripe order, and returns the
// matching unlock.
func (t *Table) lock(paths ...string) func() {
	var held [lockStripes]bool
	for _, p := range paths {
		held[stripe(p)] = true
	}
	for i := range held {
		if held[i] {
			t.locks[i].Lock()
		}
	}
	return func() {
		for i := lockStripes - 1; i >= 0; i-- {
			if held[i] {
				t.locks[i].Unlock()
			}
		}
	}
}

func (t *Table) load(ctx context.Context, dir string) (*record, error) {
	data, err := t.kv.Get(ctx, kv.NamespaceDir, dir)
	if kv.IsNotFound(err) {
		return nil, fmt.Errorf("%s: %w", dir, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load directory %s: %w", dir, err)
	}
	r, err := decodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("decode directory %s: %w", dir, err)
	}
	return r, nil
}

func (t *Table) save(ctx context.Context, dir string, r *record) error {
	r.Mtime = time.Now().UnixNano()
	data, err := encodeRecord(r)
	if err != nil {
		return fmt.Errorf("encode directory %s: %w", dir, err)
	}
	if err := t.kv.Put(ctx, kv.NamespaceDir, dir, data); err != nil {
		return fmt.Errorf("store directory %s: %w", dir, err)
	}
	return nil
}

// MkdirBase creates the root of the writable namespace if it is missing.
// It has no parent entry.
func (t *Table) MkdirBase(ctx context.Context, dir string, mode, uid, gid uint32) error {
	dir = policy.Normalize(dir)
	unlock := t.lock(dir)
	defer unlock()

	if _, err := t.load(ctx, dir); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	if err := t.attrs.WriteAttributesDirect(ctx, dir, attr.New(unix.S_IFDIR|mode, uid, gid)); err != nil {
		return err
	}
	if err := t.save(ctx, dir, &record{}); err != nil {
		return err
	}
	logger.Info("created writable base directory %s", dir)
	return nil
}

// OpenDir returns a handle on an existing directory.
func (t *Table) OpenDir(ctx context.Context, dir string) (*Handle, error) {
	dir = policy.Normalize(dir)
	if _, err := t.load(ctx, dir); err != nil {
		return nil, err
	}

	t.openDirs.Add(1)
	return &Handle{ID: t.nextHandle.Add(1), Path: dir}, nil
}

// ReleaseDir releases a handle returned by OpenDir.
func (t *Table) ReleaseDir(h *Handle) error {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return ErrBadHandle
	}
	t.openDirs.Add(-1)
	return nil
}

// ReadDir lists dir.
func (t *Table) ReadDir(ctx context.Context, dir string) ([]Entry, error) {
	dir = policy.Normalize(dir)
	r, err := t.load(ctx, dir)
	if err != nil {
		return nil, err
	}
	return append([]Entry(nil), r.Entries...), nil
}

// Mkdir creates dir. The directory's record and attributes are written
// before its entry appears in the parent.
func (t *Table) Mkdir(ctx context.Context, dir string, mode, uid, gid uint32) error {
	dir = policy.Normalize(dir)
	parent, name := path.Split(dir)
	parent = policy.Normalize(parent)

	unlock := t.lock(parent, dir)
	defer unlock()

	pr, err := t.load(ctx, parent)
	if err != nil {
		return err
	}
	if _, ok := pr.find(name); ok {
		return fmt.Errorf("%s: %w", dir, ErrExists)
	}

	if err := t.attrs.WriteAttributesDirect(ctx, dir, attr.New(unix.S_IFDIR|(mode&^unix.S_IFMT), uid, gid)); err != nil {
		return err
	}
	if err := t.save(ctx, dir, &record{}); err != nil {
		return err
	}

	pr.put(name, unix.S_IFDIR)
	return t.save(ctx, parent, pr)
}

// Rmdir removes an empty directory. The parent entry goes first, so a
// failure part way leaves an unreferenced record rather than a dangling
// entry.
func (t *Table) Rmdir(ctx context.Context, dir string) error {
	dir = policy.Normalize(dir)
	parent, name := path.Split(dir)
	parent = policy.Normalize(parent)

	unlock := t.lock(parent, dir)
	defer unlock()

	r, err := t.load(ctx, dir)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			if a, aerr := t.attrs.GetAttributes(ctx, dir); aerr == nil && !a.IsDir() {
				return fmt.Errorf("%s: %w", dir, ErrNotDirectory)
			}
		}
		return err
	}
	if len(r.Entries) > 0 {
		return fmt.Errorf("%s: %w", dir, ErrNotEmpty)
	}

	pr, err := t.load(ctx, parent)
	if err != nil {
		return err
	}
	if pr.remove(name) {
		if err := t.save(ctx, parent, pr); err != nil {
			return err
		}
	}

	if err := t.kv.Delete(ctx, kv.NamespaceDir, dir); err != nil {
		logger.Warn("rmdir %s: failed to delete directory record: %v", dir, err)
	}
	if err := t.attrs.DeleteAttributes(ctx, dir); err != nil {
		logger.Warn("rmdir %s: failed to delete attributes: %v", dir, err)
	}
	return nil
}

// AddEntryToParent records p in its parent directory with the given type
// bits. Adding an existing entry is not an error.
func (t *Table) AddEntryToParent(ctx context.Context, p string, mode uint32) error {
	p = policy.Normalize(p)
	parent, name := path.Split(p)
	parent = policy.Normalize(parent)

	unlock := t.lock(parent)
	defer unlock()

	pr, err := t.load(ctx, parent)
	if err != nil {
		return err
	}
	if !pr.put(name, mode&unix.S_IFMT) {
		return nil
	}
	return t.save(ctx, parent, pr)
}

// RemoveEntryFromParent removes p from its parent directory.
func (t *Table) RemoveEntryFromParent(ctx context.Context, p string) error {
	p = policy.Normalize(p)
	parent, name := path.Split(p)
	parent = policy.Normalize(parent)

	unlock := t.lock(parent)
	defer unlock()

	pr, err := t.load(ctx, parent)
	if err != nil {
		return err
	}
	if !pr.remove(name) {
		return fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	return t.save(ctx, parent, pr)
}

// HasEntry reports whether p is listed in its parent.
func (t *Table) HasEntry(ctx context.Context, p string) (bool, error) {
	p = policy.Normalize(p)
	parent, name := path.Split(p)

	pr, err := t.load(ctx, policy.Normalize(parent))
	if err != nil {
		return false, err
	}
	_, ok := pr.find(name)
	return ok, nil
}

// Stats is a snapshot of the table's counters.
type Stats struct {
	OpenDirs int64
}

// Stats returns the current counters.
func (t *Table) Stats() Stats {
	return Stats{OpenDirs: t.openDirs.Load()}
}
