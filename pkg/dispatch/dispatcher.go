// Package dispatch implements one handler per kernel filesystem callback.
//
// Every handler classifies its path first, then routes to the legacy
// filesystem, the attribute and block facades, or the directory and
// writable file tables. Handlers return nil or *Error; collaborator
// errors are classified at this boundary.
//
// Rename and unlink race with writers that hold the path open. The
// dispatcher does not lock paths: unlink refuses while a writer is
// registered, and rename waits a bounded time for writers to leave before
// deferring itself to the last writer's release.
package dispatch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/dhtfs/internal/logger"
	"github.com/marmos91/dhtfs/pkg/attr"
	"github.com/marmos91/dhtfs/pkg/block"
	"github.com/marmos91/dhtfs/pkg/dirtable"
	"github.com/marmos91/dhtfs/pkg/kv"
	"github.com/marmos91/dhtfs/pkg/legacy"
	"github.com/marmos91/dhtfs/pkg/policy"
	"github.com/marmos91/dhtfs/pkg/writable"
	"golang.org/x/sys/unix"
)

// MaxSymlinkTarget is the longest symlink target accepted.
const MaxSymlinkTarget = 4096

// AttrStore is the attribute facade.
type AttrStore interface {
	GetAttributes(ctx context.Context, path string) (*attr.FileAttributes, error)
	WriteAttributesDirect(ctx context.Context, path string, attrs *attr.FileAttributes) error
	DeleteAttributes(ctx context.Context, path string) error
}

// BlockStore is the block facade.
type BlockStore interface {
	ReadRange(ctx context.Context, path string, attrs *attr.FileAttributes, size int, offset int64) ([]byte, error)
	DeleteBlocks(ctx context.Context, fileID uuid.UUID, count uint64) error
}

// DirTable is the directory table.
type DirTable interface {
	OpenDir(ctx context.Context, dir string) (*dirtable.Handle, error)
	ReleaseDir(h *dirtable.Handle) error
	ReadDir(ctx context.Context, dir string) ([]dirtable.Entry, error)
	Mkdir(ctx context.Context, dir string, mode, uid, gid uint32) error
	Rmdir(ctx context.Context, dir string) error
	AddEntryToParent(ctx context.Context, p string, mode uint32) error
	RemoveEntryFromParent(ctx context.Context, p string) error
}

// Legacy is the legacy filesystem.
type Legacy interface {
	Lstat(ctx context.Context, p string) (*unix.Stat_t, error)
	ReadDir(ctx context.Context, p string) ([]legacy.DirEntry, error)
	Readlink(ctx context.Context, p string) (string, error)
	ReadAt(ctx context.Context, p string, buf []byte, offset int64) (int, error)
	Statfs(ctx context.Context, p string) (*unix.Statfs_t, error)
}

// Config configures a Dispatcher.
type Config struct {
	// MountPath is where the filesystem is mounted. Relative symlink
	// targets are resolved against it.
	MountPath string

	// Retry bounds the wait for writers before a rename is deferred.
	Retry RetryPolicy

	// SettleDelay is waited before editing the attributes of a file that
	// has an open writer.
	SettleDelay time.Duration
}

// Dispatcher serves filesystem callbacks.
type Dispatcher struct {
	classifier *policy.Classifier
	attrs      AttrStore
	blocks     BlockStore
	dirs       DirTable
	files      *writable.Table
	legacy     Legacy

	mountPath   string
	retry       RetryPolicy
	settleDelay time.Duration
}

// New creates a dispatcher. legacy may be nil, in which case only the
// key-value store serves paths.
func New(classifier *policy.Classifier, attrs AttrStore, blocks BlockStore, dirs DirTable, files *writable.Table, lg Legacy, config Config) *Dispatcher {
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = DefaultRetryPolicy
	}
	if config.SettleDelay <= 0 {
		config.SettleDelay = 5 * time.Millisecond
	}

	return &Dispatcher{
		classifier:  classifier,
		attrs:       attrs,
		blocks:      blocks,
		dirs:        dirs,
		files:       files,
		legacy:      lg,
		mountPath:   config.MountPath,
		retry:       config.Retry,
		settleDelay: config.SettleDelay,
	}
}

// Files returns the writable file table.
func (d *Dispatcher) Files() *writable.Table {
	return d.files
}

// Handle is an open file.
type Handle struct {
	// Path the file was opened under.
	Path string

	// Flags are the open(2) flags.
	Flags int

	ref *writable.Reference
}

// Writable reports whether the handle holds a writable file reference.
func (h *Handle) Writable() bool {
	return h != nil && h.ref != nil
}

// DirEntry is one directory listing entry. Mode carries type bits only.
type DirEntry struct {
	Name string
	Mode uint32
}

// Statfs is filesystem statistics.
type Statfs struct {
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Bsize   uint32
	NameLen uint32
	Frsize  uint32
}

type callerKey struct{}

// Caller identifies the process behind a callback.
type Caller struct {
	UID uint32
	GID uint32
}

// WithCaller returns a context carrying the caller's credentials. New
// files and directories are owned by the caller.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

func callerFrom(ctx context.Context) Caller {
	if c, ok := ctx.Value(callerKey{}).(Caller); ok {
		return c
	}
	return Caller{UID: uint32(os.Getuid()), GID: uint32(os.Getgid())}
}

// ============================================================================
// Classification helpers
// ============================================================================

// writableAncestorChild returns the next component of the writable prefix
// below p, when p is a strict ancestor of it.
func (d *Dispatcher) writableAncestorChild(p string) (string, bool) {
	prefix := d.classifier.WritablePrefix()
	if p == prefix || !policy.IsUnder(prefix, p) {
		return "", false
	}
	rest := strings.TrimPrefix(prefix[len(p):], "/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest, rest != ""
}

// syntheticDir returns attributes for directories that exist only as
// ancestors of the writable prefix.
func syntheticDir(p string) *attr.FileAttributes {
	a := attr.New(unix.S_IFDIR|0o755, 0, 0)
	a.FileID = attr.LegacyFileID(p, time.Time{})
	return a
}

// ============================================================================
// Error classification
// ============================================================================

func attrCode(err error) ErrorCode {
	switch {
	case errors.Is(err, attr.ErrNotFound), errors.Is(err, kv.ErrNotFound):
		return ErrNotFound
	default:
		return ErrIOFailure
	}
}

func dirCode(err error) ErrorCode {
	switch {
	case errors.Is(err, dirtable.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, dirtable.ErrExists):
		return ErrAlreadyExists
	case errors.Is(err, dirtable.ErrNotEmpty):
		return ErrNotEmpty
	case errors.Is(err, dirtable.ErrNotDirectory):
		return ErrNotDirectory
	default:
		return ErrIOFailure
	}
}

func legacyCode(err error) ErrorCode {
	switch {
	case errors.Is(err, legacy.ErrNoMapping), errors.Is(err, fs.ErrNotExist), errors.Is(err, unix.ENOTDIR):
		return ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		return ErrPermissionDenied
	case errors.Is(err, unix.EINVAL):
		return ErrInvalidArgument
	default:
		return ErrIOFailure
	}
}

func denied(op, p string) *Error {
	logger.Debug("%s: '%s' is outside the writable namespace", op, p)
	return newError(ErrPermissionDenied, op, p, nil)
}

// ============================================================================
// Shared sequences
// ============================================================================

// currentAttributes returns the attributes of p, preferring an open
// writer's in-memory copy.
func (d *Dispatcher) currentAttributes(ctx context.Context, p string) (*attr.FileAttributes, error) {
	if f, ok := d.files.Peek(p); ok {
		return f.Attributes(), nil
	}
	return d.attrs.GetAttributes(ctx, p)
}

// release drops ref and completes a deferred rename when ref was the
// file's last reference.
func (d *Dispatcher) release(ctx context.Context, ref *writable.Reference) error {
	fin, err := d.files.Release(ctx, ref)
	if fin != nil && fin.PendingRename != "" {
		logger.Info("RENAME: completing deferred rename from='%s' to='%s'", fin.Path, fin.PendingRename)
		if rerr := d.renameNow(ctx, "release", fin.Path, fin.PendingRename); rerr != nil {
			logger.Error("RENAME: deferred rename from='%s' to='%s' failed: %v", fin.Path, fin.PendingRename, rerr)
		}
	}
	return err
}

// renameNow relinks old under newpath: attributes are written under the
// new path, the new entry is added, then the old path is unlinked without
// deleting blocks, which follow the FileID. A replaced file's blocks are
// deleted.
func (d *Dispatcher) renameNow(ctx context.Context, op, oldpath, newpath string) *Error {
	a, err := d.attrs.GetAttributes(ctx, oldpath)
	if err != nil {
		return newError(attrCode(err), op, oldpath, err)
	}

	replaced, err := d.attrs.GetAttributes(ctx, newpath)
	switch {
	case err == nil && replaced.IsDir():
		return newError(ErrIsDirectory, op, newpath, nil)
	case err != nil && attrCode(err) != ErrNotFound:
		return newError(ErrIOFailure, op, newpath, err)
	case err != nil:
		replaced = nil
	}

	a.Touch()
	if err := d.attrs.WriteAttributesDirect(ctx, newpath, a); err != nil {
		return newError(ErrIOFailure, op, newpath, err)
	}
	if err := d.dirs.AddEntryToParent(ctx, newpath, a.Mode); err != nil {
		return newError(dirCode(err), op, newpath, err)
	}

	if err := d.dirs.RemoveEntryFromParent(ctx, oldpath); err != nil {
		logger.Warn("RENAME: removing entry of '%s' failed: %v", oldpath, err)
	}
	if err := d.attrs.DeleteAttributes(ctx, oldpath); err != nil {
		return newError(ErrIOFailure, op, oldpath, err)
	}

	if replaced != nil && replaced.FileID != a.FileID {
		if err := d.blocks.DeleteBlocks(ctx, replaced.FileID, block.Count(replaced.Size)); err != nil {
			logger.Warn("RENAME: deleting blocks of replaced '%s' failed: %v", newpath, err)
		}
	}
	return nil
}

// resolveLink makes a relative symlink target absolute, relative to the
// link's directory under the mount point.
func (d *Dispatcher) resolveLink(linkPath, target string) string {
	if path.IsAbs(target) {
		return path.Clean(target)
	}
	return path.Join(d.mountPath, path.Dir(linkPath), target)
}
