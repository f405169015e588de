package dispatch

import (
	"context"
	"time"

	"github.com/marmos91/dhtfs/internal/logger"
	"github.com/marmos91/dhtfs/pkg/attr"
	"github.com/marmos91/dhtfs/pkg/block"
	"github.com/marmos91/dhtfs/pkg/policy"
	"github.com/marmos91/dhtfs/pkg/writable"
)

// Unchanged leaves an owner or group as it is in Chown.
const Unchanged = ^uint32(0)

// Rename moves a file within the writable namespace.
//
// When neither path has an open writer the rename happens before Rename
// returns. When oldpath keeps a writer past the retry window, the rename
// is recorded on the writer and performed by its last release; Rename
// still reports success.
func (d *Dispatcher) Rename(ctx context.Context, oldpath, newpath string) error {
	const op = "rename"
	oldpath = policy.Normalize(oldpath)
	newpath = policy.Normalize(newpath)

	if !d.classifier.IsWritable(oldpath) {
		return denied(op, oldpath)
	}
	if !d.classifier.IsWritable(newpath) {
		return denied(op, newpath)
	}
	if oldpath == newpath {
		return nil
	}

	a, err := d.currentAttributes(ctx, oldpath)
	if err != nil {
		return newError(attrCode(err), op, oldpath, err)
	}
	if a.IsDir() {
		return newError(ErrNotSupported, op, oldpath, nil)
	}

	logger.Debug("RENAME: from='%s' to='%s'", oldpath, newpath)

	idle := d.retry.Wait(ctx, func() bool {
		return !d.files.Contains(oldpath) && !d.files.Contains(newpath)
	})
	if idle {
		if e := d.renameNow(ctx, op, oldpath, newpath); e != nil {
			return e
		}
		return nil
	}

	// The reference keeps the writer alive while the rename is recorded.
	// If it turns out to be the last one, release performs the rename.
	if ref, ok := d.files.Lookup(oldpath); ok {
		if f, err := ref.File(); err == nil {
			f.SetPendingRename(newpath)
		}
		logger.Info("RENAME: '%s' is open for writing, deferring rename to '%s'", oldpath, newpath)
		if err := d.release(ctx, ref); err != nil {
			logger.Warn("RENAME: flushing '%s' while deferring rename failed: %v", oldpath, err)
		}
		return nil
	}

	// The writer of oldpath left after the retry window.
	if !d.files.Contains(newpath) {
		if e := d.renameNow(ctx, op, oldpath, newpath); e != nil {
			return e
		}
		return nil
	}

	// Only the destination kept a writer. Replacing it would be undone by
	// the writer's next flush.
	logger.Warn("RENAME: destination '%s' is open for writing", newpath)
	return newError(ErrIOFailure, op, newpath, writable.ErrBusy)
}

// Unlink removes a file. It refuses while the file is open for writing.
// The directory entry goes first, then the blocks and attributes. An entry
// whose attributes are missing is still removed.
func (d *Dispatcher) Unlink(ctx context.Context, p string) error {
	const op = "unlink"
	p = policy.Normalize(p)

	if !d.classifier.IsWritable(p) {
		return denied(op, p)
	}
	if d.files.Contains(p) {
		logger.Debug("UNLINK: path='%s' is open for writing", p)
		return newError(ErrIOFailure, op, p, writable.ErrBusy)
	}

	a, err := d.attrs.GetAttributes(ctx, p)
	switch {
	case err == nil && a.IsDir():
		return newError(ErrIsDirectory, op, p, nil)
	case err != nil && attrCode(err) != ErrNotFound:
		return newError(attrCode(err), op, p, err)
	}

	hadEntry := true
	if rerr := d.dirs.RemoveEntryFromParent(ctx, p); rerr != nil {
		if dirCode(rerr) != ErrNotFound {
			return newError(ErrIOFailure, op, p, rerr)
		}
		hadEntry = false
		logger.Debug("UNLINK: '%s' had no directory entry", p)
	}

	if err != nil {
		// An entry left behind without attributes is removed on its own.
		if hadEntry {
			logger.Info("UNLINK: removed entry of '%s' which had no attributes", p)
			return nil
		}
		return newError(ErrNotFound, op, p, err)
	}

	logger.Debug("UNLINK: path='%s' file_id=%s size=%d", p, a.FileID, a.Size)

	if err := d.blocks.DeleteBlocks(ctx, a.FileID, block.Count(a.Size)); err != nil {
		logger.Warn("UNLINK: deleting blocks of '%s' failed: %v", p, err)
	}
	if err := d.attrs.DeleteAttributes(ctx, p); err != nil {
		return newError(ErrIOFailure, op, p, err)
	}
	return nil
}

// Chmod replaces the permission bits of p.
func (d *Dispatcher) Chmod(ctx context.Context, p string, mode uint32) error {
	return d.setattr(ctx, "chmod", p, func(a *attr.FileAttributes) {
		a.SetPerm(mode)
	})
}

// Chown changes the owner and group of p. Unchanged keeps either one.
func (d *Dispatcher) Chown(ctx context.Context, p string, uid, gid uint32) error {
	return d.setattr(ctx, "chown", p, func(a *attr.FileAttributes) {
		if uid != Unchanged {
			a.UID = uid
		}
		if gid != Unchanged {
			a.GID = gid
		}
	})
}

// setattr edits the attributes of p: in memory when a writer holds the
// file, directly in the attribute store otherwise.
func (d *Dispatcher) setattr(ctx context.Context, op, p string, edit func(a *attr.FileAttributes)) error {
	p = policy.Normalize(p)

	if !d.classifier.IsWritable(p) {
		return denied(op, p)
	}

	if d.files.Contains(p) {
		// Let an in-flight open finish registering its writer.
		time.Sleep(d.settleDelay)
		if ref, ok := d.files.Lookup(p); ok {
			f, err := ref.File()
			if err == nil {
				f.ModifyAttr(func(a *attr.FileAttributes) {
					edit(a)
					a.Touch()
				})
			}
			if rerr := d.release(ctx, ref); err == nil {
				err = rerr
			}
			if err != nil {
				return newError(ErrIOFailure, op, p, err)
			}
			return nil
		}
	}

	a, err := d.attrs.GetAttributes(ctx, p)
	if err != nil {
		return newError(attrCode(err), op, p, err)
	}
	edit(a)
	a.Touch()
	if err := d.attrs.WriteAttributesDirect(ctx, p, a); err != nil {
		return newError(ErrIOFailure, op, p, err)
	}
	return nil
}

// Utimens accepts timestamp updates without applying them.
func (d *Dispatcher) Utimens(ctx context.Context, p string, atime, mtime *time.Time) error {
	if _, err := d.Getattr(ctx, p); err != nil {
		e := err.(*Error)
		e.Op = "utimens"
		return e
	}
	return nil
}
