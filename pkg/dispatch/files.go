package dispatch

import (
	"context"
	"errors"

	"github.com/marmos91/dhtfs/internal/logger"
	"github.com/marmos91/dhtfs/pkg/attr"
	"github.com/marmos91/dhtfs/pkg/policy"
	"github.com/marmos91/dhtfs/pkg/writable"
	"golang.org/x/sys/unix"
)

// Open opens p.
//
// Read-only opens and opens outside the writable namespace allocate
// nothing. Write opens of a writable path take a reference on the path's
// writable file, creating it when needed.
func (d *Dispatcher) Open(ctx context.Context, p string, flags int) (*Handle, error) {
	p = policy.Normalize(p)
	return d.open(ctx, "open", p, flags, 0o644)
}

// Create serves the kernel's create callback as an open with O_CREAT.
func (d *Dispatcher) Create(ctx context.Context, p string, flags int, mode uint32) (*Handle, error) {
	const op = "create"
	p = policy.Normalize(p)

	if !d.classifier.IsWritable(p) {
		return nil, denied(op, p)
	}
	if flags&unix.O_ACCMODE == unix.O_RDONLY {
		flags |= unix.O_RDWR
	}
	return d.open(ctx, op, p, flags|unix.O_CREAT, mode)
}

func (d *Dispatcher) open(ctx context.Context, op, p string, flags int, mode uint32) (*Handle, error) {
	h := &Handle{Path: p, Flags: flags}

	cls := d.classifier.Classify(p)
	if cls.Has(policy.NativeOnly) || !cls.Has(policy.Writable) {
		return h, nil
	}
	if flags&unix.O_ACCMODE == unix.O_RDONLY {
		return h, nil
	}

	logger.Debug("OPEN: path='%s' flags=%#x mode=%o", p, flags, mode)

	// A concurrent opener can register the file between the lookup and
	// the create; the second pass then joins it.
	for attempt := 0; attempt < 2; attempt++ {
		if ref, ok := d.files.Lookup(p); ok {
			if err := d.checkReopen(ctx, op, p, flags, ref); err != nil {
				return nil, err
			}
			h.ref = ref
			return h, nil
		}

		prior, err := d.attrs.GetAttributes(ctx, p)
		if err != nil && attrCode(err) != ErrNotFound {
			return nil, newError(ErrIOFailure, op, p, err)
		}
		if err != nil {
			prior = nil
		}

		seed, serr := d.openSeed(ctx, op, p, flags, mode, prior)
		if serr != nil {
			return nil, serr
		}

		if err := d.dirs.AddEntryToParent(ctx, p, seed.Attrs.Mode); err != nil {
			return nil, newError(dirCode(err), op, p, err)
		}

		ref, err := d.files.Create(p, seed)
		if errors.Is(err, writable.ErrExists) {
			continue
		}
		if err != nil {
			return nil, newError(ErrIOFailure, op, p, err)
		}
		h.ref = ref
		return h, nil
	}
	return nil, newError(ErrIOFailure, op, p, writable.ErrBusy)
}

// checkReopen rejects joining an existing writer with O_EXCL or O_TRUNC.
func (d *Dispatcher) checkReopen(ctx context.Context, op, p string, flags int, ref *writable.Reference) *Error {
	var code ErrorCode
	switch {
	case flags&unix.O_CREAT != 0 && flags&unix.O_EXCL != 0:
		code = ErrAlreadyExists
	case flags&unix.O_TRUNC != 0:
		code = ErrIOFailure
	default:
		return nil
	}
	if err := d.release(ctx, ref); err != nil {
		logger.Warn("OPEN: releasing rejected reopen of '%s': %v", p, err)
	}
	return newError(code, op, p, writable.ErrBusy)
}

// openSeed decides between a fresh file, a truncated file and a file
// seeded with its prior content.
func (d *Dispatcher) openSeed(ctx context.Context, op, p string, flags int, mode uint32, prior *attr.FileAttributes) (writable.Seed, *Error) {
	if prior == nil {
		if flags&unix.O_CREAT == 0 {
			return writable.Seed{}, newError(ErrNotFound, op, p, nil)
		}
		c := callerFrom(ctx)
		return writable.Seed{Attrs: attr.New(unix.S_IFREG|(mode&0o7777), c.UID, c.GID)}, nil
	}

	if flags&unix.O_CREAT != 0 && flags&unix.O_EXCL != 0 {
		return writable.Seed{}, newError(ErrAlreadyExists, op, p, nil)
	}
	if prior.IsDir() {
		return writable.Seed{}, newError(ErrIsDirectory, op, p, nil)
	}

	return writable.Seed{
		Attrs:       prior,
		DurableSize: prior.Size,
		Truncate:    flags&unix.O_TRUNC != 0,
	}, nil
}

// Mknod creates an empty regular file. It fails if p exists.
func (d *Dispatcher) Mknod(ctx context.Context, p string, mode uint32) error {
	const op = "mknod"
	p = policy.Normalize(p)

	if !d.classifier.IsWritable(p) {
		return denied(op, p)
	}
	if t := mode & unix.S_IFMT; t != 0 && t != unix.S_IFREG {
		return newError(ErrNotSupported, op, p, nil)
	}

	if _, err := d.currentAttributes(ctx, p); err == nil {
		return newError(ErrAlreadyExists, op, p, nil)
	} else if attrCode(err) != ErrNotFound {
		return newError(ErrIOFailure, op, p, err)
	}

	c := callerFrom(ctx)
	a := attr.New(unix.S_IFREG|(mode&0o7777), c.UID, c.GID)

	if err := d.dirs.AddEntryToParent(ctx, p, a.Mode); err != nil {
		logger.Warn("MKNOD: adding entry of '%s' failed: %v", p, err)
		return newError(dirCode(err), op, p, err)
	}

	ref, err := d.files.Create(p, writable.Seed{Attrs: a})
	if errors.Is(err, writable.ErrExists) {
		return newError(ErrAlreadyExists, op, p, err)
	}
	if err != nil {
		return newError(ErrIOFailure, op, p, err)
	}
	if err := d.release(ctx, ref); err != nil {
		return newError(ErrIOFailure, op, p, err)
	}
	return nil
}

// Write stores data at offset through a writable handle.
func (d *Dispatcher) Write(ctx context.Context, p string, h *Handle, data []byte, offset int64) (int, error) {
	const op = "write"
	p = policy.Normalize(p)

	if !d.classifier.IsWritable(p) {
		return 0, denied(op, p)
	}
	if !h.Writable() {
		return 0, newError(ErrIOFailure, op, p, writable.ErrNoHandle)
	}

	f, err := h.ref.File()
	if err != nil {
		return 0, newError(ErrIOFailure, op, p, err)
	}
	n, err := f.Write(ctx, data, offset)
	if err != nil {
		logger.Warn("WRITE: path='%s' offset=%d len=%d error=%v", p, offset, len(data), err)
		return n, newError(ErrIOFailure, op, p, err)
	}
	return n, nil
}

// Truncate sets the size of p. Without an open writer a temporary one is
// opened over the existing content.
func (d *Dispatcher) Truncate(ctx context.Context, p string, size uint64) error {
	const op = "truncate"
	p = policy.Normalize(p)

	if !d.classifier.IsWritable(p) {
		return denied(op, p)
	}

	ref, ok := d.files.Lookup(p)
	if !ok {
		prior, err := d.attrs.GetAttributes(ctx, p)
		if err != nil {
			return newError(attrCode(err), op, p, err)
		}
		if prior.IsDir() {
			return newError(ErrIsDirectory, op, p, nil)
		}

		ref, err = d.files.Create(p, writable.Seed{Attrs: prior, DurableSize: prior.Size})
		if errors.Is(err, writable.ErrExists) {
			ref, ok = d.files.Lookup(p)
			if !ok {
				return newError(ErrIOFailure, op, p, writable.ErrBusy)
			}
		} else if err != nil {
			return newError(ErrIOFailure, op, p, err)
		}
	}

	f, err := ref.File()
	if err == nil {
		err = f.Truncate(ctx, size)
	}
	if rerr := d.release(ctx, ref); err == nil {
		err = rerr
	}
	if err != nil {
		return newError(ErrIOFailure, op, p, err)
	}
	return nil
}

// Flush persists the buffered content of a writable handle. The handle
// stays open.
func (d *Dispatcher) Flush(ctx context.Context, p string, h *Handle) error {
	const op = "flush"
	p = policy.Normalize(p)

	if !h.Writable() {
		return nil
	}
	f, err := h.ref.File()
	if err != nil {
		return newError(ErrIOFailure, op, p, err)
	}
	if err := f.Flush(ctx); err != nil {
		return newError(ErrIOFailure, op, p, err)
	}
	return nil
}

// Release closes h. The last release of a writable file flushes it and
// completes a deferred rename.
func (d *Dispatcher) Release(ctx context.Context, p string, h *Handle) error {
	const op = "release"
	p = policy.Normalize(p)

	if !h.Writable() {
		return nil
	}
	if err := d.release(ctx, h.ref); err != nil {
		logger.Warn("RELEASE: path='%s' error=%v", p, err)
		return newError(ErrIOFailure, op, p, err)
	}
	return nil
}

// Symlink creates linkpath pointing at target. The target is stored as
// the link's data followed by a NUL byte.
func (d *Dispatcher) Symlink(ctx context.Context, target, linkpath string) error {
	const op = "symlink"
	linkpath = policy.Normalize(linkpath)

	if !d.classifier.IsWritable(linkpath) {
		return denied(op, linkpath)
	}
	if target == "" || len(target) > MaxSymlinkTarget {
		return newError(ErrInvalidArgument, op, linkpath, nil)
	}

	if _, err := d.currentAttributes(ctx, linkpath); err == nil {
		return newError(ErrAlreadyExists, op, linkpath, nil)
	} else if attrCode(err) != ErrNotFound {
		return newError(ErrIOFailure, op, linkpath, err)
	}

	logger.Debug("SYMLINK: link='%s' target='%s'", linkpath, target)

	c := callerFrom(ctx)
	a := attr.New(unix.S_IFLNK|0o777, c.UID, c.GID)

	if err := d.dirs.AddEntryToParent(ctx, linkpath, a.Mode); err != nil {
		return newError(dirCode(err), op, linkpath, err)
	}

	ref, err := d.files.Create(linkpath, writable.Seed{Attrs: a})
	if errors.Is(err, writable.ErrExists) {
		return newError(ErrAlreadyExists, op, linkpath, err)
	}
	if err != nil {
		return newError(ErrIOFailure, op, linkpath, err)
	}

	f, err := ref.File()
	if err == nil {
		_, err = f.Write(ctx, append([]byte(target), 0), 0)
	}
	if rerr := d.release(ctx, ref); err == nil {
		err = rerr
	}
	if err != nil {
		return newError(ErrIOFailure, op, linkpath, err)
	}
	return nil
}
