package dispatch

import (
	"context"

	"github.com/marmos91/dhtfs/internal/logger"
	"github.com/marmos91/dhtfs/pkg/dirtable"
	"github.com/marmos91/dhtfs/pkg/policy"
)

// Opendir opens p for listing. Only writable directories are tracked by
// the directory table; other paths get an untracked handle.
func (d *Dispatcher) Opendir(ctx context.Context, p string) (*dirtable.Handle, error) {
	const op = "opendir"
	p = policy.Normalize(p)

	if !d.classifier.IsWritable(p) {
		return &dirtable.Handle{Path: p}, nil
	}

	h, err := d.dirs.OpenDir(ctx, p)
	if err != nil {
		return nil, newError(dirCode(err), op, p, err)
	}
	return h, nil
}

// Releasedir releases a handle returned by Opendir.
func (d *Dispatcher) Releasedir(ctx context.Context, p string, h *dirtable.Handle) error {
	const op = "releasedir"
	p = policy.Normalize(p)

	if h == nil {
		return newError(ErrIOFailure, op, p, dirtable.ErrBadHandle)
	}
	if !d.classifier.IsWritable(h.Path) {
		return nil
	}
	if err := d.dirs.ReleaseDir(h); err != nil {
		return newError(ErrIOFailure, op, p, err)
	}
	return nil
}

// Mkdir creates a directory owned by the caller.
func (d *Dispatcher) Mkdir(ctx context.Context, p string, mode uint32) error {
	const op = "mkdir"
	p = policy.Normalize(p)

	if !d.classifier.IsWritable(p) {
		return denied(op, p)
	}
	if p == d.classifier.WritablePrefix() {
		return newError(ErrAlreadyExists, op, p, nil)
	}

	c := callerFrom(ctx)
	logger.Debug("MKDIR: path='%s' mode=%o uid=%d gid=%d", p, mode, c.UID, c.GID)

	if err := d.dirs.Mkdir(ctx, p, mode, c.UID, c.GID); err != nil {
		return newError(dirCode(err), op, p, err)
	}
	return nil
}

// Rmdir removes an empty directory. The writable prefix itself cannot be
// removed.
func (d *Dispatcher) Rmdir(ctx context.Context, p string) error {
	const op = "rmdir"
	p = policy.Normalize(p)

	if !d.classifier.IsWritable(p) || p == d.classifier.WritablePrefix() {
		return denied(op, p)
	}

	logger.Debug("RMDIR: path='%s'", p)
	if err := d.dirs.Rmdir(ctx, p); err != nil {
		return newError(dirCode(err), op, p, err)
	}
	return nil
}
