package dispatch

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/marmos91/dhtfs/internal/logger"
	"github.com/marmos91/dhtfs/pkg/attr"
	"github.com/marmos91/dhtfs/pkg/legacy"
	"github.com/marmos91/dhtfs/pkg/policy"
)

// Getattr returns the attributes of p.
//
// An open writer's in-memory attributes win over the store. Native-only
// paths are answered by the legacy filesystem alone.
func (d *Dispatcher) Getattr(ctx context.Context, p string) (*attr.FileAttributes, error) {
	const op = "getattr"
	p = policy.Normalize(p)
	flags := d.classifier.Classify(p)

	if flags.Has(policy.NativeOnly) {
		if d.legacy == nil {
			return nil, newError(ErrNotFound, op, p, nil)
		}
		st, err := d.legacy.Lstat(ctx, p)
		if err != nil {
			return nil, newError(legacyCode(err), op, p, err)
		}
		return attr.FromStat(p, st), nil
	}

	if f, ok := d.files.Peek(p); ok {
		return f.Attributes(), nil
	}

	a, err := d.attrs.GetAttributes(ctx, p)
	if err == nil {
		return a, nil
	}
	code := attrCode(err)
	if code == ErrNotFound {
		if _, ok := d.writableAncestorChild(p); ok || p == "/" {
			return syntheticDir(p), nil
		}
		return nil, newError(ErrNotFound, op, p, nil)
	}
	logger.Warn("GETATTR: path='%s' error=%v", p, err)
	return nil, newError(code, op, p, err)
}

// Access succeeds when p has attributes. The mask is not checked.
func (d *Dispatcher) Access(ctx context.Context, p string, mask uint32) error {
	if _, err := d.Getattr(ctx, p); err != nil {
		e := err.(*Error)
		e.Op = "access"
		return e
	}
	return nil
}

// Readlink returns the target of the symlink at p. Relative targets are
// resolved against the link's directory under the mount point.
func (d *Dispatcher) Readlink(ctx context.Context, p string) (string, error) {
	const op = "readlink"
	p = policy.Normalize(p)
	flags := d.classifier.Classify(p)

	if flags.Has(policy.NativeOnly) || flags.Has(policy.NoLinkCache) {
		return d.legacyReadlink(ctx, op, p)
	}
	// Block reads of legacy-backed paths would follow the link.
	if !flags.Has(policy.Writable) && !flags.Has(policy.SnapshotOnly) {
		return d.legacyReadlink(ctx, op, p)
	}

	a, err := d.attrs.GetAttributes(ctx, p)
	if err != nil {
		if attrCode(err) == ErrNotFound {
			return "", newError(ErrNotFound, op, p, nil)
		}
		return d.legacyReadlink(ctx, op, p)
	}
	if !a.IsSymlink() {
		return "", newError(ErrInvalidArgument, op, p, nil)
	}

	data, err := d.blocks.ReadRange(ctx, p, a, int(a.Size), 0)
	target := strings.TrimRight(string(data), "\x00")
	if err != nil || target == "" {
		logger.Debug("READLINK: path='%s' stored target unusable (%v), trying legacy", p, err)
		return d.legacyReadlink(ctx, op, p)
	}
	return d.resolveLink(p, target), nil
}

func (d *Dispatcher) legacyReadlink(ctx context.Context, op, p string) (string, error) {
	if d.legacy == nil {
		return "", newError(ErrNotFound, op, p, nil)
	}
	target, err := d.legacy.Readlink(ctx, p)
	if err != nil {
		return "", newError(legacyCode(err), op, p, err)
	}
	return target, nil
}

// Readdir lists p. Writable directories come from the directory table,
// everything else from the legacy filesystem. Ancestors of the writable
// prefix also list the next prefix component, except the root, which is
// not found unless a legacy mapping covers it.
func (d *Dispatcher) Readdir(ctx context.Context, p string) ([]DirEntry, error) {
	const op = "readdir"
	p = policy.Normalize(p)

	if d.classifier.IsWritable(p) {
		entries, err := d.dirs.ReadDir(ctx, p)
		if err != nil {
			return nil, newError(dirCode(err), op, p, err)
		}
		out := make([]DirEntry, 0, len(entries))
		for _, e := range entries {
			out = append(out, DirEntry{Name: e.Name, Mode: e.Mode})
		}
		return out, nil
	}

	child, isAncestor := d.writableAncestorChild(p)

	var out []DirEntry
	var legacyErr error
	if d.legacy != nil {
		entries, err := d.legacy.ReadDir(ctx, p)
		legacyErr = err
		for _, e := range entries {
			if isAncestor && e.Name == child {
				continue
			}
			out = append(out, DirEntry{Name: e.Name, Mode: e.Mode})
		}
	}

	if p == "/" && (d.legacy == nil || errors.Is(legacyErr, legacy.ErrNoMapping)) {
		return nil, newError(ErrNotFound, op, p, legacyErr)
	}
	if isAncestor {
		out = append(out, DirEntry{Name: child, Mode: syntheticDir(p).Type()})
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return out, nil
	}
	if d.legacy == nil {
		return nil, newError(ErrNotFound, op, p, nil)
	}
	if legacyErr != nil {
		return nil, newError(legacyCode(legacyErr), op, p, legacyErr)
	}
	return out, nil
}

// Read returns up to size bytes of p at offset.
//
// Reads through a handle open for writing are refused. Reads through
// other handles see the last flushed content, even while another handle
// is writing.
func (d *Dispatcher) Read(ctx context.Context, p string, h *Handle, size int, offset int64) ([]byte, error) {
	const op = "read"
	p = policy.Normalize(p)

	if offset < 0 || size < 0 {
		return nil, newError(ErrInvalidArgument, op, p, nil)
	}

	if d.classifier.Classify(p).Has(policy.NativeOnly) {
		if d.legacy == nil {
			return nil, newError(ErrNotFound, op, p, nil)
		}
		buf := make([]byte, size)
		n, err := d.legacy.ReadAt(ctx, p, buf, offset)
		if err != nil {
			return nil, newError(legacyCode(err), op, p, err)
		}
		return buf[:n], nil
	}

	if h.Writable() {
		return nil, newError(ErrPermissionDenied, op, p, nil)
	}

	a, err := d.attrs.GetAttributes(ctx, p)
	if err != nil {
		return nil, newError(attrCode(err), op, p, err)
	}
	if a.IsDir() {
		return nil, newError(ErrIsDirectory, op, p, nil)
	}

	data, err := d.blocks.ReadRange(ctx, p, a, size, offset)
	if err != nil {
		logger.Warn("READ: path='%s' offset=%d size=%d error=%v", p, offset, size, err)
		return nil, newError(ErrIOFailure, op, p, err)
	}
	return data, nil
}

// Statfs reports filesystem statistics. Paths the legacy filesystem
// cannot answer for get fixed, generous numbers.
func (d *Dispatcher) Statfs(ctx context.Context, p string) (*Statfs, error) {
	p = policy.Normalize(p)

	if d.legacy != nil && !d.classifier.IsWritable(p) {
		if st, err := d.legacy.Statfs(ctx, p); err == nil {
			return &Statfs{
				Blocks:  st.Blocks,
				Bfree:   st.Bfree,
				Bavail:  st.Bavail,
				Files:   st.Files,
				Ffree:   st.Ffree,
				Bsize:   uint32(st.Bsize),
				NameLen: uint32(st.Namelen),
				Frsize:  uint32(st.Frsize),
			}, nil
		}
	}

	const total = 1 << 40
	return &Statfs{
		Blocks:  total / 4096,
		Bfree:   total / 4096,
		Bavail:  total / 4096,
		Files:   1 << 32,
		Ffree:   1 << 32,
		Bsize:   4096,
		NameLen: 255,
		Frsize:  4096,
	}, nil
}
