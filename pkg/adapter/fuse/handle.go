package fuse

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/marmos91/dhtfs/pkg/dirtable"
	"github.com/marmos91/dhtfs/pkg/dispatch"
)

// fileHandle wraps the dispatcher handle of one open(2).
type fileHandle struct {
	fsys   *fileSystem
	handle *dispatch.Handle
}

var _ = (fs.FileReader)((*fileHandle)(nil))

func (f *fileHandle) Read(ctx context.Context, dest []byte, off int64) (res fuse.ReadResult, errno syscall.Errno) {
	const op = "read"
	p := f.handle.Path
	ctx, start := f.fsys.begin(ctx, op)
	defer f.fsys.finish(op, p, start, &errno)

	data, err := f.fsys.d.Read(ctx, p, f.handle, len(dest), off)
	if err != nil {
		return nil, toErrno(err)
	}
	f.fsys.metrics.RecordBytesTransferred("read", int64(len(data)))
	return fuse.ReadResultData(data), 0
}

var _ = (fs.FileWriter)((*fileHandle)(nil))

func (f *fileHandle) Write(ctx context.Context, data []byte, off int64) (written uint32, errno syscall.Errno) {
	const op = "write"
	p := f.handle.Path
	ctx, start := f.fsys.begin(ctx, op)
	defer f.fsys.finish(op, p, start, &errno)

	n, err := f.fsys.d.Write(ctx, p, f.handle, data, off)
	if err != nil {
		return uint32(n), toErrno(err)
	}
	f.fsys.metrics.RecordBytesTransferred("write", int64(n))
	return uint32(n), 0
}

var _ = (fs.FileFlusher)((*fileHandle)(nil))

func (f *fileHandle) Flush(ctx context.Context) (errno syscall.Errno) {
	const op = "flush"
	p := f.handle.Path
	ctx, start := f.fsys.begin(ctx, op)
	defer f.fsys.finish(op, p, start, &errno)

	return toErrno(f.fsys.d.Flush(ctx, p, f.handle))
}

var _ = (fs.FileFsyncer)((*fileHandle)(nil))

func (f *fileHandle) Fsync(ctx context.Context, flags uint32) (errno syscall.Errno) {
	const op = "fsync"
	p := f.handle.Path
	ctx, start := f.fsys.begin(ctx, op)
	defer f.fsys.finish(op, p, start, &errno)

	return toErrno(f.fsys.d.Flush(ctx, p, f.handle))
}

var _ = (fs.FileReleaser)((*fileHandle)(nil))

func (f *fileHandle) Release(ctx context.Context) (errno syscall.Errno) {
	const op = "release"
	p := f.handle.Path
	ctx, start := f.fsys.begin(ctx, op)
	defer f.fsys.finish(op, p, start, &errno)

	err := f.fsys.d.Release(ctx, p, f.handle)
	f.fsys.metrics.SetOpenWritableFiles(f.fsys.d.Files().Len())
	return toErrno(err)
}

// dirHandle is an open directory. The listing is read on the first
// Readdirent and served from memory until the handle is rewound.
type dirHandle struct {
	fsys    *fileSystem
	path    string
	handle  *dirtable.Handle
	entries []fuse.DirEntry
	loaded  bool
	pos     int
}

func (h *dirHandle) Readdirent(ctx context.Context) (entry *fuse.DirEntry, errno syscall.Errno) {
	if !h.loaded {
		const op = "readdir"
		ctx, start := h.fsys.begin(ctx, op)
		defer h.fsys.finish(op, h.path, start, &errno)

		entries, err := h.fsys.d.Readdir(ctx, h.path)
		if err != nil {
			return nil, toErrno(err)
		}
		h.entries = dirEntries(entries)
		h.loaded = true
	}

	if h.pos >= len(h.entries) {
		return nil, 0
	}
	entry = &h.entries[h.pos]
	h.pos++
	return entry, 0
}

func (h *dirHandle) Seekdir(ctx context.Context, off uint64) syscall.Errno {
	if off == 0 {
		h.loaded = false
		h.entries = nil
	}
	h.pos = int(off)
	return 0
}

func (h *dirHandle) Releasedir(ctx context.Context, releaseFlags uint32) {
	const op = "releasedir"
	var errno syscall.Errno
	ctx, start := h.fsys.begin(ctx, op)
	defer h.fsys.finish(op, h.path, start, &errno)

	errno = toErrno(h.fsys.d.Releasedir(ctx, h.path, h.handle))
}

func dirEntries(entries []dispatch.DirEntry) []fuse.DirEntry {
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, fuse.DirEntry{Name: e.Name, Mode: e.Mode})
	}
	return out
}
