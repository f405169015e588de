package fuse

import (
	"context"
	"path"
	"syscall"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/marmos91/dhtfs/pkg/attr"
	"github.com/marmos91/dhtfs/pkg/block"
	"github.com/marmos91/dhtfs/pkg/dispatch"
	"github.com/marmos91/dhtfs/pkg/metrics"
)

// fileSystem is the state shared by every node of one mount.
type fileSystem struct {
	d       *dispatch.Dispatcher
	metrics metrics.OperationMetrics
}

// begin opens a callback: it counts the operation in flight and attaches
// the caller's credentials to the context.
func (fsys *fileSystem) begin(ctx context.Context, op string) (context.Context, time.Time) {
	fsys.metrics.RecordOperationStart(op)
	if caller, ok := fuse.FromContext(ctx); ok {
		ctx = dispatch.WithCaller(ctx, dispatch.Caller{UID: caller.Uid, GID: caller.Gid})
	}
	return ctx, time.Now()
}

// node is one inode of the mount. It carries no state of its own: the
// logical path is recomputed from the inode tree on every call, so renames
// performed through the mount are picked up automatically.
type node struct {
	fs.Inode
	fsys *fileSystem
}

func (n *node) path() string {
	return "/" + n.Path(nil)
}

func (n *node) child(name string) string {
	return path.Join(n.path(), name)
}

// newChild builds the inode for a freshly looked-up or created entry and
// fills out from a.
func (n *node) newChild(ctx context.Context, a *attr.FileAttributes, out *fuse.EntryOut) *fs.Inode {
	fillAttr(&out.Attr, a)
	return n.NewInode(ctx, &node{fsys: n.fsys}, fs.StableAttr{
		Mode: a.Type(),
		Ino:  inodeNumber(a.FileID),
	})
}

const rootIno = 1

// inodeNumber derives a stable inode number from a FileID, which survives
// renames. Zero lets go-fuse pick one.
func inodeNumber(id uuid.UUID) uint64 {
	if id == uuid.Nil {
		return 0
	}
	ino := xxhash.Sum64(id[:])
	if ino <= rootIno {
		ino += 2
	}
	return ino
}

func fillAttr(out *fuse.Attr, a *attr.FileAttributes) {
	out.Ino = inodeNumber(a.FileID)
	out.Mode = a.Mode
	out.Nlink = a.Nlink
	out.Owner = fuse.Owner{Uid: a.UID, Gid: a.GID}
	out.Size = a.Size
	out.Blocks = (a.Size + 511) / 512
	out.Blksize = block.Size
	atime, mtime, ctime := a.Atime, a.Mtime, a.Ctime
	out.SetTimes(&atime, &mtime, &ctime)
}

var _ = (fs.NodeGetattrer)((*node)(nil))

func (n *node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) (errno syscall.Errno) {
	const op = "getattr"
	p := n.path()
	ctx, start := n.fsys.begin(ctx, op)
	defer n.fsys.finish(op, p, start, &errno)

	a, err := n.fsys.d.Getattr(ctx, p)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(&out.Attr, a)
	return 0
}

var _ = (fs.NodeLookuper)((*node)(nil))

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (child *fs.Inode, errno syscall.Errno) {
	const op = "lookup"
	p := n.child(name)
	ctx, start := n.fsys.begin(ctx, op)
	defer n.fsys.finish(op, p, start, &errno)

	a, err := n.fsys.d.Getattr(ctx, p)
	if err != nil {
		return nil, toErrno(err)
	}
	return n.newChild(ctx, a, out), 0
}

var _ = (fs.NodeSetattrer)((*node)(nil))

// Setattr splits a kernel setattr into the dispatcher's chmod, chown,
// truncate and utimens operations, applied in that order.
func (n *node) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) (errno syscall.Errno) {
	const op = "setattr"
	p := n.path()
	ctx, start := n.fsys.begin(ctx, op)
	defer n.fsys.finish(op, p, start, &errno)

	d := n.fsys.d

	if mode, ok := in.GetMode(); ok {
		if err := d.Chmod(ctx, p, mode); err != nil {
			return toErrno(err)
		}
	}

	uid, uidOK := in.GetUID()
	gid, gidOK := in.GetGID()
	if uidOK || gidOK {
		if !uidOK {
			uid = dispatch.Unchanged
		}
		if !gidOK {
			gid = dispatch.Unchanged
		}
		if err := d.Chown(ctx, p, uid, gid); err != nil {
			return toErrno(err)
		}
	}

	if size, ok := in.GetSize(); ok {
		if err := d.Truncate(ctx, p, size); err != nil {
			return toErrno(err)
		}
	}

	atime, atimeOK := in.GetATime()
	mtime, mtimeOK := in.GetMTime()
	if atimeOK || mtimeOK {
		var ap, mp *time.Time
		if atimeOK {
			ap = &atime
		}
		if mtimeOK {
			mp = &mtime
		}
		if err := d.Utimens(ctx, p, ap, mp); err != nil {
			return toErrno(err)
		}
	}

	a, err := d.Getattr(ctx, p)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(&out.Attr, a)
	return 0
}

var _ = (fs.NodeAccesser)((*node)(nil))

func (n *node) Access(ctx context.Context, mask uint32) (errno syscall.Errno) {
	const op = "access"
	p := n.path()
	ctx, start := n.fsys.begin(ctx, op)
	defer n.fsys.finish(op, p, start, &errno)

	return toErrno(n.fsys.d.Access(ctx, p, mask))
}

var _ = (fs.NodeReadlinker)((*node)(nil))

func (n *node) Readlink(ctx context.Context) (target []byte, errno syscall.Errno) {
	const op = "readlink"
	p := n.path()
	ctx, start := n.fsys.begin(ctx, op)
	defer n.fsys.finish(op, p, start, &errno)

	t, err := n.fsys.d.Readlink(ctx, p)
	if err != nil {
		return nil, toErrno(err)
	}
	return []byte(t), 0
}

var _ = (fs.NodeReaddirer)((*node)(nil))

// Readdir serves kernels and go-fuse versions that list directories
// without an opendir handle.
func (n *node) Readdir(ctx context.Context) (stream fs.DirStream, errno syscall.Errno) {
	const op = "readdir"
	p := n.path()
	ctx, start := n.fsys.begin(ctx, op)
	defer n.fsys.finish(op, p, start, &errno)

	entries, err := n.fsys.d.Readdir(ctx, p)
	if err != nil {
		return nil, toErrno(err)
	}
	return fs.NewListDirStream(dirEntries(entries)), 0
}

// OpendirHandle opens a directory handle tracked by the directory table.
func (n *node) OpendirHandle(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	const op = "opendir"
	p := n.path()
	ctx, start := n.fsys.begin(ctx, op)
	defer n.fsys.finish(op, p, start, &errno)

	h, err := n.fsys.d.Opendir(ctx, p)
	if err != nil {
		return nil, 0, toErrno(err)
	}
	return &dirHandle{fsys: n.fsys, path: p, handle: h}, 0, 0
}

var _ = (fs.NodeMkdirer)((*node)(nil))

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (child *fs.Inode, errno syscall.Errno) {
	const op = "mkdir"
	p := n.child(name)
	ctx, start := n.fsys.begin(ctx, op)
	defer n.fsys.finish(op, p, start, &errno)

	if err := n.fsys.d.Mkdir(ctx, p, mode); err != nil {
		return nil, toErrno(err)
	}
	return n.lookupCreated(ctx, p, out)
}

// lookupCreated returns the inode of an entry the dispatcher just created.
func (n *node) lookupCreated(ctx context.Context, p string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	a, err := n.fsys.d.Getattr(ctx, p)
	if err != nil {
		return nil, toErrno(err)
	}
	return n.newChild(ctx, a, out), 0
}

var _ = (fs.NodeRmdirer)((*node)(nil))

func (n *node) Rmdir(ctx context.Context, name string) (errno syscall.Errno) {
	const op = "rmdir"
	p := n.child(name)
	ctx, start := n.fsys.begin(ctx, op)
	defer n.fsys.finish(op, p, start, &errno)

	return toErrno(n.fsys.d.Rmdir(ctx, p))
}

var _ = (fs.NodeUnlinker)((*node)(nil))

func (n *node) Unlink(ctx context.Context, name string) (errno syscall.Errno) {
	const op = "unlink"
	p := n.child(name)
	ctx, start := n.fsys.begin(ctx, op)
	defer n.fsys.finish(op, p, start, &errno)

	return toErrno(n.fsys.d.Unlink(ctx, p))
}

var _ = (fs.NodeRenamer)((*node)(nil))

func (n *node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) (errno syscall.Errno) {
	const op = "rename"
	oldpath := n.child(name)
	newpath := path.Join("/"+newParent.EmbeddedInode().Path(nil), newName)
	ctx, start := n.fsys.begin(ctx, op)
	defer n.fsys.finish(op, oldpath, start, &errno)

	if flags&unix.RENAME_EXCHANGE != 0 {
		return syscall.ENOTSUP
	}
	if flags&unix.RENAME_NOREPLACE != 0 {
		if _, err := n.fsys.d.Getattr(ctx, newpath); err == nil {
			return syscall.EEXIST
		}
	}

	return toErrno(n.fsys.d.Rename(ctx, oldpath, newpath))
}

var _ = (fs.NodeSymlinker)((*node)(nil))

func (n *node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (child *fs.Inode, errno syscall.Errno) {
	const op = "symlink"
	p := n.child(name)
	ctx, start := n.fsys.begin(ctx, op)
	defer n.fsys.finish(op, p, start, &errno)

	if err := n.fsys.d.Symlink(ctx, target, p); err != nil {
		return nil, toErrno(err)
	}
	return n.lookupCreated(ctx, p, out)
}

var _ = (fs.NodeMknoder)((*node)(nil))

func (n *node) Mknod(ctx context.Context, name string, mode uint32, dev uint32, out *fuse.EntryOut) (child *fs.Inode, errno syscall.Errno) {
	const op = "mknod"
	p := n.child(name)
	ctx, start := n.fsys.begin(ctx, op)
	defer n.fsys.finish(op, p, start, &errno)

	if err := n.fsys.d.Mknod(ctx, p, mode); err != nil {
		return nil, toErrno(err)
	}
	return n.lookupCreated(ctx, p, out)
}

var _ = (fs.NodeCreater)((*node)(nil))

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (child *fs.Inode, fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	const op = "create"
	p := n.child(name)
	ctx, start := n.fsys.begin(ctx, op)
	defer n.fsys.finish(op, p, start, &errno)

	h, err := n.fsys.d.Create(ctx, p, int(flags), mode)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	child, errno = n.lookupCreated(ctx, p, out)
	if errno != 0 {
		_ = n.fsys.d.Release(ctx, p, h)
		return nil, nil, 0, errno
	}
	return child, &fileHandle{fsys: n.fsys, handle: h}, 0, 0
}

var _ = (fs.NodeOpener)((*node)(nil))

func (n *node) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	const op = "open"
	p := n.path()
	ctx, start := n.fsys.begin(ctx, op)
	defer n.fsys.finish(op, p, start, &errno)

	h, err := n.fsys.d.Open(ctx, p, int(flags))
	if err != nil {
		return nil, 0, toErrno(err)
	}
	return &fileHandle{fsys: n.fsys, handle: h}, 0, 0
}

var _ = (fs.NodeStatfser)((*node)(nil))

func (n *node) Statfs(ctx context.Context, out *fuse.StatfsOut) (errno syscall.Errno) {
	const op = "statfs"
	p := n.path()
	ctx, start := n.fsys.begin(ctx, op)
	defer n.fsys.finish(op, p, start, &errno)

	st, err := n.fsys.d.Statfs(ctx, p)
	if err != nil {
		return toErrno(err)
	}
	out.Blocks = st.Blocks
	out.Bfree = st.Bfree
	out.Bavail = st.Bavail
	out.Files = st.Files
	out.Ffree = st.Ffree
	out.Bsize = st.Bsize
	out.NameLen = st.NameLen
	out.Frsize = st.Frsize
	return 0
}
