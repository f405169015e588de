package writable

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/dhtfs/internal/logger"
	"github.com/marmos91/dhtfs/pkg/attr"
	"github.com/marmos91/dhtfs/pkg/block"
	"golang.org/x/sync/errgroup"
)

// flushParallelism bounds concurrent block writes during a flush.
const flushParallelism = 8

// Attributes is the attribute facade as used by writable files.
type Attributes interface {
	WriteAttributesDirect(ctx context.Context, path string, attrs *attr.FileAttributes) error
}

// Blocks is the block facade as used by writable files.
type Blocks interface {
	ReadBlock(ctx context.Context, fileID uuid.UUID, index uint64) ([]byte, error)
	WriteBlock(ctx context.Context, path string, fileID uuid.UUID, index uint64, data []byte) error
	DeleteBlockRange(ctx context.Context, fileID uuid.UUID, from, to uint64) error
}

// Seed describes the initial state of a File.
type Seed struct {
	// Attrs are the file's starting attributes. The File takes ownership.
	Attrs *attr.FileAttributes

	// DurableSize is the size of the content already in the block store
	// under Attrs.FileID. Zero for new files.
	DurableSize uint64

	// Truncate discards the durable content: the file starts empty and the
	// old blocks are deleted on the first flush.
	Truncate bool
}

// File is one buffered file open for writing.
//
// Written bytes are kept per block until Flush. Blocks overlapping
// durable content are loaded before a partial overwrite so unchanged
// bytes survive.
type File struct {
	attrStore  Attributes
	blockStore Blocks

	mu     sync.Mutex
	path   string
	attrs  *attr.FileAttributes
	dirty  map[uint64][]byte
	synced bool

	// durable is the size of the content in the block store. Blocks at or
	// beyond Count(lowWater) that are not dirty hold stale data.
	durable  uint64
	lowWater uint64

	pendingRename string

	// refs is guarded by the owning table's lock.
	refs int
}

func newFile(path string, seed Seed, attrs Attributes, blocks Blocks) *File {
	f := &File{
		attrStore:  attrs,
		blockStore: blocks,
		path:       path,
		attrs:      seed.Attrs,
		dirty:      make(map[uint64][]byte),
		durable:    seed.DurableSize,
		lowWater:   seed.DurableSize,
	}
	if seed.Truncate {
		f.lowWater = 0
		f.attrs.Size = 0
		f.modifiedLocked()
	}
	return f
}

func (f *File) modifiedLocked() {
	now := time.Now()
	f.attrs.Mtime = now
	f.attrs.Ctime = now
}

// Path returns the path the file was opened under.
func (f *File) Path() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.path
}

// Attributes returns a copy of the in-memory attributes.
func (f *File) Attributes() *attr.FileAttributes {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attrs.Clone()
}

// ModifyAttr applies fn to the in-memory attributes. The edit is written
// on the next flush.
func (f *File) ModifyAttr(fn func(a *attr.FileAttributes)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.attrs)
	f.synced = false
}

// SetPendingRename records the path the file must be renamed to once its
// last reference is released. A later call replaces the target.
func (f *File) SetPendingRename(newpath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pendingRename != "" && f.pendingRename != newpath {
		logger.Debug("pending rename of %s changed from %s to %s", f.path, f.pendingRename, newpath)
	}
	f.pendingRename = newpath
}

// PendingRename returns the recorded rename target, if any.
func (f *File) PendingRename() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingRename
}

// blockLocked returns the writable buffer of block index, loading durable
// content when the block is not dirty yet.
func (f *File) blockLocked(ctx context.Context, index uint64) ([]byte, error) {
	if b, ok := f.dirty[index]; ok {
		return b, nil
	}
	if index >= block.Count(f.lowWater) {
		return nil, nil
	}

	data, err := f.blockStore.ReadBlock(ctx, f.attrs.FileID, index)
	if errors.Is(err, block.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load block %d of %s: %w", index, f.path, err)
	}

	// Bytes past lowWater in the last surviving block were cut by a
	// truncate.
	if limit := f.lowWater - index*block.Size; limit < uint64(len(data)) {
		data = data[:limit]
	}
	return data, nil
}

// Write stores data at offset, extending the file as needed.
func (f *File) Write(ctx context.Context, data []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, fmt.Errorf("write %s: negative offset %d", f.Path(), offset)
	}
	if len(data) == 0 {
		return 0, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	pos := uint64(offset)
	end := pos + uint64(len(data))
	written := 0

	for pos < end {
		index := pos / block.Size
		within := pos - index*block.Size

		buf, err := f.blockLocked(ctx, index)
		if err != nil {
			return written, err
		}

		n := uint64(block.Size) - within
		if pos+n > end {
			n = end - pos
		}
		if need := within + n; uint64(len(buf)) < need {
			grown := make([]byte, need)
			copy(grown, buf)
			buf = grown
		}
		copy(buf[within:within+n], data[written:])

		f.dirty[index] = buf
		written += int(n)
		pos += n
	}

	if end > f.attrs.Size {
		f.attrs.Size = end
	}
	f.modifiedLocked()
	f.synced = false
	return written, nil
}

// Truncate sets the file size.
func (f *File) Truncate(ctx context.Context, size uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if size < f.attrs.Size {
		keep := block.Count(size)
		for index := range f.dirty {
			if index >= keep {
				delete(f.dirty, index)
			}
		}

		// The new last block keeps only the bytes below size.
		if within := size % block.Size; within != 0 {
			index := size / block.Size
			buf, err := f.blockLocked(ctx, index)
			if err != nil {
				return err
			}
			if uint64(len(buf)) > within {
				buf = buf[:within]
			}
			f.dirty[index] = buf
		}

		if size < f.lowWater {
			f.lowWater = size
		}
	}

	f.attrs.Size = size
	f.modifiedLocked()
	f.synced = false
	return nil
}

// Flush writes dirty blocks, deletes blocks cut by truncation and stores
// the attributes. The file stays open.
func (f *File) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.synced && len(f.dirty) == 0 {
		return nil
	}

	indexes := make([]uint64, 0, len(f.dirty))
	for index := range f.dirty {
		indexes = append(indexes, index)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(flushParallelism)
	for _, index := range indexes {
		index, data := index, f.dirty[index]
		g.Go(func() error {
			return f.blockStore.WriteBlock(gctx, f.path, f.attrs.FileID, index, data)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("flush %s: %w", f.path, err)
	}

	if err := f.deleteStaleLocked(ctx); err != nil {
		logger.Warn("flush %s: %v", f.path, err)
	}

	if err := f.attrStore.WriteAttributesDirect(ctx, f.path, f.attrs.Clone()); err != nil {
		return fmt.Errorf("flush %s: %w", f.path, err)
	}

	f.dirty = make(map[uint64][]byte)
	f.durable = f.attrs.Size
	f.lowWater = f.durable
	f.synced = true
	return nil
}

// deleteStaleLocked removes durable blocks that truncation cut and no
// write replaced, in contiguous runs.
func (f *File) deleteStaleLocked(ctx context.Context) error {
	from, to := block.Count(f.lowWater), block.Count(f.durable)

	var firstErr error
	for i := from; i < to; {
		if _, ok := f.dirty[i]; ok {
			i++
			continue
		}
		j := i + 1
		for j < to {
			if _, ok := f.dirty[j]; ok {
				break
			}
			j++
		}
		if err := f.blockStore.DeleteBlockRange(ctx, f.attrs.FileID, i, j); err != nil && firstErr == nil {
			firstErr = err
		}
		i = j
	}
	return firstErr
}
