package block

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marmos91/dhtfs/pkg/attr"
	"github.com/marmos91/dhtfs/pkg/kv"
	"github.com/marmos91/dhtfs/pkg/kv/memory"
	"github.com/marmos91/dhtfs/pkg/legacy"
	"github.com/marmos91/dhtfs/pkg/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestStore(t *testing.T, rules *policy.RuleSet, legacyDir string) (*Store, *memory.MemoryStore) {
	t.Helper()

	mem, err := memory.NewMemoryStore(context.Background())
	require.NoError(t, err)

	var lg Legacy
	if legacyDir != "" {
		lg = legacy.New([]legacy.Mapping{{Logical: "/data", Legacy: legacyDir}})
	}

	classifier := policy.NewClassifier("/skfs", rules)
	store := NewStore(mem, classifier, lg, Config{
		CacheSizeKB: 4096,
		Concurrency: 4,
		Compression: CompressionSnappy,
		Checksum:    ChecksumXXHash64,
	}, nil)
	return store, mem
}

func TestKeyAndCount(t *testing.T) {
	a := attr.New(unix.S_IFREG|0o644, 0, 0)
	assert.Equal(t, a.FileID.String()+":7", Key(a.FileID, 7))

	assert.Equal(t, uint64(0), Count(0))
	assert.Equal(t, uint64(1), Count(1))
	assert.Equal(t, uint64(1), Count(Size))
	assert.Equal(t, uint64(2), Count(Size+1))
}

func TestWriteReadBlock(t *testing.T) {
	s, _ := newTestStore(t, nil, "")
	ctx := context.Background()
	a := attr.New(unix.S_IFREG|0o644, 0, 0)

	require.NoError(t, s.WriteBlock(ctx, "/skfs/f", a.FileID, 0, []byte("hello")))

	got, err := s.ReadBlock(ctx, a.FileID, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	_, err = s.ReadBlock(ctx, a.FileID, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, s.WriteBlock(ctx, "/skfs/f", a.FileID, 0, make([]byte, Size+1)))
}

func TestWriteBlock_CompressedPaths(t *testing.T) {
	s, mem := newTestStore(t, &policy.RuleSet{Compressed: policy.NewPathGroup("c", "/skfs/logs")}, "")
	ctx := context.Background()
	a := attr.New(unix.S_IFREG|0o644, 0, 0)
	b := attr.New(unix.S_IFREG|0o644, 0, 0)
	data := bytes.Repeat([]byte("log line\n"), 10000)

	require.NoError(t, s.WriteBlock(ctx, "/skfs/logs/app.log", a.FileID, 0, data))
	require.NoError(t, s.WriteBlock(ctx, "/skfs/plain", b.FileID, 0, data))

	compressed, err := mem.Get(ctx, kv.NamespaceBlock, Key(a.FileID, 0))
	require.NoError(t, err)
	plain, err := mem.Get(ctx, kv.NamespaceBlock, Key(b.FileID, 0))
	require.NoError(t, err)

	assert.Equal(t, byte(CompressionSnappy), compressed[0])
	assert.Equal(t, byte(CompressionNone), plain[0])
	assert.Less(t, len(compressed), len(plain))
}

func TestReadRange_ComposesBlocks(t *testing.T) {
	s, _ := newTestStore(t, nil, "")
	ctx := context.Background()
	a := attr.New(unix.S_IFREG|0o644, 0, 0)

	first := bytes.Repeat([]byte{'a'}, Size)
	second := []byte("tail")
	require.NoError(t, s.WriteBlock(ctx, "/skfs/f", a.FileID, 0, first))
	require.NoError(t, s.WriteBlock(ctx, "/skfs/f", a.FileID, 1, second))
	a.Size = Size + 4

	got, err := s.ReadRange(ctx, "/skfs/f", a, 8, Size-4)
	require.NoError(t, err)
	assert.Equal(t, []byte("aaaatail"), got)

	// Clamped at end of file.
	got, err = s.ReadRange(ctx, "/skfs/f", a, 100, Size+2)
	require.NoError(t, err)
	assert.Equal(t, []byte("il"), got)

	got, err = s.ReadRange(ctx, "/skfs/f", a, 10, Size+4)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadRange_SparseBlocksReadAsZero(t *testing.T) {
	s, _ := newTestStore(t, nil, "")
	ctx := context.Background()
	a := attr.New(unix.S_IFREG|0o644, 0, 0)

	require.NoError(t, s.WriteBlock(ctx, "/skfs/f", a.FileID, 2, []byte("z")))
	a.Size = 2*Size + 1

	got, err := s.ReadRange(ctx, "/skfs/f", a, 4, 2*Size-3)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 'z'}, got)
}

func TestReadRange_LegacyReadThrough(t *testing.T) {
	dir := t.TempDir()
	content := []byte("legacy file content")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), content, 0o644))

	s, mem := newTestStore(t, nil, dir)
	ctx := context.Background()
	a := &attr.FileAttributes{Mode: unix.S_IFREG | 0o644, Size: uint64(len(content)), FileID: attr.LegacyFileID("/data/f", time.Now())}

	got, err := s.ReadRange(ctx, "/data/f", a, 7, 7)
	require.NoError(t, err)
	assert.Equal(t, []byte("file co"), got)
	assert.Equal(t, uint64(1), s.Stats().LegacyFetches)
	assert.Equal(t, 1, mem.Len(kv.NamespaceBlock), "legacy block is written back")

	_, err = s.ReadRange(ctx, "/data/f", a, 6, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Stats().LegacyFetches)
}

func TestReadRange_NoBufferedWrite(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("abc"), 0o644))

	s, mem := newTestStore(t, &policy.RuleSet{NoBufferedWrite: policy.NewPathGroup("nb", "/data")}, dir)
	a := &attr.FileAttributes{Mode: unix.S_IFREG | 0o644, Size: 3, FileID: attr.LegacyFileID("/data/f", time.Now())}

	got, err := s.ReadRange(context.Background(), "/data/f", a, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
	assert.Zero(t, mem.Len(kv.NamespaceBlock))
}

func TestDeleteBlocks(t *testing.T) {
	s, mem := newTestStore(t, nil, "")
	ctx := context.Background()
	a := attr.New(unix.S_IFREG|0o644, 0, 0)

	for i := uint64(0); i < 3; i++ {
		require.NoError(t, s.WriteBlock(ctx, "/skfs/f", a.FileID, i, []byte{byte(i)}))
	}
	require.NoError(t, s.DeleteBlockRange(ctx, a.FileID, 1, 3))
	assert.Equal(t, 1, mem.Len(kv.NamespaceBlock))

	require.NoError(t, s.DeleteBlocks(ctx, a.FileID, 3))
	assert.Zero(t, mem.Len(kv.NamespaceBlock))

	_, err := s.ReadBlock(ctx, a.FileID, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}
