package legacy

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestParseMapping(t *testing.T) {
	m, err := ParseMapping("/data:/mnt/nfs/data/")
	require.NoError(t, err)
	assert.Equal(t, Mapping{Logical: "/data", Legacy: "/mnt/nfs/data"}, m)

	for _, bad := range []string{"", "/data", ":/x", "/x:"} {
		_, err := ParseMapping(bad)
		assert.Error(t, err, "mapping %q", bad)
	}

	_, err = ParseMappings([]string{"/a:/b", "broken"})
	assert.Error(t, err)
}

func TestTranslate(t *testing.T) {
	f := New([]Mapping{
		{Logical: "/data", Legacy: "/nfs/data"},
		{Logical: "/data/hot", Legacy: "/ssd/hot"},
	})

	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"/data", "/nfs/data", true},
		{"/data/x/y", "/nfs/data/x/y", true},
		{"/data/hot/z", "/ssd/hot/z", true},
		{"/datax", "", false},
		{"/", "", false},
	}
	for _, tt := range tests {
		got, ok := f.Translate(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	root := New([]Mapping{{Logical: "/", Legacy: "/export"}})
	got, ok := root.Translate("/a/b")
	assert.True(t, ok)
	assert.Equal(t, "/export/a/b", got)
}

func newTestFS(t *testing.T) (*FS, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), []byte("hello legacy"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.Symlink("file.txt", filepath.Join(dir, "link")))
	return New([]Mapping{{Logical: "/legacy", Legacy: dir}}), dir
}

func TestFS_Lstat(t *testing.T) {
	f, _ := newTestFS(t)
	ctx := context.Background()

	st, err := f.Lstat(ctx, "/legacy/file.txt")
	require.NoError(t, err)
	assert.Equal(t, uint32(unix.S_IFREG), st.Mode&unix.S_IFMT)
	assert.Equal(t, int64(12), st.Size)

	st, err = f.Lstat(ctx, "/legacy/link")
	require.NoError(t, err)
	assert.Equal(t, uint32(unix.S_IFLNK), st.Mode&unix.S_IFMT)

	_, err = f.Lstat(ctx, "/legacy/missing")
	assert.True(t, errors.Is(err, fs.ErrNotExist), "got %v", err)

	_, err = f.Lstat(ctx, "/elsewhere")
	assert.ErrorIs(t, err, ErrNoMapping)
}

func TestFS_RateLimit(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0o644))
	f := New([]Mapping{{Logical: "/legacy", Legacy: dir}}, WithRateLimit(1, 1))

	_, err := f.Lstat(context.Background(), "/legacy/f")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Lstat(ctx, "/legacy/f")
	assert.Error(t, err)

	unlimited := New([]Mapping{{Logical: "/legacy", Legacy: dir}}, WithRateLimit(0, 0))
	for i := 0; i < 100; i++ {
		_, err := unlimited.Lstat(context.Background(), "/legacy/f")
		require.NoError(t, err)
	}
}

func TestFS_ReadDir(t *testing.T) {
	f, _ := newTestFS(t)

	entries, err := f.ReadDir(context.Background(), "/legacy")
	require.NoError(t, err)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	assert.Equal(t, []DirEntry{
		{Name: "file.txt", Mode: unix.S_IFREG},
		{Name: "link", Mode: unix.S_IFLNK},
		{Name: "sub", Mode: unix.S_IFDIR},
	}, entries)
}

func TestFS_ReadlinkAndReadAt(t *testing.T) {
	f, _ := newTestFS(t)
	ctx := context.Background()

	target, err := f.Readlink(ctx, "/legacy/link")
	require.NoError(t, err)
	assert.Equal(t, "file.txt", target)

	buf := make([]byte, 32)
	n, err := f.ReadAt(ctx, "/legacy/file.txt", buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "legacy", string(buf[:n]))
}

func TestFS_Statfs(t *testing.T) {
	f, _ := newTestFS(t)

	st, err := f.Statfs(context.Background(), "/legacy")
	require.NoError(t, err)
	assert.NotZero(t, st.Bsize)
}

func TestTypeBits(t *testing.T) {
	assert.Equal(t, uint32(unix.S_IFDIR), TypeBits(fs.ModeDir))
	assert.Equal(t, uint32(unix.S_IFCHR), TypeBits(fs.ModeDevice|fs.ModeCharDevice))
	assert.Equal(t, uint32(unix.S_IFBLK), TypeBits(fs.ModeDevice))
	assert.Equal(t, uint32(unix.S_IFREG), TypeBits(0))
}
