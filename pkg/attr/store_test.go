package attr

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/marmos91/dhtfs/pkg/kv"
	"github.com/marmos91/dhtfs/pkg/kv/memory"
	"github.com/marmos91/dhtfs/pkg/legacy"
	"github.com/marmos91/dhtfs/pkg/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// countingLegacy counts Lstat calls made through it.
type countingLegacy struct {
	fs    *legacy.FS
	calls atomic.Int32
}

func (c *countingLegacy) Lstat(ctx context.Context, p string) (*unix.Stat_t, error) {
	c.calls.Add(1)
	return c.fs.Lstat(ctx, p)
}

type fixture struct {
	kv     *memory.MemoryStore
	legacy *countingLegacy
	dir    string
	store  *Store
}

func newFixture(t *testing.T, rules *policy.RuleSet) *fixture {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.txt"), []byte("legacy"), 0o644))

	mem, err := memory.NewMemoryStore(context.Background())
	require.NoError(t, err)

	lg := &countingLegacy{fs: legacy.New([]legacy.Mapping{{Logical: "/data", Legacy: dir}})}
	classifier := policy.NewClassifier("/skfs", rules)

	return &fixture{
		kv:     mem,
		legacy: lg,
		dir:    dir,
		store:  NewStore(mem, classifier, lg, Config{}, nil),
	}
}

func TestGetAttributes_WritableRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a := New(unix.S_IFREG|0o644, 10, 20)
	require.NoError(t, f.store.WriteAttributesDirect(ctx, "/skfs/file", a))

	got, err := f.store.GetAttributes(ctx, "/skfs/file")
	require.NoError(t, err)
	assert.Equal(t, a.FileID, got.FileID)

	// The returned value is a copy.
	got.Size = 99
	again, err := f.store.GetAttributes(ctx, "/skfs/file")
	require.NoError(t, err)
	assert.Zero(t, again.Size)
}

func TestGetAttributes_WritableMissingSkipsLegacy(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.store.GetAttributes(context.Background(), "/skfs/none")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, f.legacy.calls.Load())
}

func TestGetAttributes_LegacyFallback(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	got, err := f.store.GetAttributes(ctx, "/data/old.txt")
	require.NoError(t, err)
	assert.True(t, got.IsRegular())
	assert.Equal(t, uint64(6), got.Size)
	assert.Equal(t, LegacyFileID("/data/old.txt", got.Mtime), got.FileID)

	_, err = f.store.GetAttributes(ctx, "/data/old.txt")
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.legacy.calls.Load(), "second lookup must be served from cache")
	assert.Equal(t, uint64(1), f.store.Stats().LegacyFetches)
}

func TestGetAttributes_SnapshotOnlyNeverUsesLegacy(t *testing.T) {
	f := newFixture(t, &policy.RuleSet{SnapshotOnly: policy.NewPathGroup("snap", "/data")})

	_, err := f.store.GetAttributes(context.Background(), "/data/old.txt")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, f.legacy.calls.Load())
}

func TestGetAttributes_NegativeCache(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.store.GetAttributes(ctx, "/data/missing")
	require.ErrorIs(t, err, ErrNotFound)

	// File appears on the legacy side; the cached miss still answers.
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "missing"), nil, 0o644))
	_, err = f.store.GetAttributes(ctx, "/data/missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, uint64(1), f.store.Stats().NegativeHits)

	f.store.Invalidate("/data/missing")
	_, err = f.store.GetAttributes(ctx, "/data/missing")
	assert.NoError(t, err)
}

func TestGetAttributes_NoErrorCache(t *testing.T) {
	f := newFixture(t, &policy.RuleSet{NoErrorCache: policy.NewPathGroup("noerr", "/data")})
	ctx := context.Background()

	_, err := f.store.GetAttributes(ctx, "/data/late")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "late"), nil, 0o644))
	_, err = f.store.GetAttributes(ctx, "/data/late")
	assert.NoError(t, err)
}

func TestGetAttributes_PermanentSuffix(t *testing.T) {
	f := newFixture(t, &policy.RuleSet{PermanentSuffixes: policy.NewSuffixGroup(".txt")})
	ctx := context.Background()

	_, err := f.store.GetAttributes(ctx, "/data/old.txt")
	require.NoError(t, err)

	_, ok := f.store.permanent.Get("/data/old.txt")
	assert.True(t, ok)
	_, ok = f.store.cache.Get("/data/old.txt")
	assert.False(t, ok)
}

func TestGetAttributes_ConcurrentMissesShareFetch(t *testing.T) {
	f := newFixture(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.store.GetAttributes(context.Background(), "/data/old.txt")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, f.legacy.calls.Load(), int32(32))
	assert.GreaterOrEqual(t, f.legacy.calls.Load(), int32(1))
}

func TestDeleteAttributes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.store.WriteAttributesDirect(ctx, "/skfs/d", New(unix.S_IFREG|0o644, 0, 0)))
	require.NoError(t, f.store.DeleteAttributes(ctx, "/skfs/d"))

	_, err := f.store.GetAttributes(ctx, "/skfs/d")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, f.kv.Len(kv.NamespaceAttr))
}

func TestGetAttributes_StoreUnavailable(t *testing.T) {
	classifier := policy.NewClassifier("/skfs", nil)
	s := NewStore(kv.NewUnavailableStore(errors.New("down")), classifier, nil, Config{}, nil)

	_, err := s.GetAttributes(context.Background(), "/skfs/x")
	assert.ErrorIs(t, err, kv.ErrUnavailable)
	assert.NotErrorIs(t, err, ErrNotFound)
}

// scriptedLegacy answers every Lstat with the same result. When gate is
// set, each call signals entered and waits for gate to close.
type scriptedLegacy struct {
	st      *unix.Stat_t
	err     error
	entered chan struct{}
	gate    chan struct{}
	calls   atomic.Int32
}

func (s *scriptedLegacy) Lstat(ctx context.Context, p string) (*unix.Stat_t, error) {
	s.calls.Add(1)
	if s.gate != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
		<-s.gate
	}
	return s.st, s.err
}

func newScriptedStore(t *testing.T, lg *scriptedLegacy) *Store {
	t.Helper()
	mem, err := memory.NewMemoryStore(context.Background())
	require.NoError(t, err)
	return NewStore(mem, policy.NewClassifier("/skfs", nil), lg, Config{}, nil)
}

func TestGetAttributes_LegacyErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		notFound bool
	}{
		{"enoent", unix.ENOENT, true},
		{"enotdir", unix.ENOTDIR, true},
		{"no mapping", legacy.ErrNoMapping, true},
		{"eio", unix.EIO, false},
		{"eacces", unix.EACCES, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lg := &scriptedLegacy{err: tt.err}
			s := newScriptedStore(t, lg)
			ctx := context.Background()

			_, err := s.GetAttributes(ctx, "/data/f")
			require.Error(t, err)
			assert.Equal(t, tt.notFound, errors.Is(err, ErrNotFound))

			_, err = s.GetAttributes(ctx, "/data/f")
			require.Error(t, err)
			if tt.notFound {
				assert.Equal(t, int32(1), lg.calls.Load(), "miss should be served from the negative cache")
			} else {
				assert.Equal(t, int32(2), lg.calls.Load(), "failure must not be cached")
			}
		})
	}
}

func TestGetAttributes_InvalidateDuringFetchWins(t *testing.T) {
	lg := &scriptedLegacy{
		st:      &unix.Stat_t{Mode: unix.S_IFREG | 0o644, Size: 6},
		entered: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	s := newScriptedStore(t, lg)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := s.GetAttributes(ctx, "/data/f")
		done <- err
	}()

	<-lg.entered
	require.NoError(t, s.DeleteAttributes(ctx, "/data/f"))
	close(lg.gate)
	require.NoError(t, <-done)

	_, ok := s.cache.Get("/data/f")
	assert.False(t, ok, "fetch started before the delete must not fill the cache")
}

func TestGetAttributes_WriteDuringMissingFetchWins(t *testing.T) {
	lg := &scriptedLegacy{
		err:     unix.ENOENT,
		entered: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	s := newScriptedStore(t, lg)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := s.GetAttributes(ctx, "/data/f")
		done <- err
	}()

	<-lg.entered
	written := New(unix.S_IFREG|0o600, 7, 8)
	require.NoError(t, s.WriteAttributesDirect(ctx, "/data/f", written))
	close(lg.gate)
	assert.ErrorIs(t, <-done, ErrNotFound)

	got, err := s.GetAttributes(ctx, "/data/f")
	require.NoError(t, err)
	assert.Equal(t, written.Mode, got.Mode)
	assert.Equal(t, uint32(7), got.UID)
}
