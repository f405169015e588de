package attr

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/marmos91/dhtfs/internal/logger"
	"github.com/marmos91/dhtfs/pkg/kv"
	"github.com/marmos91/dhtfs/pkg/legacy"
	"github.com/marmos91/dhtfs/pkg/metrics"
	"github.com/marmos91/dhtfs/pkg/policy"
	"github.com/orca-zhang/ecache"
	"golang.org/x/sync/singleflight"
	"golang.org/x/sys/unix"
)

var (
	// ErrNotFound is returned when neither the store nor the legacy
	// filesystem knows the path.
	ErrNotFound = errors.New("attr: not found")
)

// Legacy is the part of the legacy filesystem the store falls back to.
type Legacy interface {
	Lstat(ctx context.Context, path string) (*unix.Stat_t, error)
}

// Config sizes the caches.
type Config struct {
	// Buckets is the number of cache shards. Rounded up to a power of two
	// by the cache.
	Buckets uint16

	// ItemsPerBucket bounds each shard.
	ItemsPerBucket uint16

	// TTL bounds how long positive entries are served without refetching.
	TTL time.Duration

	// NegativeTTL bounds how long a failed lookup is remembered.
	NegativeTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.Buckets == 0 {
		c.Buckets = 16
	}
	if c.ItemsPerBucket == 0 {
		c.ItemsPerBucket = 1024
	}
	if c.TTL == 0 {
		c.TTL = 30 * time.Second
	}
	if c.NegativeTTL == 0 {
		c.NegativeTTL = 5 * time.Second
	}
}

const generationStripes = 64

// generation counts the mutations of the paths hashing to one stripe. A
// fetch only fills the caches if no mutation ran since it started.
type generation struct {
	mu sync.Mutex
	n  uint64
}

func (g *generation) current() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}

func (g *generation) ifCurrent(n uint64, fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.n == n {
		fn()
	}
}

func (g *generation) advance(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	fn()
}

// Store is the attribute facade.
//
// Lookups go through three caches: a TTL cache for ordinary entries, a
// non-expiring cache for permanent-suffix paths and a short-lived negative
// cache. Concurrent misses for the same path share a single fetch.
type Store struct {
	kv         kv.Store
	classifier *policy.Classifier
	legacy     Legacy

	cache     *ecache.Cache
	permanent *ecache.Cache
	negative  *ecache.Cache
	group     singleflight.Group
	gens      [generationStripes]generation

	metrics     metrics.CacheMetrics
	legacyTimes *metrics.ResponseTimes

	hits          atomic.Uint64
	misses        atomic.Uint64
	negativeHits  atomic.Uint64
	legacyFetches atomic.Uint64
}

// NewStore creates an attribute facade. legacy may be nil, in which case
// non-writable paths not found in the store are reported missing.
func NewStore(store kv.Store, classifier *policy.Classifier, legacy Legacy, config Config, m metrics.CacheMetrics) *Store {
	config.applyDefaults()
	if m == nil {
		m = metrics.NoopCacheMetrics{}
	}

	return &Store{
		kv:          store,
		classifier:  classifier,
		legacy:      legacy,
		cache:       ecache.NewLRUCache(config.Buckets, config.ItemsPerBucket, config.TTL),
		permanent:   ecache.NewLRUCache(config.Buckets, config.ItemsPerBucket),
		negative:    ecache.NewLRUCache(config.Buckets, config.ItemsPerBucket, config.NegativeTTL),
		metrics:     m,
		legacyTimes: metrics.NewResponseTimes("legacy-attr", 0.2),
	}
}

// GetAttributes returns a copy of the attributes of path.
//
// Paths outside the writable namespace that the store does not know are
// looked up on the legacy filesystem, unless they are snapshot-only.
// Missing paths are remembered in the negative cache unless the path is
// marked no-error-cache.
func (s *Store) GetAttributes(ctx context.Context, path string) (*FileAttributes, error) {
	path = policy.Normalize(path)
	flags := s.classifier.Classify(path)

	if a, ok := s.lookupCached(path, flags); ok {
		return a.Clone(), nil
	}

	if !flags.Has(policy.NoErrorCache) {
		if _, ok := s.negative.Get(path); ok {
			s.negativeHits.Add(1)
			s.metrics.RecordLookup("attr_negative", true)
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
	}

	gen := s.generation(path)
	started := gen.current()
	v, err, _ := s.group.Do(path, func() (any, error) {
		return s.fetch(ctx, path, flags)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) && !flags.Has(policy.NoErrorCache) {
			gen.ifCurrent(started, func() { s.negative.Put(path, struct{}{}) })
		}
		return nil, err
	}

	a := v.(*FileAttributes)
	gen.ifCurrent(started, func() { s.storeCached(path, flags, a) })
	return a.Clone(), nil
}

func (s *Store) generation(path string) *generation {
	return &s.gens[xxhash.Sum64String(path)%generationStripes]
}

func (s *Store) lookupCached(path string, flags policy.Flags) (*FileAttributes, bool) {
	cache, name := s.cache, "attr"
	if flags.Has(policy.PermanentSuffix) {
		cache, name = s.permanent, "attr_permanent"
	}

	if v, ok := cache.Get(path); ok {
		s.hits.Add(1)
		s.metrics.RecordLookup(name, true)
		return v.(*FileAttributes), true
	}
	s.misses.Add(1)
	s.metrics.RecordLookup(name, false)
	return nil, false
}

func (s *Store) storeCached(path string, flags policy.Flags, a *FileAttributes) {
	if flags.Has(policy.PermanentSuffix) {
		s.permanent.Put(path, a.Clone())
		return
	}
	s.cache.Put(path, a.Clone())
}

func (s *Store) fetch(ctx context.Context, path string, flags policy.Flags) (*FileAttributes, error) {
	start := time.Now()
	data, err := s.kv.Get(ctx, kv.NamespaceAttr, path)
	s.metrics.ObserveFetch("store", time.Since(start), ignoreNotFound(err))
	if err == nil {
		return Decode(data)
	}

	storeErr := err
	if !kv.IsNotFound(err) {
		logger.Debug("attr store lookup failed for %s: %v", path, err)
	}

	if flags.Has(policy.Writable) || flags.Has(policy.SnapshotOnly) || s.legacy == nil {
		if kv.IsNotFound(storeErr) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("get attributes %s: %w", path, storeErr)
	}

	return s.fetchLegacy(ctx, path)
}

func (s *Store) fetchLegacy(ctx context.Context, path string) (*FileAttributes, error) {
	s.legacyFetches.Add(1)

	start := time.Now()
	st, err := s.legacy.Lstat(ctx, path)
	d := time.Since(start)
	s.metrics.ObserveFetch("legacy", d, err)
	s.legacyTimes.Observe(d, err)

	switch {
	case err == nil:
		return FromStat(path, st), nil
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, unix.ENOTDIR), errors.Is(err, legacy.ErrNoMapping):
		logger.Debug("legacy lstat: %s does not exist: %v", path, err)
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	default:
		return nil, fmt.Errorf("legacy lstat %s: %w", path, err)
	}
}

func ignoreNotFound(err error) error {
	if kv.IsNotFound(err) {
		return nil
	}
	return err
}

// WriteAttributesDirect stores attrs under path and refreshes the cache.
func (s *Store) WriteAttributesDirect(ctx context.Context, path string, attrs *FileAttributes) error {
	path = policy.Normalize(path)

	data, err := Encode(attrs)
	if err != nil {
		return err
	}
	if err := s.kv.Put(ctx, kv.NamespaceAttr, path, data); err != nil {
		s.Invalidate(path)
		return fmt.Errorf("write attributes %s: %w", path, err)
	}

	s.generation(path).advance(func() {
		s.group.Forget(path)
		s.negative.Del(path)
		s.storeCached(path, s.classifier.Classify(path), attrs)
	})
	return nil
}

// DeleteAttributes removes path from the store and the caches.
func (s *Store) DeleteAttributes(ctx context.Context, path string) error {
	path = policy.Normalize(path)
	err := s.kv.Delete(ctx, kv.NamespaceAttr, path)
	s.Invalidate(path)
	if err != nil {
		return fmt.Errorf("delete attributes %s: %w", path, err)
	}
	return nil
}

// Invalidate drops every cached entry for path. Fetches already in flight
// for path no longer fill the caches.
func (s *Store) Invalidate(path string) {
	path = policy.Normalize(path)
	s.generation(path).advance(func() {
		s.group.Forget(path)
		s.cache.Del(path)
		s.permanent.Del(path)
		s.negative.Del(path)
	})
}

// Stats is a snapshot of the facade's counters.
type Stats struct {
	Hits          uint64
	Misses        uint64
	NegativeHits  uint64
	LegacyFetches uint64
	Legacy        metrics.ResponseTimesSnapshot
}

// Stats returns the current counters.
func (s *Store) Stats() Stats {
	return Stats{
		Hits:          s.hits.Load(),
		Misses:        s.misses.Load(),
		NegativeHits:  s.negativeHits.Load(),
		LegacyFetches: s.legacyFetches.Load(),
		Legacy:        s.legacyTimes.Snapshot(),
	}
}

// LegacyResponseTimes exposes the legacy latency aggregate for the stats
// reporter.
func (s *Store) LegacyResponseTimes() *metrics.ResponseTimes {
	return s.legacyTimes
}
