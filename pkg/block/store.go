// Package block stores file data as fixed-size blocks in the key-value
// store, behind an LRU cache, and composes them into byte ranges.
//
// Blocks are keyed by the owning file's FileID and block index, never by
// path, so a rename does not move data. Blocks missing from the store read
// as zeros (sparse files) for writable files, and are fetched from the
// legacy filesystem for everything else.
package block

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/dhtfs/internal/logger"
	"github.com/marmos91/dhtfs/pkg/attr"
	"github.com/marmos91/dhtfs/pkg/kv"
	"github.com/marmos91/dhtfs/pkg/metrics"
	"github.com/marmos91/dhtfs/pkg/policy"
	"github.com/orca-zhang/ecache"
	"golang.org/x/sync/singleflight"
)

// Size is the size of every block except possibly a file's last one.
const Size = 256 << 10

var (
	// ErrNotFound is returned by ReadBlock for blocks that were never
	// written.
	ErrNotFound = errors.New("block: not found")

	// ErrCorrupt is returned when a stored block fails to decode or its
	// checksum does not match.
	ErrCorrupt = errors.New("block: corrupt")
)

// Legacy is the part of the legacy filesystem used to fill blocks of
// files that live outside the writable namespace.
type Legacy interface {
	ReadAt(ctx context.Context, path string, buf []byte, offset int64) (int, error)
}

// Key returns the store key of a block.
func Key(fileID uuid.UUID, index uint64) string {
	return fmt.Sprintf("%s:%d", fileID, index)
}

// Count returns the number of blocks a file of size bytes spans.
func Count(size uint64) uint64 {
	return (size + Size - 1) / Size
}

// Config configures a Store.
type Config struct {
	// CacheSizeKB bounds the cached block payload.
	CacheSizeKB int

	// Concurrency is the number of cache shards.
	Concurrency int

	// Compression is applied to blocks of compressed paths.
	Compression Compression

	// Checksum is stored with every block.
	Checksum Checksum
}

func (c *Config) applyDefaults() {
	if c.CacheSizeKB <= 0 {
		c.CacheSizeKB = 256 << 10
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 16
	}
	if c.Concurrency > 1<<10 {
		c.Concurrency = 1 << 10
	}
}

// Store is the block facade.
type Store struct {
	kv         kv.Store
	classifier *policy.Classifier
	legacy     Legacy

	compression Compression
	checksum    Checksum

	cache *ecache.Cache
	group singleflight.Group

	metrics     metrics.CacheMetrics
	legacyTimes *metrics.ResponseTimes

	hits          atomic.Uint64
	misses        atomic.Uint64
	legacyFetches atomic.Uint64
	writes        atomic.Uint64
}

// NewStore creates a block facade. legacy may be nil.
func NewStore(store kv.Store, classifier *policy.Classifier, legacy Legacy, config Config, m metrics.CacheMetrics) *Store {
	config.applyDefaults()
	if m == nil {
		m = metrics.NoopCacheMetrics{}
	}

	blocks := (config.CacheSizeKB << 10) / Size
	perBucket := blocks / config.Concurrency
	if perBucket < 1 {
		perBucket = 1
	}
	if perBucket > 1<<16-1 {
		perBucket = 1<<16 - 1
	}

	logger.Debug("block cache: %d shards x %d blocks, compression=%s, checksum=%s",
		config.Concurrency, perBucket, config.Compression, config.Checksum)

	return &Store{
		kv:          store,
		classifier:  classifier,
		legacy:      legacy,
		compression: config.Compression,
		checksum:    config.Checksum,
		cache:       ecache.NewLRUCache(uint16(config.Concurrency), uint16(perBucket)),
		metrics:     m,
		legacyTimes: metrics.NewResponseTimes("legacy-block", 0.2),
	}
}

// ReadBlock returns a copy of block index of fileID.
func (s *Store) ReadBlock(ctx context.Context, fileID uuid.UUID, index uint64) ([]byte, error) {
	key := Key(fileID, index)

	if v, ok := s.cache.Get(key); ok {
		s.hits.Add(1)
		s.metrics.RecordLookup("block", true)
		return clone(v.([]byte)), nil
	}
	s.misses.Add(1)
	s.metrics.RecordLookup("block", false)

	v, err, _ := s.group.Do(key, func() (any, error) {
		start := time.Now()
		raw, err := s.kv.Get(ctx, kv.NamespaceBlock, key)
		if kv.IsNotFound(err) {
			s.metrics.ObserveFetch("store", time.Since(start), nil)
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		s.metrics.ObserveFetch("store", time.Since(start), err)
		if err != nil {
			return nil, fmt.Errorf("read block %s: %w", key, err)
		}

		data, err := Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("read block %s: %w", key, err)
		}
		s.cache.Put(key, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return clone(v.([]byte)), nil
}

// WriteBlock stores block index of fileID. Blocks of compressed paths are
// compressed with the configured codec.
func (s *Store) WriteBlock(ctx context.Context, path string, fileID uuid.UUID, index uint64, data []byte) error {
	if len(data) > Size {
		return fmt.Errorf("write block: %d bytes exceeds block size", len(data))
	}

	c := CompressionNone
	if s.classifier.Classify(path).Has(policy.Compressed) {
		c = s.compression
	}

	raw, err := Encode(data, c, s.checksum)
	if err != nil {
		return fmt.Errorf("write block %s: %w", Key(fileID, index), err)
	}

	key := Key(fileID, index)
	if err := s.kv.Put(ctx, kv.NamespaceBlock, key, raw); err != nil {
		s.cache.Del(key)
		return fmt.Errorf("write block %s: %w", key, err)
	}

	s.writes.Add(1)
	s.cache.Put(key, clone(data))
	return nil
}

// DeleteBlocks removes blocks [0, count) of fileID. Every block is
// attempted; the first error is returned.
func (s *Store) DeleteBlocks(ctx context.Context, fileID uuid.UUID, count uint64) error {
	return s.DeleteBlockRange(ctx, fileID, 0, count)
}

// DeleteBlockRange removes blocks [from, to) of fileID.
func (s *Store) DeleteBlockRange(ctx context.Context, fileID uuid.UUID, from, to uint64) error {
	var firstErr error
	for i := from; i < to; i++ {
		key := Key(fileID, i)
		s.cache.Del(key)
		if err := s.kv.Delete(ctx, kv.NamespaceBlock, key); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("delete block %s: %w", key, err)
		}
	}
	return firstErr
}

// ReadRange returns up to size bytes of the file described by attrs,
// starting at offset. Reads are clamped to the file size.
func (s *Store) ReadRange(ctx context.Context, path string, attrs *attr.FileAttributes, size int, offset int64) ([]byte, error) {
	if offset < 0 {
		return nil, fmt.Errorf("read range: negative offset %d", offset)
	}

	fileSize := int64(attrs.Size)
	if offset >= fileSize || size <= 0 {
		return []byte{}, nil
	}
	end := offset + int64(size)
	if end > fileSize {
		end = fileSize
	}

	flags := s.classifier.Classify(path)
	out := make([]byte, end-offset)

	for pos := offset; pos < end; {
		index := uint64(pos / Size)
		blockStart := int64(index) * Size
		within := pos - blockStart

		data, err := s.blockForRead(ctx, path, flags, attrs, index)
		if err != nil {
			return nil, err
		}

		n := int64(Size) - within
		if pos+n > end {
			n = end - pos
		}
		// Bytes past the stored block are zeros.
		if within < int64(len(data)) {
			copy(out[pos-offset:pos-offset+n], data[within:])
		}
		pos += n
	}
	return out, nil
}

func (s *Store) blockForRead(ctx context.Context, path string, flags policy.Flags, attrs *attr.FileAttributes, index uint64) ([]byte, error) {
	data, err := s.ReadBlock(ctx, attrs.FileID, index)
	if err == nil {
		return data, nil
	}

	canUseLegacy := !flags.Has(policy.Writable) && !flags.Has(policy.SnapshotOnly) && s.legacy != nil
	if !canUseLegacy {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !errors.Is(err, ErrNotFound) {
		logger.Debug("block read for %s failed, using legacy: %v", path, err)
	}

	return s.readLegacyBlock(ctx, path, flags, attrs, index)
}

func (s *Store) readLegacyBlock(ctx context.Context, path string, flags policy.Flags, attrs *attr.FileAttributes, index uint64) ([]byte, error) {
	s.legacyFetches.Add(1)

	buf := make([]byte, Size)
	start := time.Now()
	n, err := s.legacy.ReadAt(ctx, path, buf, int64(index)*Size)
	d := time.Since(start)
	s.metrics.ObserveFetch("legacy", d, err)
	s.legacyTimes.Observe(d, err)
	if err != nil {
		return nil, fmt.Errorf("legacy read %s block %d: %w", path, index, err)
	}
	data := buf[:n]

	if flags.Has(policy.NoBufferedWrite) {
		return data, nil
	}
	if err := s.WriteBlock(ctx, path, attrs.FileID, index, data); err != nil {
		logger.Debug("write-back of legacy block %s/%d failed: %v", path, index, err)
	}
	return data, nil
}

// Stats is a snapshot of the facade's counters.
type Stats struct {
	Hits          uint64
	Misses        uint64
	LegacyFetches uint64
	Writes        uint64
	Legacy        metrics.ResponseTimesSnapshot
}

// Stats returns the current counters.
func (s *Store) Stats() Stats {
	return Stats{
		Hits:          s.hits.Load(),
		Misses:        s.misses.Load(),
		LegacyFetches: s.legacyFetches.Load(),
		Writes:        s.writes.Load(),
		Legacy:        s.legacyTimes.Snapshot(),
	}
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// LegacyResponseTimes exposes the legacy block latency aggregate.
func (s *Store) LegacyResponseTimes() *metrics.ResponseTimes {
	return s.legacyTimes
}
