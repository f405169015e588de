package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/marmos91/dhtfs/internal/logger"
	"github.com/marmos91/dhtfs/pkg/kv"
)

// BadgerStoreConfig configures a BadgerDB-backed store.
type BadgerStoreConfig struct {
	// DBPath is the directory holding the database files.
	DBPath string

	// KeyPrefix namespaces every key (the grid configuration name).
	KeyPrefix string

	// SyncWrites fsyncs every write before returning.
	SyncWrites bool

	// InMemory runs Badger without touching disk. DBPath is ignored.
	InMemory bool

	// BlockCacheSizeMB and IndexCacheSizeMB size Badger's own caches.
	// Zero selects the defaults (64MB and 32MB).
	BlockCacheSizeMB int64
	IndexCacheSizeMB int64
}

// BadgerStore implements kv.Store on top of BadgerDB.
//
// Keys are laid out as "<prefix>/<namespace>/<key>". Badger compression is
// disabled because data blocks arrive already compressed by the block
// facade when the path asks for it.
type BadgerStore struct {
	db     *badger.DB
	prefix string
}

// NewBadgerStore opens (or creates) the database described by config.
func NewBadgerStore(ctx context.Context, config BadgerStoreConfig) (*BadgerStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !config.InMemory && config.DBPath == "" {
		return nil, fmt.Errorf("badger store: path is required")
	}

	opts := badger.DefaultOptions(config.DBPath)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithCompression(options.None)
	opts = opts.WithSyncWrites(config.SyncWrites)

	blockCacheMB := config.BlockCacheSizeMB
	if blockCacheMB == 0 {
		blockCacheMB = 64
	}
	indexCacheMB := config.IndexCacheSizeMB
	if indexCacheMB == 0 {
		indexCacheMB = 32
	}
	opts = opts.WithBlockCacheSize(blockCacheMB << 20)
	opts = opts.WithIndexCacheSize(indexCacheMB << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", config.DBPath, err)
	}

	logger.Info("Badger store opened: path=%s, prefix=%s, in_memory=%v",
		config.DBPath, config.KeyPrefix, config.InMemory)

	return &BadgerStore{db: db, prefix: config.KeyPrefix}, nil
}

func (s *BadgerStore) key(ns kv.Namespace, key string) []byte {
	return []byte(kv.Key(s.prefix, ns, key))
}

func (s *BadgerStore) Get(ctx context.Context, ns kv.Namespace, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(ns, key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", ns, key, kv.ErrNotFound)
	}
	if errors.Is(err, badger.ErrDBClosed) {
		return nil, kv.ErrClosed
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %s/%s: %w", ns, key, err)
	}
	return value, nil
}

func (s *BadgerStore) Put(ctx context.Context, ns kv.Namespace, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key(ns, key), stored)
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return kv.ErrClosed
	}
	if err != nil {
		return fmt.Errorf("badger put %s/%s: %w", ns, key, err)
	}
	return nil
}

func (s *BadgerStore) Delete(ctx context.Context, ns kv.Namespace, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(s.key(ns, key))
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return kv.ErrClosed
	}
	if err != nil {
		return fmt.Errorf("badger delete %s/%s: %w", ns, key, err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
