package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/marmos91/dhtfs/pkg/kv"
)

// MemoryStore implements kv.Store using in-memory maps.
//
// It is used by tests and by single-node mounts that do not need data to
// survive a restart. Values are copied on Put and on Get so callers can
// reuse their buffers.
type MemoryStore struct {
	data   map[kv.Namespace]map[string][]byte
	closed bool

	// mu protects data and closed
	mu sync.RWMutex
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(ctx context.Context) (*MemoryStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &MemoryStore{
		data: make(map[kv.Namespace]map[string][]byte),
	}, nil
}

func (s *MemoryStore) Get(ctx context.Context, ns kv.Namespace, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, kv.ErrClosed
	}

	value, ok := s.data[ns][key]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", ns, key, kv.ErrNotFound)
	}

	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (s *MemoryStore) Put(ctx context.Context, ns kv.Namespace, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return kv.ErrClosed
	}

	bucket, ok := s.data[ns]
	if !ok {
		bucket = make(map[string][]byte)
		s.data[ns] = bucket
	}
	bucket[key] = stored
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, ns kv.Namespace, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return kv.ErrClosed
	}

	delete(s.data[ns], key)
	return nil
}

// Len returns the number of keys stored in ns.
func (s *MemoryStore) Len(ns kv.Namespace) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data[ns])
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
