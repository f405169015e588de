package kv

import (
	"context"
	"time"

	"github.com/marmos91/dhtfs/pkg/metrics"
)

// InstrumentedStore reports every call of the wrapped store to a
// StoreMetrics and to a ResponseTimes aggregate. Lookups of missing keys
// are not counted as failures.
type InstrumentedStore struct {
	store   Store
	metrics metrics.StoreMetrics
	times   *metrics.ResponseTimes
}

// Instrument wraps store. A nil m selects the no-op metrics; a nil times
// disables latency aggregation.
func Instrument(store Store, m metrics.StoreMetrics, times *metrics.ResponseTimes) *InstrumentedStore {
	if m == nil {
		m = metrics.NoopStoreMetrics{}
	}
	return &InstrumentedStore{store: store, metrics: m, times: times}
}

func (s *InstrumentedStore) observe(op string, ns Namespace, start time.Time, err error) {
	if IsNotFound(err) {
		err = nil
	}
	d := time.Since(start)
	s.metrics.ObserveOperation(op, string(ns), d, err)
	s.times.Observe(d, err)
}

func (s *InstrumentedStore) Get(ctx context.Context, ns Namespace, key string) ([]byte, error) {
	start := time.Now()
	value, err := s.store.Get(ctx, ns, key)
	s.observe("get", ns, start, err)
	if err == nil {
		s.metrics.RecordBytes("get", int64(len(value)))
	}
	return value, err
}

func (s *InstrumentedStore) Put(ctx context.Context, ns Namespace, key string, value []byte) error {
	start := time.Now()
	err := s.store.Put(ctx, ns, key, value)
	s.observe("put", ns, start, err)
	if err == nil {
		s.metrics.RecordBytes("put", int64(len(value)))
	}
	return err
}

func (s *InstrumentedStore) Delete(ctx context.Context, ns Namespace, key string) error {
	start := time.Now()
	err := s.store.Delete(ctx, ns, key)
	s.observe("delete", ns, start, err)
	return err
}

func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}
