package kv

import (
	"context"
	"fmt"
)

// UnavailableStore stands in for a backend that failed to initialize.
//
// Every operation fails with ErrUnavailable wrapping the original cause,
// so facades fall back to the legacy filesystem where they can and the
// mount keeps serving non-writable paths.
type UnavailableStore struct {
	cause error
}

// NewUnavailableStore returns a store that always reports cause.
func NewUnavailableStore(cause error) *UnavailableStore {
	return &UnavailableStore{cause: cause}
}

func (s *UnavailableStore) err() error {
	if s.cause == nil {
		return ErrUnavailable
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, s.cause)
}

func (s *UnavailableStore) Get(context.Context, Namespace, string) ([]byte, error) {
	return nil, s.err()
}

func (s *UnavailableStore) Put(context.Context, Namespace, string, []byte) error {
	return s.err()
}

func (s *UnavailableStore) Delete(context.Context, Namespace, string) error {
	return s.err()
}

func (s *UnavailableStore) Close() error {
	return nil
}
