// Package kv defines the key-value contract of the distributed store that
// backs attributes, data blocks and directory records.
//
// The store is addressed by (Namespace, key). Keys are opaque strings built
// by the facades on top of it; values are opaque byte slices owned by the
// caller after Get returns.
package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Namespace partitions the key space by record kind.
type Namespace string

const (
	// NamespaceAttr holds encoded file attributes keyed by path.
	NamespaceAttr Namespace = "attr"

	// NamespaceBlock holds data blocks keyed by file ID and block index.
	NamespaceBlock Namespace = "block"

	// NamespaceDir holds directory records keyed by directory path.
	NamespaceDir Namespace = "dir"
)

var (
	// ErrNotFound is returned when no value is stored under the key.
	ErrNotFound = errors.New("kv: key not found")

	// ErrUnavailable is returned when the store cannot be reached.
	ErrUnavailable = errors.New("kv: store unavailable")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("kv: store closed")
)

// Store is the minimal contract shared by every backend.
//
// Implementations must be safe for concurrent use. Put replaces any
// existing value. Delete of a missing key is not an error.
type Store interface {
	Get(ctx context.Context, ns Namespace, key string) ([]byte, error)
	Put(ctx context.Context, ns Namespace, key string, value []byte) error
	Delete(ctx context.Context, ns Namespace, key string) error
	Close() error
}

// Key joins a namespace prefix, a namespace and a key into the flat key
// used by backends without native namespaces.
//
// The prefix is the grid configuration name; it lets several mounts share
// one physical store without seeing each other's records.
func Key(prefix string, ns Namespace, key string) string {
	key = strings.TrimPrefix(key, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s", ns, key)
	}
	return fmt.Sprintf("%s/%s/%s", prefix, ns, key)
}

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
