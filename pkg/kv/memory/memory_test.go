package memory

import (
	"context"
	"testing"

	"github.com/marmos91/dhtfs/pkg/kv"
	kvtesting "github.com/marmos91/dhtfs/pkg/kv/testing"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	suite := &kvtesting.StoreTestSuite{
		NewStore: func(t *testing.T) kv.Store {
			store, err := NewMemoryStore(context.Background())
			require.NoError(t, err)
			return store
		},
	}
	suite.Run(t)
}

func TestMemoryStore_Len(t *testing.T) {
	store, err := NewMemoryStore(context.Background())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, kv.NamespaceBlock, "a:0", []byte("x")))
	require.NoError(t, store.Put(ctx, kv.NamespaceBlock, "a:1", []byte("y")))
	require.NoError(t, store.Put(ctx, kv.NamespaceAttr, "/a", []byte("z")))

	require.Equal(t, 2, store.Len(kv.NamespaceBlock))
	require.Equal(t, 1, store.Len(kv.NamespaceAttr))
	require.Equal(t, 0, store.Len(kv.NamespaceDir))
}
