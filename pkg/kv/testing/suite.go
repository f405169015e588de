package testing

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/marmos91/dhtfs/pkg/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreTestSuite checks the kv.Store contract independently of the backend.
//
// Usage:
//
//	func TestMyStore(t *testing.T) {
//	    suite := &kvtesting.StoreTestSuite{
//	        NewStore: func(t *testing.T) kv.Store { return mystore.New() },
//	    }
//	    suite.Run(t)
//	}
type StoreTestSuite struct {
	// NewStore creates a fresh, empty store for each test.
	NewStore func(t *testing.T) kv.Store
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(t *testing.T) {
	t.Run("Get_NotFound", suite.testGetNotFound)
	t.Run("Put_Get", suite.testPutGet)
	t.Run("Put_Overwrite", suite.testPutOverwrite)
	t.Run("Namespaces_Isolated", suite.testNamespacesIsolated)
	t.Run("Delete", suite.testDelete)
	t.Run("Delete_Idempotent", suite.testDeleteIdempotent)
	t.Run("Get_ReturnsCopy", suite.testGetReturnsCopy)
	t.Run("Concurrent", suite.testConcurrent)
}

func testContext() context.Context {
	return context.Background()
}

func (suite *StoreTestSuite) newStore(t *testing.T) kv.Store {
	t.Helper()
	store := suite.NewStore(t)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func (suite *StoreTestSuite) testGetNotFound(t *testing.T) {
	store := suite.newStore(t)

	_, err := store.Get(testContext(), kv.NamespaceAttr, "/missing")
	require.Error(t, err)
	assert.True(t, kv.IsNotFound(err), "expected ErrNotFound, got %v", err)
}

func (suite *StoreTestSuite) testPutGet(t *testing.T) {
	store := suite.newStore(t)

	require.NoError(t, store.Put(testContext(), kv.NamespaceAttr, "/skfs/a", []byte("attrs")))

	got, err := store.Get(testContext(), kv.NamespaceAttr, "/skfs/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("attrs"), got)
}

func (suite *StoreTestSuite) testPutOverwrite(t *testing.T) {
	store := suite.newStore(t)

	require.NoError(t, store.Put(testContext(), kv.NamespaceBlock, "f:0", []byte("old")))
	require.NoError(t, store.Put(testContext(), kv.NamespaceBlock, "f:0", []byte("newer value")))

	got, err := store.Get(testContext(), kv.NamespaceBlock, "f:0")
	require.NoError(t, err)
	assert.Equal(t, []byte("newer value"), got)
}

func (suite *StoreTestSuite) testNamespacesIsolated(t *testing.T) {
	store := suite.newStore(t)

	require.NoError(t, store.Put(testContext(), kv.NamespaceAttr, "/same", []byte("attr")))
	require.NoError(t, store.Put(testContext(), kv.NamespaceDir, "/same", []byte("dir")))

	got, err := store.Get(testContext(), kv.NamespaceAttr, "/same")
	require.NoError(t, err)
	assert.Equal(t, []byte("attr"), got)

	got, err = store.Get(testContext(), kv.NamespaceDir, "/same")
	require.NoError(t, err)
	assert.Equal(t, []byte("dir"), got)

	_, err = store.Get(testContext(), kv.NamespaceBlock, "/same")
	assert.True(t, kv.IsNotFound(err))
}

func (suite *StoreTestSuite) testDelete(t *testing.T) {
	store := suite.newStore(t)

	require.NoError(t, store.Put(testContext(), kv.NamespaceAttr, "/gone", []byte("x")))
	require.NoError(t, store.Delete(testContext(), kv.NamespaceAttr, "/gone"))

	_, err := store.Get(testContext(), kv.NamespaceAttr, "/gone")
	assert.True(t, kv.IsNotFound(err))
}

func (suite *StoreTestSuite) testDeleteIdempotent(t *testing.T) {
	store := suite.newStore(t)

	assert.NoError(t, store.Delete(testContext(), kv.NamespaceAttr, "/never"))
	assert.NoError(t, store.Delete(testContext(), kv.NamespaceAttr, "/never"))
}

func (suite *StoreTestSuite) testGetReturnsCopy(t *testing.T) {
	store := suite.newStore(t)

	value := []byte("immutable")
	require.NoError(t, store.Put(testContext(), kv.NamespaceBlock, "k", value))
	value[0] = 'X'

	got, err := store.Get(testContext(), kv.NamespaceBlock, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("immutable"), got)

	got[0] = 'Y'
	again, err := store.Get(testContext(), kv.NamespaceBlock, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("immutable"), again)
}

func (suite *StoreTestSuite) testConcurrent(t *testing.T) {
	store := suite.newStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i)
			value := bytes.Repeat([]byte{byte(i)}, 64)
			assert.NoError(t, store.Put(testContext(), kv.NamespaceBlock, key, value))
			got, err := store.Get(testContext(), kv.NamespaceBlock, key)
			assert.NoError(t, err)
			assert.Equal(t, value, got)
		}(i)
	}
	wg.Wait()
}
