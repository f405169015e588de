package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopWhenDisabled(t *testing.T) {
	if IsEnabled() {
		t.Skip("registry already initialized by another test")
	}
	assert.IsType(t, NoopOperationMetrics{}, NewOperationMetrics())
	assert.IsType(t, NoopCacheMetrics{}, NewCacheMetrics())
	assert.IsType(t, NoopStoreMetrics{}, NewStoreMetrics())
}

func TestOperationMetrics(t *testing.T) {
	m := newOperationMetrics(prometheus.NewRegistry())

	m.RecordOperation("getattr", time.Millisecond, "")
	m.RecordOperation("getattr", time.Millisecond, "not_found")
	m.RecordOperationStart("write")
	m.RecordBytesTransferred("write", 4096)
	m.SetOpenWritableFiles(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operationsTotal.WithLabelValues("getattr", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operationsTotal.WithLabelValues("getattr", "not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operationsInFlight.WithLabelValues("write")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(m.bytesTransferred.WithLabelValues("write")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.openWritableFiles))

	m.RecordOperationEnd("write")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.operationsInFlight.WithLabelValues("write")))
}

func TestCacheMetrics(t *testing.T) {
	m := newCacheMetrics(prometheus.NewRegistry())

	m.RecordLookup("attr", true)
	m.RecordLookup("attr", false)
	m.RecordLookup("attr", true)
	m.ObserveFetch("legacy", time.Millisecond, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.lookups.WithLabelValues("attr", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lookups.WithLabelValues("attr", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetches.WithLabelValues("legacy", "error")))
}

func TestStoreMetrics(t *testing.T) {
	m := newStoreMetrics(prometheus.NewRegistry())

	m.ObserveOperation("get", "attr", time.Millisecond, nil)
	m.RecordBytes("put", 100)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("get", "attr", "success")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.bytes.WithLabelValues("put")))
}

func TestResponseTimes(t *testing.T) {
	r := NewResponseTimes("store", 0.5)

	r.Observe(10*time.Millisecond, nil)
	r.Observe(20*time.Millisecond, nil)
	r.Observe(time.Second, errors.New("timeout"))

	snap := r.Snapshot()
	assert.Equal(t, "store", snap.Name)
	assert.Equal(t, 15*time.Millisecond, snap.Average)
	assert.Equal(t, 20*time.Millisecond, snap.Max)
	assert.Equal(t, uint64(3), snap.Count)
	assert.Equal(t, uint64(1), snap.Failures)

	r.ResetMax()
	assert.Zero(t, r.Snapshot().Max)

	var none *ResponseTimes
	none.Observe(time.Second, nil)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// scrape polls /metrics until the server answers.
func scrape(t *testing.T, port int) (int, string) {
	t.Helper()
	url := fmt.Sprintf("http://127.0.0.1:%d/metrics", port)

	var lastErr error
	for i := 0; i < 100; i++ {
		resp, err := http.Get(url)
		if err != nil {
			lastErr = err
			time.Sleep(20 * time.Millisecond)
			continue
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}
	t.Fatalf("metrics server never answered: %v", lastErr)
	return 0, ""
}

func TestServerLifecycle(t *testing.T) {
	port := freePort(t)
	srv := NewServer(ServerConfig{Port: port})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	status, _ := scrape(t, port)
	if IsEnabled() {
		assert.Equal(t, http.StatusOK, status)
	} else {
		assert.Equal(t, http.StatusServiceUnavailable, status)
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}
	assert.NoError(t, srv.Stop(context.Background()))
}

func TestServerReportsBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()

	srv := NewServer(ServerConfig{Port: ln.Addr().(*net.TCPAddr).Port})
	assert.Error(t, srv.Start(context.Background()))
}

// Enables the global registry; runs after the tests that need it disabled.
func TestInitRegistryExportsRuntime(t *testing.T) {
	InitRegistry()
	reg := GetRegistry()
	require.NotNil(t, reg)

	InitRegistry()
	assert.Same(t, reg, GetRegistry())
	assert.IsType(t, &operationMetrics{}, NewOperationMetrics())

	port := freePort(t)
	srv := NewServer(ServerConfig{Port: port})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Start(ctx) }()

	status, body := scrape(t, port)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "go_goroutines")
	assert.Contains(t, body, "promhttp_metric_handler_requests_total")
}
