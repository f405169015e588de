package refresh

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marmos91/dhtfs/pkg/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsReporter_RunNow(t *testing.T) {
	var detailSeen atomic.Bool
	r := NewStatsReporter(StatsConfig{},
		Source{Name: "attr", Report: func(detail bool) string {
			if detail {
				detailSeen.Store(true)
				return "hits=1 misses=2 legacy_avg=3ms"
			}
			return "hits=1"
		}},
		Source{Name: "files", Report: func(bool) string { return "open=0" }},
	)

	assert.Equal(t, []string{"attr: hits=1", "files: open=0"}, r.RunNow(false))
	assert.False(t, detailSeen.Load())

	lines := r.RunNow(true)
	assert.Equal(t, "attr: hits=1 misses=2 legacy_avg=3ms", lines[0])
	assert.True(t, detailSeen.Load())
}

func TestStatsReporter_Periodic(t *testing.T) {
	var calls, details atomic.Int32
	r := NewStatsReporter(StatsConfig{Interval: 5 * time.Millisecond, DetailInterval: 20 * time.Millisecond},
		Source{Name: "s", Report: func(detail bool) string {
			calls.Add(1)
			if detail {
				details.Add(1)
			}
			return ""
		}},
	)

	r.Start()
	r.Start()
	assert.Eventually(t, func() bool { return details.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))
	require.NoError(t, r.Stop(ctx))

	stopped := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, calls.Load())
	assert.Greater(t, calls.Load(), details.Load())
}

func TestStatsReporter_StopBeforeStart(t *testing.T) {
	r := NewStatsReporter(StatsConfig{})
	assert.NoError(t, r.Stop(context.Background()))
}

func TestRulesWatcher_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "native.rules")
	require.NoError(t, os.WriteFile(path, []byte("/data/a, /data/b # comment\n/data/c\n"), 0o644))

	c := policy.NewClassifier("/skfs", nil)
	w := NewRulesWatcher(c, RulesConfig{Path: path})
	require.NoError(t, w.Load())

	assert.True(t, c.Classify("/data/b/x").Has(policy.NativeOnly))
	assert.False(t, c.Classify("/data/d").Has(policy.NativeOnly))
	assert.Equal(t, uint64(1), w.Reloads())

	w2 := NewRulesWatcher(c, RulesConfig{Path: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, w2.Load())
}

func TestRulesWatcher_Lifecycle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "native.rules")

	c := policy.NewClassifier("/skfs", nil)
	w := NewRulesWatcher(c, RulesConfig{Path: path, PollInterval: 5 * time.Millisecond})
	w.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, w.Stop(ctx))
	}()

	isNative := func(p string) func() bool {
		return func() bool { return c.Classify(p).Has(policy.NativeOnly) }
	}

	// The file appears after the watcher started.
	time.Sleep(15 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("/data/first"), 0o644))
	assert.Eventually(t, isNative("/data/first"), 2*time.Second, 5*time.Millisecond)

	// A write is picked up by the watch.
	require.NoError(t, os.WriteFile(path, []byte("/data/second"), 0o644))
	assert.Eventually(t, isNative("/data/second"), 2*time.Second, 5*time.Millisecond)
	assert.False(t, isNative("/data/first")())

	// Removal keeps the rules; a new file is found by polling again.
	require.NoError(t, os.Remove(path))
	time.Sleep(20 * time.Millisecond)
	assert.True(t, isNative("/data/second")())

	require.NoError(t, os.WriteFile(path, []byte("/data/third"), 0o644))
	assert.Eventually(t, isNative("/data/third"), 2*time.Second, 5*time.Millisecond)
}
