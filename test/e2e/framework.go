package e2e

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/marmos91/dhtfs/internal/logger"
	"github.com/marmos91/dhtfs/pkg/server"
)

// TestContext provides a complete testing environment with:
// - Running DHTFS server
// - Mounted FUSE filesystem
// - A temporary legacy directory mapped at /legacy
// - Cleanup mechanisms
type TestContext struct {
	T         *testing.T
	Config    *TestConfig
	Server    *server.DHTFSServer
	MountPath string
	LegacyDir string

	ctx      context.Context
	cancel   context.CancelFunc
	served   chan error
	tempDirs []string
	mounted  bool
}

// NewTestContext starts a server with the given configuration and waits
// for its mount. The test is skipped where FUSE is unavailable.
func NewTestContext(t *testing.T, config *TestConfig) *TestContext {
	t.Helper()

	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("FUSE not available: /dev/fuse missing")
	}

	ctx, cancel := context.WithCancel(context.Background())

	tc := &TestContext{
		T:      t,
		Config: config,
		ctx:    ctx,
		cancel: cancel,
		served: make(chan error, 1),
	}

	tc.LegacyDir = tc.CreateTempDir("dhtfs-e2e-legacy-*")
	tc.MountPath = tc.CreateTempDir("dhtfs-e2e-mount-*")

	tc.startServer()
	tc.waitForMount()

	return tc
}

// startServer builds the server and serves it in the background.
func (tc *TestContext) startServer() {
	tc.T.Helper()

	// These are functional tests, not debugging sessions
	logger.SetLevel("ERROR")

	cfg, err := tc.Config.FilesystemConfig(tc, tc.MountPath, tc.LegacyDir)
	if err != nil {
		tc.T.Fatalf("Failed to build configuration: %v", err)
	}

	tc.Server, err = server.Build(tc.ctx, cfg)
	if err != nil {
		tc.T.Fatalf("Failed to build server: %v", err)
	}

	go func() {
		tc.served <- tc.Server.Serve(tc.ctx)
	}()
}

// waitForMount waits until the writable root is visible through the mount.
func (tc *TestContext) waitForMount() {
	tc.T.Helper()

	timeout := time.After(10 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err := <-tc.served:
			tc.served <- err
			tc.T.Skipf("Mount failed (needs FUSE permissions): %v", err)
		case <-timeout:
			tc.T.Fatal("Timeout waiting for mount")
		case <-ticker.C:
			if info, err := os.Stat(tc.Path("")); err == nil && info.IsDir() {
				tc.mounted = true
				return
			}
		}
	}
}

// Cleanup stops the server, which unmounts the filesystem, and removes
// temporary files.
func (tc *TestContext) Cleanup() {
	tc.T.Helper()

	if tc.cancel != nil {
		tc.cancel()
	}

	select {
	case err := <-tc.served:
		if err != nil && !errors.Is(err, context.Canceled) {
			tc.T.Logf("Server error: %v", err)
		}
	case <-time.After(30 * time.Second):
		tc.T.Log("Timeout waiting for server to stop")
	}

	for _, dir := range tc.tempDirs {
		_ = os.RemoveAll(dir)
	}
}

// unmount detaches the filesystem from outside the server, the way an
// administrator would.
func (tc *TestContext) unmount() error {
	tc.T.Helper()

	var lastErr error
	for _, args := range [][]string{
		{"fusermount3", "-u", tc.MountPath},
		{"fusermount", "-u", tc.MountPath},
		{"umount", tc.MountPath},
	} {
		output, err := exec.Command(args[0], args[1:]...).CombinedOutput()
		if err == nil {
			tc.mounted = false
			return nil
		}
		lastErr = errors.New(string(output))
	}
	return lastErr
}

// Path returns the absolute path of relativePath under the writable root.
func (tc *TestContext) Path(relativePath string) string {
	return filepath.Join(tc.MountPath, "skfs", relativePath)
}

// LegacyPath returns the absolute path of relativePath under the legacy
// mapping, as seen through the mount.
func (tc *TestContext) LegacyPath(relativePath string) string {
	return filepath.Join(tc.MountPath, "legacy", relativePath)
}

// CreateTempDir creates a temporary directory and registers it for cleanup
func (tc *TestContext) CreateTempDir(prefix string) string {
	tc.T.Helper()

	dir, err := os.MkdirTemp("", prefix)
	if err != nil {
		tc.T.Fatalf("Failed to create temp directory: %v", err)
	}
	tc.tempDirs = append(tc.tempDirs, dir)
	return dir
}
