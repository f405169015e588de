package e2e

import (
	"bytes"
	"os"
	"testing"
)

// runOnAllConfigs is a helper that runs a test on all configurations
func runOnAllConfigs(t *testing.T, testFunc func(t *testing.T, tc *TestContext)) {
	t.Helper()

	for _, config := range AllConfigurations() {
		t.Run(config.Name, func(t *testing.T) {
			tc := NewTestContext(t, config)
			defer tc.Cleanup()

			testFunc(t, tc)
		})
	}
}

// pattern returns size bytes that differ from block to block, so a block
// read at the wrong index is detected.
func pattern(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + i/4093)
	}
	return data
}

// requireContent fails unless the file at path holds exactly want.
func requireContent(t *testing.T, path string, want []byte) {
	t.Helper()

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", path, err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("Content mismatch for %s: got %d bytes, want %d", path, len(got), len(want))
	}
}
