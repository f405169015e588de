package e2e

import (
	"os"
	"testing"
	"time"
)

// TestUnmount unmounts from outside the server and checks that the server
// shuts down on its own.
func TestUnmount(t *testing.T) {
	runOnAllConfigs(t, func(t *testing.T, tc *TestContext) {
		filePath := tc.Path("before_unmount.txt")
		if err := os.WriteFile(filePath, []byte("test"), 0644); err != nil {
			t.Fatalf("Failed to create file: %v", err)
		}

		if err := tc.unmount(); err != nil {
			t.Skipf("External unmount not permitted: %v", err)
		}

		select {
		case err := <-tc.served:
			if err != nil {
				t.Errorf("Serve returned %v after external unmount, want nil", err)
			}
			tc.served <- err
		case <-time.After(10 * time.Second):
			t.Fatal("Server did not stop after external unmount")
		}

		if tc.mounted {
			t.Error("Context still marked as mounted")
		}
		if _, err := os.Stat(filePath); err == nil {
			t.Errorf("Should not be able to access file after unmount")
		}
	})
}
