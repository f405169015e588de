package e2e

import (
	"fmt"
	"path/filepath"

	"github.com/marmos91/dhtfs/pkg/config"
)

// StoreType is the key-value backend a test run mounts.
type StoreType string

const (
	StoreMemory StoreType = "memory"
	StoreBadger StoreType = "badger"
)

// TestContextProvider is an interface for providing test context dependencies
type TestContextProvider interface {
	CreateTempDir(prefix string) string
}

// TestConfig holds the configuration for a test run
type TestConfig struct {
	Name  string
	Store StoreType

	// Compression and Checksum override the block format (empty = default)
	Compression string
	Checksum    string
}

// String returns a string representation of the configuration
func (tc *TestConfig) String() string {
	return fmt.Sprintf("%s/%s/%s", tc.Store, tc.Compression, tc.Checksum)
}

// FilesystemConfig builds the mount configuration for this run. Every path
// is compressed so the configured codec is exercised.
func (tc *TestConfig) FilesystemConfig(testCtx TestContextProvider, mountPath, legacyDir string) (*config.Config, error) {
	cfg := config.GetDefaultConfig()
	cfg.Logging.Level = "ERROR"
	cfg.Mount.Path = mountPath
	cfg.Mount.AllowOther = false
	cfg.Store.GridConfig = "e2e"
	cfg.Paths.LegacyMapping = []string{"/legacy:" + legacyDir}
	cfg.Paths.Compressed = []string{"/skfs"}
	cfg.Stats.MetricsEnabled = false

	if tc.Compression != "" {
		cfg.Store.Compression = tc.Compression
	}
	if tc.Checksum != "" {
		cfg.Store.Checksum = tc.Checksum
	}

	switch tc.Store {
	case StoreMemory:
		cfg.Store.Type = "memory"

	case StoreBadger:
		cfg.Store.Type = "badger"
		cfg.Store.Badger = map[string]any{
			"db_path": filepath.Join(testCtx.CreateTempDir("dhtfs-badger-*"), "kv.db"),
		}

	default:
		return nil, fmt.Errorf("unknown store type: %s", tc.Store)
	}

	return cfg, nil
}

// AllConfigurations returns all test configurations to run
func AllConfigurations() []*TestConfig {
	return []*TestConfig{
		{Name: "memory-lz4", Store: StoreMemory},
		{Name: "memory-zstd-blake3", Store: StoreMemory, Compression: "ZSTD", Checksum: "BLAKE3"},
		{Name: "badger-snappy-md5", Store: StoreBadger, Compression: "SNAPPY", Checksum: "MD5"},
	}
}

// GetConfiguration returns a specific configuration by name
func GetConfiguration(name string) *TestConfig {
	for _, config := range AllConfigurations() {
		if config.Name == name {
			return config
		}
	}
	return nil
}
