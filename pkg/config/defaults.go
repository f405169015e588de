package config

import (
	"runtime"
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Store-specific defaults are handled by store implementations
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyMountDefaults(&cfg.Mount)
	applyStoreDefaults(&cfg.Store)
	applyCacheDefaults(&cfg.Cache)
	applyPathsDefaults(&cfg.Paths)
	applyStatsDefaults(&cfg.Stats)
	applyServerDefaults(&cfg.Server)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyMountDefaults(cfg *MountConfig) {
	if cfg.BigWrites == nil {
		enabled := true
		cfg.BigWrites = &enabled
	}
	if cfg.EntryTimeout == 0 {
		cfg.EntryTimeout = time.Second
	}
	if cfg.AttrTimeout == 0 {
		cfg.AttrTimeout = time.Second
	}
}

// applyStoreDefaults sets store defaults.
func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
	if cfg.Compression == "" {
		cfg.Compression = "LZ4"
	}
	cfg.Compression = strings.ToUpper(cfg.Compression)
	if cfg.Checksum == "" {
		cfg.Checksum = "XXHASH64"
	}
	cfg.Checksum = strings.ToUpper(cfg.Checksum)

	// Initialize maps if nil
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	if cfg.S3 == nil {
		cfg.S3 = make(map[string]any)
	}
}

func applyCacheDefaults(cfg *CacheConfig) {
	if cfg.SizeKB == 0 {
		cfg.SizeKB = 256 << 10
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = runtime.NumCPU()
	}
	if cfg.AttrTTL == 0 {
		cfg.AttrTTL = 30 * time.Second
	}
	if cfg.NegativeTTL == 0 {
		cfg.NegativeTTL = 5 * time.Second
	}
}

func applyPathsDefaults(cfg *PathsConfig) {
	if cfg.WritablePrefix == "" {
		cfg.WritablePrefix = "/skfs"
	}
	if len(cfg.WritablePrefix) > 1 {
		cfg.WritablePrefix = strings.TrimSuffix(cfg.WritablePrefix, "/")
	}
}

func applyStatsDefaults(cfg *StatsConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = 20 * time.Second
	}
	if cfg.DetailInterval == 0 {
		cfg.DetailInterval = 300 * time.Second
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 9090
	}
}

// applyServerDefaults sets server defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.RenameMaxAttempts == 0 {
		cfg.RenameMaxAttempts = 20
	}
	if cfg.RenameRetryDelay == 0 {
		cfg.RenameRetryDelay = 5 * time.Millisecond
	}
	if cfg.RulesPollInterval == 0 {
		cfg.RulesPollInterval = 20 * time.Second
	}
}

// GetDefaultConfig returns a configuration with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Mount: MountConfig{
			Path: "/mnt/dhtfs",
		},
		Store: StoreConfig{
			GridConfig: "default",
		},
		Paths: PathsConfig{
			PermanentSuffixes: []string{".jar", ".so"},
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
