package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config represents the complete dhtfs configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (DHTFS_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
//
// Store Configuration Pattern:
// The store section selects a key-value backend by type; only the
// type-specific map matching the selected type is decoded.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Mount controls the FUSE mount
	Mount MountConfig `mapstructure:"mount" yaml:"mount"`

	// Store selects and configures the key-value store
	Store StoreConfig `mapstructure:"store" yaml:"store"`

	// Cache sizes the attribute and block caches
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`

	// Paths holds the writable prefix, legacy mappings and path policies
	Paths PathsConfig `mapstructure:"paths" yaml:"paths"`

	// Stats controls periodic statistics and the metrics endpoint
	Stats StatsConfig `mapstructure:"stats" yaml:"stats"`

	// Server contains process-wide settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// MountConfig controls the FUSE mount.
type MountConfig struct {
	// Path is the mount point
	Path string `mapstructure:"path" yaml:"path" validate:"required,startswith=/"`

	// AllowOther lets other users access the mount. It is also enabled
	// when /etc/fuse.conf exists.
	AllowOther bool `mapstructure:"allow_other" yaml:"allow_other"`

	// BigWrites raises the maximum write size from 128KiB to 1MiB (default: true)
	BigWrites *bool `mapstructure:"big_writes" yaml:"big_writes"`

	// Debug logs every FUSE request
	Debug bool `mapstructure:"debug" yaml:"debug"`

	// EntryTimeout is how long the kernel caches name lookups.
	// A negative value means entries never expire.
	EntryTimeout time.Duration `mapstructure:"entry_timeout" yaml:"entry_timeout"`

	// AttrTimeout is how long the kernel caches attributes.
	// A negative value means attributes never expire.
	AttrTimeout time.Duration `mapstructure:"attr_timeout" yaml:"attr_timeout"`

	// NegativeTimeout is how long the kernel caches failed lookups.
	// A negative value means failed lookups never expire.
	NegativeTimeout time.Duration `mapstructure:"negative_timeout" yaml:"negative_timeout"`

	// MaxReadahead bounds kernel readahead in bytes (0 = kernel default)
	MaxReadahead int `mapstructure:"max_readahead" yaml:"max_readahead" validate:"gte=0"`
}

// StoreConfig selects the key-value store.
//
// The Type field determines which store implementation is used.
// Only the corresponding type-specific configuration section is used.
type StoreConfig struct {
	// Host is the store host address
	Host string `mapstructure:"host" yaml:"host" validate:"required"`

	// Coordination locates the cluster coordination service
	Coordination string `mapstructure:"coordination" yaml:"coordination"`

	// GridConfig names the grid configuration; it prefixes every key
	GridConfig string `mapstructure:"grid_config" yaml:"grid_config" validate:"required"`

	// Type specifies which store implementation to use
	// Valid values: memory, badger, s3
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory badger s3"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger,omitempty"`

	// S3 contains S3-specific configuration
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3" yaml:"s3,omitempty"`

	// Compression for blocks of compressed paths
	// Valid values: NONE, ZIP, SNAPPY, LZ4, ZSTD
	Compression string `mapstructure:"compression" yaml:"compression" validate:"required"`

	// Checksum stored with every block
	// Valid values: NONE, MD5, SHA_1, XXHASH64, BLAKE3
	Checksum string `mapstructure:"checksum" yaml:"checksum" validate:"required"`
}

// CacheConfig sizes the caches.
type CacheConfig struct {
	// SizeKB bounds the block cache
	SizeKB int `mapstructure:"size_kb" yaml:"size_kb" validate:"gte=0"`

	// Concurrency is the number of cache shards (default: number of CPUs)
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency" validate:"gte=0,lte=1024"`

	// AttrTTL is how long attributes stay cached
	AttrTTL time.Duration `mapstructure:"attr_ttl" yaml:"attr_ttl" validate:"gte=0"`

	// NegativeTTL is how long failed attribute lookups stay cached
	NegativeTTL time.Duration `mapstructure:"negative_ttl" yaml:"negative_ttl" validate:"gte=0"`
}

// PathsConfig holds the namespace layout and per-path policies.
type PathsConfig struct {
	// WritablePrefix is the root of the writable namespace
	WritablePrefix string `mapstructure:"writable_prefix" yaml:"writable_prefix" validate:"required,startswith=/"`

	// LegacyMapping maps logical prefixes to legacy paths ("logical:legacy")
	LegacyMapping []string `mapstructure:"legacy_mapping" yaml:"legacy_mapping"`

	// LegacyOpsPerSec bounds calls into the legacy filesystem (0 = unlimited)
	LegacyOpsPerSec uint `mapstructure:"legacy_ops_per_sec" yaml:"legacy_ops_per_sec"`

	// LegacyBurst is the burst allowed above LegacyOpsPerSec
	LegacyBurst uint `mapstructure:"legacy_burst" yaml:"legacy_burst"`

	// NativeOnly paths are served by the legacy filesystem alone
	NativeOnly []string `mapstructure:"native_only" yaml:"native_only"`

	// NativeOnlyFile is watched and replaces NativeOnly whenever it changes
	NativeOnlyFile string `mapstructure:"native_only_file" yaml:"native_only_file"`

	// NoErrorCache paths never cache failed lookups
	NoErrorCache []string `mapstructure:"no_error_cache" yaml:"no_error_cache"`

	// NoLinkCache paths read symlinks from the legacy filesystem
	NoLinkCache []string `mapstructure:"no_link_cache" yaml:"no_link_cache"`

	// SnapshotOnly paths never fall back to the legacy filesystem
	SnapshotOnly []string `mapstructure:"snapshot_only" yaml:"snapshot_only"`

	// Compressed paths store their blocks compressed
	Compressed []string `mapstructure:"compressed" yaml:"compressed"`

	// NoBufferedWrite paths do not copy legacy blocks into the store
	NoBufferedWrite []string `mapstructure:"no_buffered_write" yaml:"no_buffered_write"`

	// PermanentSuffixes mark files whose attributes are cached forever
	PermanentSuffixes []string `mapstructure:"permanent_suffixes" yaml:"permanent_suffixes"`
}

// StatsConfig controls statistics reporting.
type StatsConfig struct {
	// Interval between statistics log lines
	Interval time.Duration `mapstructure:"interval" yaml:"interval" validate:"required,gt=0"`

	// DetailInterval between detailed statistics log lines
	DetailInterval time.Duration `mapstructure:"detail_interval" yaml:"detail_interval" validate:"required,gt=0"`

	// MetricsEnabled exposes Prometheus metrics over HTTP
	MetricsEnabled bool `mapstructure:"metrics_enabled" yaml:"metrics_enabled"`

	// MetricsPort is the metrics HTTP port
	MetricsPort int `mapstructure:"metrics_port" yaml:"metrics_port" validate:"gte=0,lte=65535"`
}

// ServerConfig contains process-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"required,gt=0"`

	// RenameMaxAttempts bounds the wait for writers before a rename is deferred
	RenameMaxAttempts int `mapstructure:"rename_max_attempts" yaml:"rename_max_attempts" validate:"required,gt=0"`

	// RenameRetryDelay is the pause between rename attempts
	RenameRetryDelay time.Duration `mapstructure:"rename_retry_delay" yaml:"rename_retry_delay" validate:"required,gt=0"`

	// RulesPollInterval is how often a missing rules file is looked for
	RulesPollInterval time.Duration `mapstructure:"rules_poll_interval" yaml:"rules_poll_interval" validate:"required,gt=0"`
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"mount":           "mount.path",
	"host":            "store.host",
	"coordination":    "store.coordination",
	"grid-config":     "store.grid_config",
	"store-type":      "store.type",
	"writable-prefix": "paths.writable_prefix",
	"legacy-mapping":  "paths.legacy_mapping",
	"log-level":       "logging.level",
	"allow-other":     "mount.allow_other",
	"debug-fuse":      "mount.debug",
	"compression":     "store.compression",
	"checksum":        "store.checksum",
	"cache-size-kb":   "cache.size_kb",
}

// envAliases are accepted in addition to the DHTFS_<SECTION>_<KEY> names.
var envAliases = map[string]string{
	"mount.entry_timeout":    "DHTFS_ENTRY_TIMEOUT",
	"mount.attr_timeout":     "DHTFS_ATTR_TIMEOUT",
	"mount.negative_timeout": "DHTFS_NEGATIVE_TIMEOUT",
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (DHTFS_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	return LoadWithFlags(configPath, nil)
}

// LoadWithFlags is Load with command-line flags taking precedence over
// every other source. Only flags the user set are applied.
func LoadWithFlags(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use DHTFS_ prefix and underscores
	// Example: DHTFS_STORE_GRID_CONFIG=grid1
	v.SetEnvPrefix("DHTFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal only sees keys viper knows about, so every key of the
	// default configuration is registered for environment lookup.
	for _, key := range configKeys() {
		_ = v.BindEnv(key)
	}
	for key, alias := range envAliases {
		_ = v.BindEnv(key, "DHTFS_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), alias)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Use default location: $XDG_CONFIG_HOME/dhtfs/config.yaml
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return nil
}

// configKeys lists the scalar and list keys of Config.
func configKeys() []string {
	return []string{
		"logging.level", "logging.format", "logging.output",
		"mount.path", "mount.allow_other", "mount.big_writes", "mount.debug",
		"mount.max_readahead",
		"store.host", "store.coordination", "store.grid_config", "store.type",
		"store.compression", "store.checksum",
		"cache.size_kb", "cache.concurrency", "cache.attr_ttl", "cache.negative_ttl",
		"paths.writable_prefix", "paths.legacy_mapping", "paths.legacy_ops_per_sec", "paths.legacy_burst",
		"paths.native_only", "paths.native_only_file",
		"paths.no_error_cache", "paths.no_link_cache", "paths.snapshot_only", "paths.compressed",
		"paths.no_buffered_write", "paths.permanent_suffixes",
		"stats.interval", "stats.detail_interval", "stats.metrics_enabled", "stats.metrics_port",
		"server.shutdown_timeout", "server.rename_max_attempts", "server.rename_retry_delay",
		"server.rules_poll_interval",
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		// Config file not found is acceptable - use defaults
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dhtfs")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "dhtfs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
