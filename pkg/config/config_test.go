package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

const minimalConfig = `
mount:
  path: "/mnt/dhtfs"

store:
  grid_config: "grid1"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return configPath
}

func TestLoad_DefaultConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Store.Type != "memory" {
		t.Errorf("Expected default store type 'memory', got %q", cfg.Store.Type)
	}
	if cfg.Store.Host != "localhost" {
		t.Errorf("Expected default host 'localhost', got %q", cfg.Store.Host)
	}
	if cfg.Paths.WritablePrefix != "/skfs" {
		t.Errorf("Expected default writable prefix '/skfs', got %q", cfg.Paths.WritablePrefix)
	}
	if cfg.Mount.BigWrites == nil || !*cfg.Mount.BigWrites {
		t.Errorf("Expected big_writes enabled by default")
	}
	if cfg.Mount.EntryTimeout != time.Second {
		t.Errorf("Expected default entry timeout 1s, got %v", cfg.Mount.EntryTimeout)
	}
	if cfg.Server.RenameMaxAttempts != 20 {
		t.Errorf("Expected default rename attempts 20, got %d", cfg.Server.RenameMaxAttempts)
	}
	if cfg.Stats.Interval != 20*time.Second {
		t.Errorf("Expected default stats interval 20s, got %v", cfg.Stats.Interval)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	t.Setenv("DHTFS_MOUNT_PATH", "/mnt/x")
	t.Setenv("DHTFS_STORE_GRID_CONFIG", "grid1")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Expected missing config file to be tolerated, got: %v", err)
	}
	if cfg.Mount.Path != "/mnt/x" {
		t.Errorf("Expected mount path from env, got %q", cfg.Mount.Path)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	_, err := Load(writeConfig(t, "logging:\n  level: INFO\n"))
	if err == nil {
		t.Fatal("Expected validation error without mount path")
	}
	if !strings.Contains(err.Error(), "Mount.Path") {
		t.Errorf("Expected error to name Mount.Path, got: %v", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "mount: [unclosed\n"))
	if err == nil {
		t.Fatal("Expected error for invalid YAML")
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("DHTFS_LOGGING_LEVEL", "ERROR")
	t.Setenv("DHTFS_STORE_GRID_CONFIG", "from-env")

	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "ERROR" {
		t.Errorf("Expected level 'ERROR' from env var, got %q", cfg.Logging.Level)
	}
	if cfg.Store.GridConfig != "from-env" {
		t.Errorf("Expected grid config from env var, got %q", cfg.Store.GridConfig)
	}
}

func TestLoad_TimeoutAliases(t *testing.T) {
	t.Setenv("DHTFS_ENTRY_TIMEOUT", "5s")
	t.Setenv("DHTFS_ATTR_TIMEOUT", "-1s")
	t.Setenv("DHTFS_NEGATIVE_TIMEOUT", "250ms")

	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Mount.EntryTimeout != 5*time.Second {
		t.Errorf("Expected entry timeout 5s, got %v", cfg.Mount.EntryTimeout)
	}
	if cfg.Mount.AttrTimeout != -time.Second {
		t.Errorf("Expected attr timeout -1s, got %v", cfg.Mount.AttrTimeout)
	}
	if cfg.Mount.NegativeTimeout != 250*time.Millisecond {
		t.Errorf("Expected negative timeout 250ms, got %v", cfg.Mount.NegativeTimeout)
	}
}

func TestLoadWithFlags_OverridesFile(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("grid-config", "", "")
	flags.String("host", "", "")
	flags.StringSlice("legacy-mapping", nil, "")
	if err := flags.Parse([]string{"--grid-config=from-flag", "--legacy-mapping=/data:/srv/data"}); err != nil {
		t.Fatalf("Failed to parse flags: %v", err)
	}

	cfg, err := LoadWithFlags(writeConfig(t, minimalConfig), flags)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Store.GridConfig != "from-flag" {
		t.Errorf("Expected grid config from flag, got %q", cfg.Store.GridConfig)
	}
	if cfg.Store.Host != "localhost" {
		t.Errorf("Expected unset flag to leave default host, got %q", cfg.Store.Host)
	}
	if len(cfg.Paths.LegacyMapping) != 1 || cfg.Paths.LegacyMapping[0] != "/data:/srv/data" {
		t.Errorf("Expected legacy mapping from flag, got %v", cfg.Paths.LegacyMapping)
	}
}

func TestGetConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")

	dir := GetConfigDir()
	if dir != filepath.Join("/tmp/xdg", "dhtfs") {
		t.Errorf("Expected XDG-based config dir, got %q", dir)
	}
	if GetDefaultConfigPath() != filepath.Join("/tmp/xdg", "dhtfs", "config.yaml") {
		t.Errorf("Unexpected default config path %q", GetDefaultConfigPath())
	}
}

func TestConfigExists(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if ConfigExists() {
		t.Fatal("Expected no config in empty directory")
	}
	if _, err := InitConfig(false); err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}
	if !ConfigExists() {
		t.Error("Expected config to exist after InitConfig")
	}
}
