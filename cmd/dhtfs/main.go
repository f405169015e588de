package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/dhtfs/internal/logger"
	"github.com/marmos91/dhtfs/pkg/config"
	"github.com/marmos91/dhtfs/pkg/server"
	"github.com/spf13/pflag"
)

const usage = `DHTFS - FUSE filesystem over a distributed key-value store

Usage:
  dhtfs [flags]            Mount the filesystem
  dhtfs init [--force]     Write a default configuration file

Flags:
`

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		os.Exit(runInit(os.Args[2:]))
	}
	os.Exit(runMount(os.Args[1:]))
}

func runInit(args []string) int {
	flags := pflag.NewFlagSet("init", pflag.ContinueOnError)
	force := flags.Bool("force", false, "Overwrite an existing configuration file")
	path := flags.String("config", "", "Path of the configuration file to write (default: "+config.GetDefaultConfigPath()+")")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	target := *path
	if target == "" {
		target = config.GetDefaultConfigPath()
	}

	if err := config.InitConfigToPath(target, *force); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Printf("Configuration written to %s\n", target)
	return 0
}

func mountFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("dhtfs", pflag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}

	flags.String("config", "", "Path to the configuration file")
	flags.StringP("mount", "m", "", "Mount point")
	flags.String("host", "", "Store host")
	flags.String("coordination", "", "Cluster coordination locator")
	flags.StringP("grid-config", "g", "", "Grid configuration name")
	flags.String("store-type", "", "Store backend (memory, badger, s3)")
	flags.String("writable-prefix", "", "Root of the writable namespace")
	flags.StringSlice("legacy-mapping", nil, "Legacy mapping logical:legacy (repeatable)")
	flags.String("log-level", "", "Log level (DEBUG, INFO, WARN, ERROR)")
	flags.Bool("allow-other", false, "Allow other users to access the mount")
	flags.Bool("debug-fuse", false, "Log every FUSE request")
	flags.String("compression", "", "Block compression (NONE, ZIP, SNAPPY, LZ4, ZSTD)")
	flags.String("checksum", "", "Block checksum (NONE, MD5, SHA_1, XXHASH64, BLAKE3)")
	flags.Int("cache-size-kb", 0, "Block cache size in KiB")

	return flags
}

func runMount(args []string) int {
	flags := mountFlags()
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	configPath, _ := flags.GetString("config")
	cfg, err := config.LoadWithFlags(configPath, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	if err := logger.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure logging: %v\n", err)
		return 1
	}

	logger.Info("DHTFS starting")
	logger.Info("  Mount point: %s", cfg.Mount.Path)
	logger.Info("  Store: type=%s host=%s grid_config=%s", cfg.Store.Type, cfg.Store.Host, cfg.Store.GridConfig)
	if cfg.Store.Coordination != "" {
		logger.Info("  Coordination: %s", cfg.Store.Coordination)
	}
	logger.Info("  Writable prefix: %s", cfg.Paths.WritablePrefix)
	for _, m := range cfg.Paths.LegacyMapping {
		logger.Info("  Legacy mapping: %s", m)
	}
	logger.Info("  Blocks: compression=%s checksum=%s cache=%dKiB",
		cfg.Store.Compression, cfg.Store.Checksum, cfg.Cache.SizeKB)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.Build(ctx, cfg)
	if err != nil {
		logger.Error("Startup failed: %v", err)
		return 1
	}

	logger.Info("Filesystem mounted at %s. Press Ctrl+C or unmount to stop.", cfg.Mount.Path)

	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Server error: %v", err)
		return 1
	}

	logger.Info("DHTFS stopped")
	return 0
}
