package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/mitchellh/mapstructure"

	"github.com/marmos91/dhtfs/internal/logger"
	"github.com/marmos91/dhtfs/pkg/attr"
	"github.com/marmos91/dhtfs/pkg/block"
	"github.com/marmos91/dhtfs/pkg/kv"
	kvBadger "github.com/marmos91/dhtfs/pkg/kv/badger"
	kvMemory "github.com/marmos91/dhtfs/pkg/kv/memory"
	kvS3 "github.com/marmos91/dhtfs/pkg/kv/s3"
	"github.com/marmos91/dhtfs/pkg/legacy"
	"github.com/marmos91/dhtfs/pkg/policy"
)

// CreateStore creates the key-value store based on configuration.
//
// This factory function uses the Type field to determine which store implementation
// to create, then decodes the type-specific configuration from the corresponding
// map and passes it to the store's constructor. The grid configuration name
// becomes the key prefix of persistent backends.
//
// Supported types:
//   - "memory": Uses pkg/kv/memory (process-local, for tests and trials)
//   - "badger": Uses pkg/kv/badger (embedded BadgerDB)
//   - "s3": Uses pkg/kv/s3 (Amazon S3 or compatible storage)
func CreateStore(ctx context.Context, cfg *StoreConfig) (kv.Store, error) {
	switch cfg.Type {
	case "memory":
		store, err := kvMemory.NewMemoryStore(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create memory store: %w", err)
		}
		return store, nil
	case "badger":
		return createBadgerStore(ctx, cfg.GridConfig, cfg.Badger)
	case "s3":
		return createS3Store(ctx, cfg.GridConfig, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown store type: %q", cfg.Type)
	}
}

// createBadgerStore creates a BadgerDB-backed store.
func createBadgerStore(ctx context.Context, prefix string, options map[string]any) (kv.Store, error) {
	type BadgerStoreOptions struct {
		DBPath           string `mapstructure:"db_path"`
		SyncWrites       bool   `mapstructure:"sync_writes"`
		InMemory         bool   `mapstructure:"in_memory"`
		BlockCacheSizeMB int64  `mapstructure:"block_cache_mb"`
		IndexCacheSizeMB int64  `mapstructure:"index_cache_mb"`
	}

	var storeOpts BadgerStoreOptions
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           &storeOpts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(options); err != nil {
		return nil, fmt.Errorf("failed to decode badger store options: %w", err)
	}

	if storeOpts.DBPath == "" && !storeOpts.InMemory {
		return nil, fmt.Errorf("badger store: db_path is required")
	}

	store, err := kvBadger.NewBadgerStore(ctx, kvBadger.BadgerStoreConfig{
		DBPath:           storeOpts.DBPath,
		KeyPrefix:        prefix,
		SyncWrites:       storeOpts.SyncWrites,
		InMemory:         storeOpts.InMemory,
		BlockCacheSizeMB: storeOpts.BlockCacheSizeMB,
		IndexCacheSizeMB: storeOpts.IndexCacheSizeMB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create badger store: %w", err)
	}

	return store, nil
}

// createS3Store creates an S3-based store.
func createS3Store(ctx context.Context, prefix string, options map[string]any) (kv.Store, error) {
	type S3StoreOptions struct {
		Region          string `mapstructure:"region"`
		Bucket          string `mapstructure:"bucket"`
		KeyPrefix       string `mapstructure:"key_prefix"`
		Endpoint        string `mapstructure:"endpoint"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
		MaxRetries      int    `mapstructure:"max_retries"`
	}

	var storeCfg S3StoreOptions
	if err := mapstructure.WeakDecode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode S3 store config: %w", err)
	}

	// Validate required fields
	if storeCfg.Bucket == "" {
		return nil, fmt.Errorf("S3 store: bucket is required")
	}

	if storeCfg.Region == "" {
		return nil, fmt.Errorf("S3 store: region is required")
	}

	// ========================================================================
	// Step 1: Build AWS Config
	// ========================================================================

	var configOptions []func(*awsConfig.LoadOptions) error

	configOptions = append(configOptions, awsConfig.WithRegion(storeCfg.Region))

	// Custom endpoint for MinIO, Localstack and other compatible services
	if storeCfg.Endpoint != "" {
		//nolint:staticcheck // TODO: migrate to BaseEndpoint once kv/s3 takes s3.Options
		customResolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				//nolint:staticcheck
				return aws.Endpoint{
					URL:               storeCfg.Endpoint,
					HostnameImmutable: true,
					Source:            aws.EndpointSourceCustom,
				}, nil
			},
		)
		//nolint:staticcheck
		configOptions = append(configOptions, awsConfig.WithEndpointResolverWithOptions(customResolver))
	}

	// Static credentials if provided, otherwise the default credential chain
	if storeCfg.AccessKeyID != "" && storeCfg.SecretAccessKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(
			storeCfg.AccessKeyID,
			storeCfg.SecretAccessKey,
			"",
		)
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	maxRetries := storeCfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// ========================================================================
	// Step 2: Create S3 Client
	// ========================================================================

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Path-style addressing for MinIO/Localstack
		if storeCfg.Endpoint != "" {
			o.UsePathStyle = true
		}
	})

	// ========================================================================
	// Step 3: Create S3 Store
	// ========================================================================

	keyPrefix := prefix
	if storeCfg.KeyPrefix != "" {
		keyPrefix = storeCfg.KeyPrefix + "/" + prefix
	}

	store, err := kvS3.NewS3Store(ctx, kvS3.S3StoreConfig{
		Client:    client,
		Bucket:    storeCfg.Bucket,
		KeyPrefix: keyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 store: %w", err)
	}

	logger.Info("S3 store initialized: bucket=%s, region=%s, prefix=%s",
		storeCfg.Bucket, storeCfg.Region, keyPrefix)

	return store, nil
}

// CreateClassifier builds the path classifier from the paths section.
func CreateClassifier(cfg *PathsConfig) *policy.Classifier {
	rules := &policy.RuleSet{
		NativeOnly:        policy.NewPathGroup("native-only", cfg.NativeOnly...),
		NoErrorCache:      policy.NewPathGroup("no-error-cache", cfg.NoErrorCache...),
		NoLinkCache:       policy.NewPathGroup("no-link-cache", cfg.NoLinkCache...),
		SnapshotOnly:      policy.NewPathGroup("snapshot-only", cfg.SnapshotOnly...),
		Compressed:        policy.NewPathGroup("compressed", cfg.Compressed...),
		NoBufferedWrite:   policy.NewPathGroup("no-buffered-write", cfg.NoBufferedWrite...),
		PermanentSuffixes: policy.NewSuffixGroup(cfg.PermanentSuffixes...),
	}
	return policy.NewClassifier(cfg.WritablePrefix, rules)
}

// CreateLegacy builds the legacy filesystem from the configured mappings
// and rate limit.
func CreateLegacy(cfg *PathsConfig) (*legacy.FS, error) {
	mappings, err := legacy.ParseMappings(cfg.LegacyMapping)
	if err != nil {
		return nil, err
	}
	return legacy.New(mappings, legacy.WithRateLimit(cfg.LegacyOpsPerSec, cfg.LegacyBurst)), nil
}

// BlockConfig converts the cache and store sections to a block store config.
func BlockConfig(cfg *Config) (block.Config, error) {
	compression, err := block.ParseCompression(cfg.Store.Compression)
	if err != nil {
		return block.Config{}, err
	}
	checksum, err := block.ParseChecksum(cfg.Store.Checksum)
	if err != nil {
		return block.Config{}, err
	}
	return block.Config{
		CacheSizeKB: cfg.Cache.SizeKB,
		Concurrency: cfg.Cache.Concurrency,
		Compression: compression,
		Checksum:    checksum,
	}, nil
}

// AttrConfig converts the cache section to an attribute store config.
func AttrConfig(cfg *CacheConfig) attr.Config {
	buckets := cfg.Concurrency
	if buckets > 1<<10 {
		buckets = 1 << 10
	}
	return attr.Config{
		Buckets:     uint16(buckets),
		TTL:         cfg.AttrTTL,
		NegativeTTL: cfg.NegativeTTL,
	}
}
