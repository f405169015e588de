package server

import (
	"context"
	"fmt"
	"time"

	"github.com/marmos91/dhtfs/internal/logger"
	"github.com/marmos91/dhtfs/pkg/adapter/fuse"
	"github.com/marmos91/dhtfs/pkg/attr"
	"github.com/marmos91/dhtfs/pkg/block"
	"github.com/marmos91/dhtfs/pkg/config"
	"github.com/marmos91/dhtfs/pkg/dirtable"
	"github.com/marmos91/dhtfs/pkg/dispatch"
	"github.com/marmos91/dhtfs/pkg/kv"
	"github.com/marmos91/dhtfs/pkg/metrics"
	"github.com/marmos91/dhtfs/pkg/refresh"
	"github.com/marmos91/dhtfs/pkg/writable"
)

// settleDelay is waited before editing the attributes of a file with an
// open writer.
const settleDelay = 5 * time.Millisecond

// Build assembles a server from cfg: store, caches, tables, dispatcher,
// background loops and the FUSE adapter.
//
// A store that cannot be reached does not prevent mounting. Every store
// operation then fails with an I/O error while legacy paths keep working.
// With a reachable store, failing to create the base directory of the
// writable prefix is fatal.
func Build(ctx context.Context, cfg *config.Config) (*DHTFSServer, error) {
	m := config.InitializeMetrics(cfg)

	backend, err := config.CreateStore(ctx, &cfg.Store)
	degraded := err != nil
	if degraded {
		logger.Error("Store %s unavailable, serving legacy paths only: %v", cfg.Store.Type, err)
		backend = kv.NewUnavailableStore(err)
	}
	storeTimes := metrics.NewResponseTimes("kv", 0)
	store := kv.Instrument(backend, m.Store, storeTimes)

	classifier := config.CreateClassifier(&cfg.Paths)

	lg, err := config.CreateLegacy(&cfg.Paths)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("legacy mappings: %w", err)
	}

	blockCfg, err := config.BlockConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("block store config: %w", err)
	}

	attrs := attr.NewStore(store, classifier, lg, config.AttrConfig(&cfg.Cache), m.Cache)
	blocks := block.NewStore(store, classifier, lg, blockCfg, m.Cache)
	dirs := dirtable.NewTable(store, attrs)

	if degraded {
		logger.Warn("Skipping creation of %s while the store is unavailable", cfg.Paths.WritablePrefix)
	} else if err := dirs.MkdirBase(ctx, cfg.Paths.WritablePrefix, 0o777, 0, 0); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create base directory %s: %w", cfg.Paths.WritablePrefix, err)
	}

	files := writable.NewTable(attrs, blocks, m.Operations)

	d := dispatch.New(classifier, attrs, blocks, dirs, files, lg, dispatch.Config{
		MountPath: cfg.Mount.Path,
		Retry: dispatch.RetryPolicy{
			MaxAttempts: cfg.Server.RenameMaxAttempts,
			Delay:       cfg.Server.RenameRetryDelay,
		},
		SettleDelay: settleDelay,
	})

	var rules *refresh.RulesWatcher
	if cfg.Paths.NativeOnlyFile != "" {
		rules = refresh.NewRulesWatcher(classifier, refresh.RulesConfig{
			Path:         cfg.Paths.NativeOnlyFile,
			PollInterval: cfg.Server.RulesPollInterval,
		})
	}

	stats := refresh.NewStatsReporter(refresh.StatsConfig{
		Interval:       cfg.Stats.Interval,
		DetailInterval: cfg.Stats.DetailInterval,
	}, statSources(attrs, blocks, dirs, files, storeTimes, rules)...)

	srv := New(Components{
		Dispatcher:      d,
		Files:           files,
		Store:           store,
		Stats:           stats,
		Rules:           rules,
		Metrics:         m.Server,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	bigWrites := true
	if cfg.Mount.BigWrites != nil {
		bigWrites = *cfg.Mount.BigWrites
	}

	if err := srv.AddAdapter(fuse.New(fuse.FUSEConfig{
		MountPoint:      cfg.Mount.Path,
		AllowOther:      cfg.Mount.AllowOther,
		BigWrites:       bigWrites,
		Debug:           cfg.Mount.Debug,
		EntryTimeout:    cfg.Mount.EntryTimeout,
		AttrTimeout:     cfg.Mount.AttrTimeout,
		NegativeTimeout: cfg.Mount.NegativeTimeout,
		MaxReadahead:    cfg.Mount.MaxReadahead,
	}, m.Operations)); err != nil {
		_ = store.Close()
		return nil, err
	}

	return srv, nil
}

// statSources builds one stats line per component. rules may be nil.
func statSources(attrs *attr.Store, blocks *block.Store, dirs *dirtable.Table, files *writable.Table,
	storeTimes *metrics.ResponseTimes, rules *refresh.RulesWatcher) []refresh.Source {

	sources := []refresh.Source{
		{Name: "attr", Report: func(detail bool) string {
			st := attrs.Stats()
			line := fmt.Sprintf("hits=%d misses=%d negative_hits=%d legacy_fetches=%d",
				st.Hits, st.Misses, st.NegativeHits, st.LegacyFetches)
			if detail {
				line += " " + formatTimes(st.Legacy)
				attrs.LegacyResponseTimes().ResetMax()
			}
			return line
		}},
		{Name: "block", Report: func(detail bool) string {
			st := blocks.Stats()
			line := fmt.Sprintf("hits=%d misses=%d legacy_fetches=%d writes=%d",
				st.Hits, st.Misses, st.LegacyFetches, st.Writes)
			if detail {
				line += " " + formatTimes(st.Legacy)
				blocks.LegacyResponseTimes().ResetMax()
			}
			return line
		}},
		{Name: "files", Report: func(bool) string {
			return fmt.Sprintf("open_dirs=%d open_writable=%d", dirs.Stats().OpenDirs, files.Len())
		}},
		{Name: "kv", Report: func(detail bool) string {
			line := formatTimes(storeTimes.Snapshot())
			if detail {
				storeTimes.ResetMax()
			}
			return line
		}},
	}

	if rules != nil {
		sources = append(sources, refresh.Source{Name: "rules", Report: func(bool) string {
			return fmt.Sprintf("reloads=%d", rules.Reloads())
		}})
	}

	return sources
}

func formatTimes(s metrics.ResponseTimesSnapshot) string {
	return fmt.Sprintf("%s_avg=%s %s_max=%s %s_count=%d %s_failures=%d",
		s.Name, s.Average, s.Name, s.Max, s.Name, s.Count, s.Name, s.Failures)
}
