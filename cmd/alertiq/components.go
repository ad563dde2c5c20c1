package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/alertiq/internal/alerting/database"
	"github.com/qiniu/alertiq/internal/alerting/service/encoder"
	"github.com/qiniu/alertiq/internal/alerting/service/grouping"
	"github.com/qiniu/alertiq/internal/alerting/service/history"
	"github.com/qiniu/alertiq/internal/alerting/service/ranker"
	"github.com/qiniu/alertiq/internal/alerting/service/ruleset"
	"github.com/qiniu/alertiq/internal/alerting/service/snooze"
	"github.com/qiniu/alertiq/internal/alerting/service/threshold"
	"github.com/qiniu/alertiq/internal/alerting/service/vectorsearch"
	"github.com/qiniu/alertiq/internal/config"
)

func openHistory(ctx context.Context, cfg *config.Config) (*database.Database, *history.SQLStore, error) {
	dialect, err := database.ParseDialect(cfg.Database.Driver)
	if err != nil {
		return nil, nil, err
	}
	dsn := cfg.Database.ConnString()
	if dialect == database.SQLite {
		dsn = cfg.Database.DSN
	}
	db, err := database.New(ctx, dialect, dsn)
	if err != nil {
		return nil, nil, err
	}
	store := history.NewSQLStore(db)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, store, nil
}

func newRedisClient(c config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	})
}

// newEncoder builds and initializes the configured embedding backend.
func newEncoder(ctx context.Context, c config.EncoderConfig) (encoder.Encoder, error) {
	var enc encoder.Encoder
	switch strings.ToLower(c.Backend) {
	case "", "hashing":
		enc = encoder.NewHashingEncoder(c.Dimension)
	case "http":
		if c.URL == "" {
			return nil, errors.New("encoder.url is required for the http backend")
		}
		enc = encoder.NewHTTPEncoder(encoder.HTTPConfig{
			URL:       c.URL,
			Model:     c.Model,
			Timeout:   config.ParseDuration(c.Timeout, 5*time.Second),
			RPS:       c.RPS,
			Burst:     c.Burst,
			BatchSize: c.BatchSize,
		})
	default:
		return nil, fmt.Errorf("unknown encoder backend %q", c.Backend)
	}
	if err := encoder.Warmup(ctx, enc); err != nil {
		return nil, err
	}
	return enc, nil
}

func searchConfig(c config.SearchConfig, dim int) (vectorsearch.Config, error) {
	t, err := vectorsearch.ParseIndexType(c.IndexType)
	if err != nil {
		return vectorsearch.Config{}, err
	}
	return vectorsearch.Config{
		Type:      t,
		Dimension: dim,
		Params: vectorsearch.Params{
			NList:          c.NList,
			NProbe:         c.NProbe,
			LSHTables:      c.LSHTables,
			LSHBits:        c.LSHBits,
			M:              c.M,
			EfConstruction: c.EfConstruction,
			EfSearch:       c.EfSearch,
			PQM:            c.PQM,
			PQCentroids:    c.PQCentroids,
		},
	}, nil
}

// newSearchEngine opens the persisted index when one exists, otherwise it
// starts an empty one.
func newSearchEngine(enc encoder.Encoder, c config.SearchConfig) (*vectorsearch.SearchEngine, error) {
	if c.IndexPath != "" {
		if _, err := os.Stat(c.IndexPath + ".meta"); err == nil {
			idx, err := vectorsearch.Open(c.IndexPath)
			if err != nil {
				return nil, fmt.Errorf("open similarity index: %w", err)
			}
			log.Info().Str("path", c.IndexPath).Int("vectors", idx.Stats().LiveVectors).Msg("similarity index loaded")
			return vectorsearch.WrapEngine(enc, idx)
		}
	}
	sc, err := searchConfig(c, enc.Dimension())
	if err != nil {
		return nil, err
	}
	return vectorsearch.NewSearchEngine(enc, sc)
}

func newRuleEngine(c config.RulesConfig) (*ruleset.Engine, error) {
	defaults := ruleset.DefaultDefaults
	if c.DefaultSimilarityThreshold > 0 {
		defaults.SimilarityThreshold = c.DefaultSimilarityThreshold
	}
	defaults.TimeWindow = config.ParseDuration(c.DefaultTimeWindow, defaults.TimeWindow)
	eng := ruleset.NewEngine(defaults)
	if c.File != "" {
		if err := eng.LoadFile(c.File); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

func newGrouping(rules grouping.RuleSource, c config.GroupingConfig) *grouping.Service {
	return grouping.NewService(rules, grouping.Config{
		Weights:                  grouping.Weights{Labels: c.LabelWeight, Name: c.NameWeight, Context: c.ContextWeight},
		MergeSuggestionThreshold: c.MergeSuggestionThreshold,
	})
}

func newSnooze(c config.SnoozeConfig, rdb *redis.Client) (*snooze.Service, error) {
	var store snooze.Store
	switch strings.ToLower(c.Store) {
	case "", "redis":
		store = snooze.NewRedisStore(rdb, c.KeyPrefix)
	case "memory":
		store = snooze.NewMemoryStore(time.Now)
	default:
		return nil, fmt.Errorf("unknown snooze store %q", c.Store)
	}
	d := snooze.DefaultConfig()
	return snooze.NewService(store, snooze.Config{
		MinDuration:          config.ParseDuration(c.MinDuration, d.MinDuration),
		MaxDuration:          config.ParseDuration(c.MaxDuration, d.MaxDuration),
		DefaultDuration:      config.ParseDuration(c.DefaultDuration, d.DefaultDuration),
		AutoUnsnoozeOnChange: config.BoolOr(c.AutoUnsnoozeOnChange, d.AutoUnsnoozeOnChange),
		AuditRetention:       config.ParseDuration(c.AuditRetention, d.AuditRetention),
	}), nil
}

// newFNRSource prefers the Prometheus query and falls back to the history
// store's outcome aggregates.
func newFNRSource(c config.MetricsConfig, store *history.SQLStore) (ranker.FNRSource, error) {
	if c.PrometheusURL == "" || c.FNRQuery == "" {
		return store, nil
	}
	src, err := threshold.NewPromFNRSource(c.PrometheusURL, c.FNRQuery, config.ParseDuration(c.FNRTimeout, 10*time.Second))
	if err != nil {
		return nil, err
	}
	return src, nil
}

func newRanker(cfg *config.Config, enc encoder.Encoder, rdb *redis.Client, store *history.SQLStore, thresholds *threshold.Service) (*ranker.Ranker, error) {
	rc := ranker.DefaultConfig()
	if cfg.Ranker.NoiseThreshold > 0 {
		rc.NoiseThreshold = cfg.Ranker.NoiseThreshold
	}
	if cfg.Ranker.FalseNegativeTarget > 0 {
		rc.FalseNegativeTarget = cfg.Ranker.FalseNegativeTarget
	}
	if len(cfg.Ranker.CriticalServices) > 0 {
		rc.CriticalServices = cfg.Ranker.CriticalServices
	}
	rc.CacheTTL = config.ParseDuration(cfg.Ranker.CacheTTL, rc.CacheTTL)

	opts := []ranker.Option{ranker.WithServiceStats(store)}
	if thresholds != nil {
		opts = append(opts, ranker.WithThresholds(thresholds))
	}
	switch strings.ToLower(cfg.Ranker.Cache) {
	case "redis":
		opts = append(opts, ranker.WithCache(ranker.NewRedisScoreCache(rdb)))
	case "lru":
		opts = append(opts, ranker.WithCache(ranker.NewLRUScoreCache(cfg.Ranker.CacheSize, rc.CacheTTL)))
	case "none", "":
	default:
		return nil, fmt.Errorf("unknown score cache %q", cfg.Ranker.Cache)
	}
	fnr, err := newFNRSource(cfg.Metrics, store)
	if err != nil {
		return nil, err
	}
	opts = append(opts, ranker.WithFNRSource(fnr))

	r := ranker.New(enc, rc, opts...)
	if cfg.Ranker.ModelPath != "" {
		if err := r.Load(cfg.Ranker.ModelPath); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
			log.Warn().Str("path", cfg.Ranker.ModelPath).Msg("no noise model yet; scoring stays unavailable until one is trained")
		}
	}
	return r, nil
}
