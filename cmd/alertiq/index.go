package main

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/qiniu/alertiq/internal/alerting/service/vectorsearch"
	"github.com/qiniu/alertiq/internal/config"
)

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build and maintain the persisted similarity index",
	}
	cmd.AddCommand(newIndexBuildCmd(), newIndexCompactCmd(), newIndexStatsCmd())
	return cmd
}

func indexPath(cfg *config.Config) (string, error) {
	if cfg.Search.IndexPath == "" {
		return "", errors.New("search.indexPath is not set")
	}
	return cfg.Search.IndexPath, nil
}

// newIndexBuildCmd re-embeds recent alerts from the history store into a
// fresh index of the configured type.
func newIndexBuildCmd() *cobra.Command {
	var (
		since time.Duration
		limit int
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Rebuild the similarity index from recorded alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path, err := indexPath(cfg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, store, err := openHistory(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			enc, err := newEncoder(ctx, cfg.Encoder)
			if err != nil {
				return err
			}
			defer enc.Close()

			sc, err := searchConfig(cfg.Search, enc.Dimension())
			if err != nil {
				return err
			}
			search, err := vectorsearch.NewSearchEngine(enc, sc)
			if err != nil {
				return err
			}
			alerts, err := store.RecentAlerts(ctx, time.Now().Add(-since), limit)
			if err != nil {
				return err
			}
			if err := search.IndexAlerts(ctx, alerts); err != nil {
				return err
			}
			if err := search.Index().Save(path); err != nil {
				return err
			}
			log.Info().Str("path", path).Int("alerts", len(alerts)).Msg("similarity index built")
			return printJSON(search.Index().Stats())
		},
	}
	cmd.Flags().DurationVar(&since, "since", 30*24*time.Hour, "index alerts fired within this window")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of recorded firings to read")
	return cmd
}

func newIndexCompactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Drop tombstoned entries from the persisted index",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path, err := indexPath(cfg)
			if err != nil {
				return err
			}
			idx, err := vectorsearch.Open(path)
			if err != nil {
				return err
			}
			n, err := idx.Compact()
			if err != nil {
				return err
			}
			if err := idx.Save(path); err != nil {
				return err
			}
			log.Info().Int("removed", n).Str("path", path).Msg("similarity index compacted")
			return printJSON(idx.Stats())
		},
	}
}

func newIndexStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print statistics of the persisted index",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path, err := indexPath(cfg)
			if err != nil {
				return err
			}
			idx, err := vectorsearch.Open(path)
			if err != nil {
				return err
			}
			return printJSON(idx.Stats())
		},
	}
}
