package main

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/qiniu/alertiq/internal/config"
)

func newTrainCmd() *cobra.Command {
	var (
		out   string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the noise model from recorded alert outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if out == "" {
				out = cfg.Ranker.ModelPath
			}
			if out == "" {
				return errors.New("no output path: pass --out or set ranker.modelPath")
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

			// Training never reads the score cache.
			cfg.Ranker.Cache = "none"
			cfg.Ranker.ModelPath = ""
			r, err := newRanker(cfg, enc, nil, store, nil)
			if err != nil {
				return err
			}

			window := config.ParseDuration(cfg.Ranker.TrainingWindow, 30*24*time.Hour)
			samples, labels, err := store.TrainingSamples(ctx, time.Now().Add(-window), limit)
			if err != nil {
				return err
			}
			log.Info().Int("samples", len(samples)).Dur("window", window).Msg("training noise model")
			rep, err := r.Train(ctx, samples, labels)
			if err != nil {
				return err
			}
			if err := r.Save(out); err != nil {
				return err
			}
			log.Info().Str("path", out).Str("model_id", rep.ModelID).Msg("noise model saved")
			return printJSON(rep)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "model output path (defaults to ranker.modelPath)")
	cmd.Flags().IntVar(&limit, "limit", 10000, "maximum number of labelled samples")
	return cmd
}
