package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/qiniu/alertiq/internal/alerting/service/vectorsearch"
)

func newTuneCmd() *cobra.Command {
	var (
		vectors   int
		queries   int
		dim       int
		seed      int64
		targetP99 time.Duration
		minRecall float64
		skipOPQ   bool
		out       string
	)
	cmd := &cobra.Command{
		Use:   "tune",
		Short: "Grid-search similarity index parameters against latency and recall targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			tc := vectorsearch.DefaultTunerConfig()
			tc.TargetP99 = targetP99
			tc.MinRecall = minRecall
			tc.SkipOPQ = skipOPQ
			tc.Seed = seed

			ds := vectorsearch.GenerateDataset(vectors, queries, dim, seed)
			t := vectorsearch.NewTuner(tc)
			if _, err := t.Tune(cmd.Context(), ds); err != nil {
				return err
			}
			if out != "" {
				if err := t.SaveResults(out); err != nil {
					return err
				}
				log.Info().Str("path", out).Msg("tuning results saved")
			}
			best, ok := t.Best()
			if !ok {
				return fmt.Errorf("no configuration met p99 <= %s at recall >= %.2f", targetP99, minRecall)
			}
			return printJSON(best.Config(dim))
		},
	}
	d := vectorsearch.DefaultTunerConfig()
	cmd.Flags().IntVar(&vectors, "vectors", 100000, "dataset size")
	cmd.Flags().IntVar(&queries, "queries", 1000, "held-out query count")
	cmd.Flags().IntVar(&dim, "dim", 384, "vector dimension")
	cmd.Flags().Int64Var(&seed, "seed", d.Seed, "random seed")
	cmd.Flags().DurationVar(&targetP99, "target-p99", d.TargetP99, "query latency target")
	cmd.Flags().Float64Var(&minRecall, "min-recall", d.MinRecall, "minimum recall@10")
	cmd.Flags().BoolVar(&skipOPQ, "skip-opq", false, "only tune plain HNSW")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write all results as JSON to this path")
	return cmd
}
