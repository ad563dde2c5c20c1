package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fox-gonic/fox"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	alertapi "github.com/qiniu/alertiq/internal/alerting/api"
	"github.com/qiniu/alertiq/internal/alerting/model"
	"github.com/qiniu/alertiq/internal/alerting/service/pipeline"
	"github.com/qiniu/alertiq/internal/alerting/service/receiver"
	"github.com/qiniu/alertiq/internal/alerting/service/threshold"
	"github.com/qiniu/alertiq/internal/config"
	"github.com/qiniu/alertiq/internal/middleware"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the alert intake, pipeline and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log.Info().Msg("Starting alertiq server")

	db, store, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	rdb := newRedisClient(cfg.Redis)
	defer rdb.Close()

	enc, err := newEncoder(ctx, cfg.Encoder)
	if err != nil {
		return err
	}
	defer enc.Close()

	thresholds := threshold.NewService(cfg.Threshold.Path)
	noise, err := newRanker(cfg, enc, rdb, store, thresholds)
	if err != nil {
		return err
	}
	rules, err := newRuleEngine(cfg.Rules)
	if err != nil {
		return err
	}
	groups := newGrouping(rules, cfg.Grouping)
	snoozes, err := newSnooze(cfg.Snooze, rdb)
	if err != nil {
		return err
	}
	search, err := newSearchEngine(enc, cfg.Search)
	if err != nil {
		return err
	}

	pc := pipeline.DefaultConfig()
	pc.StageTimeout = config.ParseDuration(cfg.Pipeline.StageTimeout, pc.StageTimeout)
	if cfg.Pipeline.SearchK > 0 {
		pc.SearchK = cfg.Pipeline.SearchK
	}
	if cfg.Pipeline.SearchThreshold > 0 {
		pc.SearchThreshold = float32(cfg.Pipeline.SearchThreshold)
	}
	pc.IndexAlerts = config.BoolOr(cfg.Pipeline.IndexAlerts, pc.IndexAlerts)
	proc := pipeline.NewProcessor(pipeline.Deps{
		Rules:   rules,
		History: store,
		Ranker:  noise,
		Snooze:  snoozes,
		Groups:  groups,
		Search:  search,
	}, pc)

	queue := make(chan *model.Alert, cfg.Pipeline.QueueSize)
	sink := receiver.NewChannelSink(queue)
	handler := receiver.NewHandler(sink,
		receiver.WithAuth(receiver.NewAuth(cfg.Receiver.BasicUser, cfg.Receiver.BasicPass, cfg.Receiver.Bearer)),
		receiver.WithSeenSet(receiver.NewSeenSet(cfg.Receiver.DedupSize, config.ParseDuration(cfg.Receiver.DedupTTL, 10*time.Minute))),
		receiver.WithMarker(receiver.NewRedisMarker(rdb)),
	)

	fnr, err := newFNRSource(cfg.Metrics, store)
	if err != nil {
		return err
	}
	window := config.ParseDuration(cfg.Threshold.PerformanceWindow, 24*time.Hour)
	sched, err := pipeline.NewScheduler(
		pipeline.AuditSweepJob(snoozes, config.ParseDuration(cfg.Snooze.SweepInterval, time.Hour)),
		pipeline.ThresholdOptimizeJob(thresholds, store, window, config.ParseDuration(cfg.Threshold.OptimizeInterval, time.Hour)),
		pipeline.GroupExpiryJob(groups, config.ParseDuration(cfg.Grouping.ExpiryInterval, time.Minute)),
		pipeline.IndexCompactJob(search.Index(), cfg.Search.IndexPath, config.ParseDuration(cfg.Search.CompactInterval, 6*time.Hour)),
		pipeline.FNRRefreshJob(fnr, config.ParseDuration(cfg.Metrics.FNRRefreshInterval, time.Minute)),
	)
	if err != nil {
		return err
	}

	router := fox.New()
	router.Engine.Use(middleware.RequestID(), middleware.Logger(), middleware.Metrics(), gin.Recovery())
	router.Engine.Use(middleware.Authentication(cfg.Server.APIToken))
	alertapi.NewApi(router, alertapi.Deps{
		Ranker:            noise,
		History:           store,
		Groups:            groups,
		Snooze:            snoozes,
		Search:            search,
		Thresholds:        thresholds,
		Rules:             rules,
		Processor:         proc,
		Receiver:          handler,
		PerformanceWindow: window,
	})
	srv := &http.Server{Addr: cfg.Server.BindAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	sched.Start()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pool := pipeline.NewPool(proc, cfg.Pipeline.Workers)
		return pool.Run(gctx, queue)
	})
	if cfg.Kafka.Enabled {
		src := receiver.NewKafkaSource(receiver.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		}, sink)
		g.Go(func() error { return src.Run(gctx) })
	}
	g.Go(func() error {
		log.Info().Msgf("Starting server on %s", cfg.Server.BindAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	<-sched.Stop().Done()
	if cfg.Search.IndexPath != "" {
		if serr := search.Index().Save(cfg.Search.IndexPath); serr != nil {
			log.Error().Err(serr).Msg("failed to persist similarity index")
		}
	}
	log.Info().Msg("alertiq server exit...")
	return err
}
