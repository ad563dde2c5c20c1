package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qiniu/alertiq/internal/alerting/service/grouping"
	"github.com/qiniu/alertiq/internal/alerting/service/threshold"
	"github.com/qiniu/alertiq/internal/metrics"
)

type AuditSweeper interface {
	SweepAudits(ctx context.Context) (int, error)
}

func AuditSweepJob(s AuditSweeper, every time.Duration) Job {
	return Job{Name: "snooze_audit_sweep", Interval: every, Timeout: time.Minute, Run: func(ctx context.Context) error {
		n, err := s.SweepAudits(ctx)
		if err == nil && n > 0 {
			log.Info().Int("removed", n).Msg("pruned snooze audit entries")
		}
		return err
	}}
}

type PerformanceSource interface {
	Performance(ctx context.Context, since time.Time) (threshold.Performance, error)
}

type ThresholdOptimizer interface {
	Optimize(p threshold.Performance) threshold.Config
}

// ThresholdOptimizeJob feeds the trailing window's outcome aggregates to
// the threshold controller.
func ThresholdOptimizeJob(t ThresholdOptimizer, src PerformanceSource, window, every time.Duration) Job {
	return Job{Name: "threshold_optimize", Interval: every, Timeout: time.Minute, Run: func(ctx context.Context) error {
		p, err := src.Performance(ctx, time.Now().Add(-window))
		if err != nil {
			return err
		}
		if p.FalsePositiveRate == nil && p.Accuracy == nil {
			log.Debug().Msg("no outcomes in window, thresholds unchanged")
			return nil
		}
		c := t.Optimize(p)
		log.Info().
			Float64("noise_threshold", c.NoiseThreshold).
			Float64("confidence_min", c.ConfidenceMin).
			Msg("thresholds optimized")
		return nil
	}}
}

type GroupExpirer interface {
	Expire(now time.Time) []grouping.Group
}

func GroupExpiryJob(g GroupExpirer, every time.Duration) Job {
	return Job{Name: "group_expiry", Interval: every, Run: func(ctx context.Context) error {
		if n := len(g.Expire(time.Now())); n > 0 {
			log.Debug().Int("closed", n).Msg("expired alert groups")
		}
		return nil
	}}
}

type Compactor interface {
	Compact() (int, error)
}

type IndexSaver interface {
	Save(path string) error
}

// IndexCompactJob rebuilds the similarity index without tombstones and,
// when path is set, persists it.
func IndexCompactJob(idx interface {
	Compactor
	IndexSaver
}, path string, every time.Duration) Job {
	return Job{Name: "index_compact", Interval: every, Timeout: 10 * time.Minute, Run: func(ctx context.Context) error {
		n, err := idx.Compact()
		if err != nil {
			return err
		}
		log.Info().Int("removed", n).Msg("similarity index compacted")
		if path == "" {
			return nil
		}
		return idx.Save(path)
	}}
}

type FNRSource interface {
	FalseNegativeRate(ctx context.Context) (float64, error)
}

// FNRRefreshJob publishes the observed false-negative rate so external
// queries against the gauge stay current.
func FNRRefreshJob(src FNRSource, every time.Duration) Job {
	return Job{Name: "fnr_refresh", Interval: every, Timeout: 30 * time.Second, Run: func(ctx context.Context) error {
		v, err := src.FalseNegativeRate(ctx)
		if err != nil {
			return err
		}
		metrics.FalseNegativeRate.Set(v)
		return nil
	}}
}
