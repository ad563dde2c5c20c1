package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/alertiq/internal/metrics"
)

// Job is one periodic maintenance task.
type Job struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs maintenance jobs (audit sweeps, threshold optimisation,
// group expiry, index compaction) on fixed intervals.
type Scheduler struct {
	cron *cron.Cron
	jobs []Job
}

// NewScheduler registers jobs; a job with a non-positive interval is
// disabled.
func NewScheduler(jobs ...Job) (*Scheduler, error) {
	c := cron.New()
	s := &Scheduler{cron: c}
	for _, j := range jobs {
		if j.Interval <= 0 || j.Run == nil {
			log.Info().Str("job", j.Name).Msg("scheduled job disabled")
			continue
		}
		if _, err := c.AddFunc("@every "+j.Interval.String(), func() { s.RunJob(context.Background(), j) }); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", j.Name, err)
		}
		s.jobs = append(s.jobs, j)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	log.Info().Int("jobs", len(s.jobs)).Msg("scheduler started")
	s.cron.Start()
}

// Stop stops scheduling; the returned context is done once running jobs
// have finished.
func (s *Scheduler) Stop() context.Context {
	log.Info().Msg("scheduler stopping")
	return s.cron.Stop()
}

func (s *Scheduler) Entries() []cron.Entry { return s.cron.Entries() }

func (s *Scheduler) Jobs() []Job { return s.jobs }

// RunJob runs j once under its timeout and records the outcome.
func (s *Scheduler) RunJob(ctx context.Context, j Job) error {
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	start := time.Now()
	err := j.Run(ctx)
	if err != nil {
		metrics.SchedulerJobRunsTotal.WithLabelValues(j.Name, "error").Inc()
		log.Error().Err(err).Str("job", j.Name).Msg("scheduled job failed")
		return err
	}
	metrics.SchedulerJobRunsTotal.WithLabelValues(j.Name, "ok").Inc()
	log.Debug().Str("job", j.Name).Dur("took", time.Since(start)).Msg("scheduled job finished")
	return nil
}
