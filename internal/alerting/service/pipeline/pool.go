package pipeline

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/qiniu/alertiq/internal/alerting/model"
)

// Pool fans alerts out from one channel to a fixed number of workers.
type Pool struct {
	proc    *Processor
	workers int
	// OnDecision, when set, receives every decision. It is called from
	// worker goroutines.
	OnDecision func(Decision)
}

func NewPool(proc *Processor, workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{proc: proc, workers: workers}
}

// Run consumes ch until it is closed or ctx is cancelled. Per-alert
// failures are logged and never stop the pool.
func (p *Pool) Run(ctx context.Context, ch <-chan *model.Alert) error {
	if ch == nil {
		log.Warn().Msg("pipeline pool started without channel; no-op")
		return nil
	}
	log.Info().Int("workers", p.workers).Msg("pipeline pool started")
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case a, ok := <-ch:
					if !ok {
						return nil
					}
					d, err := p.proc.Process(gctx, a)
					if err != nil {
						if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
							return nil
						}
						log.Error().Err(err).Msg("failed to process alert")
						continue
					}
					if p.OnDecision != nil {
						p.OnDecision(d)
					}
				}
			}
		})
	}
	err := g.Wait()
	log.Info().Msg("pipeline pool stopped")
	return err
}
