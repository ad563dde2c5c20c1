package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qiniu/alertiq/internal/alerting/model"
	"github.com/qiniu/alertiq/internal/alerting/service/grouping"
	"github.com/qiniu/alertiq/internal/alerting/service/history"
	"github.com/qiniu/alertiq/internal/alerting/service/ranker"
	"github.com/qiniu/alertiq/internal/alerting/service/ruleset"
	"github.com/qiniu/alertiq/internal/alerting/service/vectorsearch"
	"github.com/qiniu/alertiq/internal/metrics"
)

// Stage names, also used as metric labels.
const (
	StageHistory = "history"
	StageScore   = "score"
	StageSnooze  = "snooze"
	StageGroup   = "group"
	StageSearch  = "search"
	StageRecord  = "record"
)

var ErrInvalidAlert = errors.New("alert has no id")

type RuleEvaluator interface {
	Evaluate(a *model.Alert) ruleset.Evaluation
}

type HistoryStore interface {
	Historical(ctx context.Context, a *model.Alert) (model.Historical, error)
	RecordEvent(ctx context.Context, e history.Event) error
}

type Scorer interface {
	Evaluate(ctx context.Context, a *model.Alert, hist model.Historical) (ranker.Suppression, error)
}

type SnoozeChecker interface {
	AutoUnsnoozeIfChanged(ctx context.Context, a *model.Alert) (bool, error)
	IsSnoozed(ctx context.Context, alertID string) (bool, error)
}

type Grouper interface {
	Assign(ctx context.Context, a *model.Alert) (grouping.Assignment, error)
}

type Searcher interface {
	IndexAlerts(ctx context.Context, alerts []*model.Alert) error
	SimilarToAlert(ctx context.Context, a *model.Alert, k int, threshold float32) ([]vectorsearch.Result, error)
}

// Deps wires the processor to its collaborators. Nil collaborators skip
// their stage.
type Deps struct {
	Rules   RuleEvaluator
	History HistoryStore
	Ranker  Scorer
	Snooze  SnoozeChecker
	Groups  Grouper
	Search  Searcher
}

type Config struct {
	StageTimeout    time.Duration
	SearchK         int
	SearchThreshold float32
	// IndexAlerts adds every processed alert to the similarity index.
	IndexAlerts bool
}

func DefaultConfig() Config {
	return Config{StageTimeout: 2 * time.Second, SearchK: 5, SearchThreshold: 0.7, IndexAlerts: true}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StageTimeout <= 0 {
		c.StageTimeout = d.StageTimeout
	}
	if c.SearchK <= 0 {
		c.SearchK = d.SearchK
	}
	if c.SearchThreshold <= 0 {
		c.SearchThreshold = d.SearchThreshold
	}
	return c
}

// Decision is the outcome of processing one alert.
type Decision struct {
	AlertID    string                `json:"alert_id"`
	Surface    bool                  `json:"surface"`
	Suppressed bool                  `json:"suppressed"`
	Snoozed    bool                  `json:"snoozed"`
	Unsnoozed  bool                  `json:"unsnoozed,omitempty"`
	Rule       string                `json:"matching_rule,omitempty"`
	Score      *float64              `json:"noise_score,omitempty"`
	Threshold  float64               `json:"threshold,omitempty"`
	GroupID    string                `json:"group_id,omitempty"`
	Merged     bool                  `json:"merged,omitempty"`
	Similar    []vectorsearch.Result `json:"similar,omitempty"`
	Degraded   []string              `json:"degraded,omitempty"`
}

func (d *Decision) label() string {
	switch {
	case d.Snoozed && !d.Surface:
		return "snoozed"
	case d.Suppressed && !d.Surface:
		return "suppressed"
	case len(d.Degraded) > 0:
		return "degraded"
	}
	return "surfaced"
}

// Processor runs the per-alert pipeline: rules, history, score, snooze,
// group, search and record. Stages that fail are logged and skipped; an
// alert whose suppression could not be decided is surfaced.
type Processor struct {
	deps  Deps
	cfg   Config
	locks *KeyedMutex
}

func NewProcessor(deps Deps, cfg Config) *Processor {
	return &Processor{deps: deps, cfg: cfg.withDefaults(), locks: NewKeyedMutex()}
}

// stage runs fn under its own deadline and records timing. Cancellation of
// the parent context is returned as is so callers can stop early.
func (p *Processor) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	sctx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()
	start := time.Now()
	err := fn(sctx)
	metrics.PipelineStageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	return err
}

func (p *Processor) degrade(d *Decision, a *model.Alert, name string, err error) {
	d.Degraded = append(d.Degraded, name)
	metrics.PipelineDegradedTotal.WithLabelValues(name).Inc()
	log.Warn().Err(err).
		Str("alert_id", a.ID).
		Str("service", a.ServiceName()).
		Str("stage", name).
		Msg("pipeline stage degraded, continuing")
}

// Process runs a through the pipeline. Work for the same alert id is
// serialised; different alerts proceed in parallel. The only errors
// returned are an invalid alert and cancellation of ctx.
func (p *Processor) Process(ctx context.Context, a *model.Alert) (Decision, error) {
	if a == nil || a.ID == "" {
		return Decision{}, ErrInvalidAlert
	}
	unlock := p.locks.Lock(a.ID)
	defer unlock()

	d := Decision{AlertID: a.ID}
	if err := ctx.Err(); err != nil {
		return d, err
	}

	var eval ruleset.Evaluation
	if p.deps.Rules != nil {
		eval = p.deps.Rules.Evaluate(a)
		d.Rule = eval.MatchingRule
	}

	var hist model.Historical
	histOK := true
	if p.deps.History != nil {
		err := p.stage(ctx, StageHistory, func(sctx context.Context) error {
			var err error
			hist, err = p.deps.History.Historical(sctx, a)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return d, ctx.Err()
			}
			histOK = false
			p.degrade(&d, a, StageHistory, err)
		}
	}

	scored := false
	if p.deps.Ranker != nil && histOK {
		err := p.stage(ctx, StageScore, func(sctx context.Context) error {
			s, err := p.deps.Ranker.Evaluate(sctx, a, hist)
			if err != nil {
				return err
			}
			score := s.Score
			d.Score = &score
			d.Threshold = s.Threshold.Effective
			d.Suppressed = s.Suppress && !eval.NeverSuppress
			scored = true
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return d, ctx.Err()
			}
			p.degrade(&d, a, StageScore, err)
		}
	}

	snoozeOK := true
	if p.deps.Snooze != nil {
		err := p.stage(ctx, StageSnooze, func(sctx context.Context) error {
			changed, err := p.deps.Snooze.AutoUnsnoozeIfChanged(sctx, a)
			if err != nil {
				return fmt.Errorf("auto unsnooze: %w", err)
			}
			d.Unsnoozed = changed
			d.Snoozed, err = p.deps.Snooze.IsSnoozed(sctx, a.ID)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return d, ctx.Err()
			}
			snoozeOK = false
			d.Snoozed = false
			p.degrade(&d, a, StageSnooze, err)
		}
	}

	groupOK := true
	if p.deps.Groups != nil {
		err := p.stage(ctx, StageGroup, func(sctx context.Context) error {
			asg, err := p.deps.Groups.Assign(sctx, a)
			if err != nil {
				return err
			}
			d.GroupID, d.Merged = asg.Group.ID, asg.Merged
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return d, ctx.Err()
			}
			groupOK = false
			p.degrade(&d, a, StageGroup, err)
		}
	}

	if p.deps.Search != nil {
		err := p.stage(ctx, StageSearch, func(sctx context.Context) error {
			res, err := p.deps.Search.SimilarToAlert(sctx, a, p.cfg.SearchK, p.cfg.SearchThreshold)
			if err != nil {
				return err
			}
			d.Similar = res
			if p.cfg.IndexAlerts {
				return p.deps.Search.IndexAlerts(sctx, []*model.Alert{a})
			}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return d, ctx.Err()
			}
			p.degrade(&d, a, StageSearch, err)
		}
	}

	// An explicit snooze holds even when scoring failed. Otherwise an alert
	// is hidden only when every deciding stage succeeded.
	switch {
	case d.Snoozed:
		d.Surface = false
	case !histOK || !snoozeOK || !groupOK:
		d.Surface = true
	case p.deps.Ranker != nil && !scored:
		d.Surface = true
	default:
		d.Surface = !d.Suppressed
	}

	if p.deps.History != nil {
		ev := history.Event{Alert: a, NoiseScore: d.Score, Suppressed: d.Suppressed && !d.Surface, Snoozed: d.Snoozed, GroupID: d.GroupID}
		err := p.stage(ctx, StageRecord, func(sctx context.Context) error {
			return p.deps.History.RecordEvent(sctx, ev)
		})
		if err != nil {
			if ctx.Err() != nil {
				return d, ctx.Err()
			}
			p.degrade(&d, a, StageRecord, err)
		}
	}

	metrics.AlertsProcessedTotal.WithLabelValues(d.label()).Inc()
	log.Debug().
		Str("alert_id", a.ID).
		Str("group_id", d.GroupID).
		Bool("surface", d.Surface).
		Strs("degraded", d.Degraded).
		Msg("alert processed")
	return d, nil
}
