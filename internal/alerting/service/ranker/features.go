package ranker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qiniu/alertiq/internal/alerting/model"
)

// Features is the per-alert feature set. It is recomputed on every scoring
// call and never stored.
type Features struct {
	AlertID    string
	Embedding  []float32
	Lexical    []float32
	Temporal   []float32
	Historical []float32
	Service    []float32
}

// Vector concatenates the feature groups in model order.
func (f Features) Vector() []float32 {
	out := make([]float32, 0, len(f.Embedding)+len(f.Lexical)+len(f.Temporal)+len(f.Historical)+len(f.Service))
	out = append(out, f.Embedding...)
	out = append(out, f.Lexical...)
	out = append(out, f.Temporal...)
	out = append(out, f.Historical...)
	return append(out, f.Service...)
}

// ServiceStats is the per-service context the ranker cannot derive from the
// alert itself.
type ServiceStats struct {
	AlertRate         float64 `json:"alert_rate"`
	FalsePositiveRate float64 `json:"false_positive_rate"`
}

// ServiceStatsSource supplies ServiceStats, typically backed by the alert
// history store.
type ServiceStatsSource interface {
	ServiceStats(ctx context.Context, service string) (ServiceStats, error)
}

// DefaultServiceStats is used when no source is configured or the source
// fails.
var DefaultServiceStats = ServiceStats{AlertRate: 10, FalsePositiveRate: 0.1}

// DefaultCriticalServices score 5 on the criticality feature; everything
// else scores 3.
var DefaultCriticalServices = []string{"api", "database", "payment", "auth"}

const (
	criticalScore = 5.0
	normalScore   = 3.0
)

// temporalFeatures describes when the alert fired: hour, weekday (Monday=0),
// day of month, month, weekend flag and night flag (22:00-06:59).
func temporalFeatures(t time.Time) []float32 {
	wd := (int(t.Weekday()) + 6) % 7
	h := t.Hour()
	weekend, night := float32(0), float32(0)
	if wd >= 5 {
		weekend = 1
	}
	if h >= 22 || h <= 6 {
		night = 1
	}
	return []float32{float32(h), float32(wd), float32(t.Day()), float32(t.Month()), weekend, night}
}

// ExtractFeatures builds the feature set for a. The time features use
// a.FiredAt, falling back to the ranker's clock when it is unset.
func (r *Ranker) ExtractFeatures(ctx context.Context, a *model.Alert, hist model.Historical) (Features, error) {
	lex := NewTFIDF(r.cfg.LexicalFeatures)
	if b := r.current(); b != nil {
		lex = b.TFIDF
	}
	return r.extract(ctx, a, hist, lex)
}

func (r *Ranker) extract(ctx context.Context, a *model.Alert, hist model.Historical, lex *TFIDF) (Features, error) {
	emb, err := r.enc.Embed(ctx, a.Text())
	if err != nil {
		return Features{}, fmt.Errorf("embed alert %s: %w", a.ID, err)
	}
	at := a.FiredAt
	if at.IsZero() {
		at = r.now()
	}
	return Features{
		AlertID:    a.ID,
		Embedding:  emb,
		Lexical:    lex.Transform(a.Text()),
		Temporal:   temporalFeatures(at.In(r.cfg.Location)),
		Historical: hist.Vector(),
		Service:    r.serviceFeatures(ctx, a),
	}, nil
}

func (r *Ranker) serviceFeatures(ctx context.Context, a *model.Alert) []float32 {
	svc := a.ServiceName()
	crit := normalScore
	if r.critical[svc] {
		crit = criticalScore
	}
	stats := DefaultServiceStats
	if r.services != nil && svc != "" {
		s, err := r.services.ServiceStats(ctx, svc)
		if err != nil {
			log.Warn().Err(err).Str("service", svc).Msg("service stats unavailable, using defaults")
		} else {
			stats = s
		}
	}
	prod := float32(0)
	if a.IsProduction() {
		prod = 1
	}
	return []float32{float32(crit), float32(stats.AlertRate), float32(stats.FalsePositiveRate), prod, float32(a.Severity.Score())}
}
