package vectorsearch

import (
	"context"
	"fmt"
	"time"

	"github.com/qiniu/alertiq/internal/alerting/model"
	"github.com/qiniu/alertiq/internal/alerting/service/encoder"
)

// SearchEngine pairs an encoder with an index so callers can work with
// alerts and text instead of vectors.
type SearchEngine struct {
	enc   encoder.Encoder
	index *Engine
}

// NewSearchEngine builds an index sized to the encoder's dimension. The
// encoder must already be initialized.
func NewSearchEngine(enc encoder.Encoder, cfg Config) (*SearchEngine, error) {
	if !enc.Ready() {
		return nil, model.ErrNotReady
	}
	cfg.Dimension = enc.Dimension()
	idx, err := NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	return &SearchEngine{enc: enc, index: idx}, nil
}

// WrapEngine uses an existing (for example loaded) index.
func WrapEngine(enc encoder.Encoder, idx *Engine) (*SearchEngine, error) {
	if enc.Dimension() != idx.Dimension() {
		return nil, &DimensionError{Expected: idx.Dimension(), Actual: enc.Dimension()}
	}
	return &SearchEngine{enc: enc, index: idx}, nil
}

func (s *SearchEngine) Index() *Engine { return s.index }

// IndexAlerts embeds and indexes alerts with {severity, service, fired_at}
// metadata.
func (s *SearchEngine) IndexAlerts(ctx context.Context, alerts []*model.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	texts := make([]string, len(alerts))
	ids := make([]string, len(alerts))
	md := make([]map[string]any, len(alerts))
	for i, a := range alerts {
		texts[i] = a.Text()
		ids[i] = a.ID
		md[i] = map[string]any{
			"severity": string(a.Severity),
			"service":  a.ServiceName(),
			"name":     a.Name,
		}
		if !a.FiredAt.IsZero() {
			md[i]["fired_at"] = a.FiredAt.UTC().Format(time.RFC3339)
		}
	}
	vecs, err := s.enc.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed alerts: %w", err)
	}
	return s.index.Add(vecs, ids, md)
}

// SearchSimilar embeds text and returns the k most similar indexed alerts.
func (s *SearchEngine) SearchSimilar(ctx context.Context, text string, k int, threshold float32) ([]Result, error) {
	vec, err := s.enc.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return s.index.Search(vec, k, threshold)
}

// SimilarToAlert searches with the alert's own text and drops the alert
// itself from the results.
func (s *SearchEngine) SimilarToAlert(ctx context.Context, a *model.Alert, k int, threshold float32) ([]Result, error) {
	res, err := s.SearchSimilar(ctx, a.Text(), k+1, threshold)
	if err != nil {
		return nil, err
	}
	out := res[:0]
	for _, r := range res {
		if r.AlertID != a.ID {
			out = append(out, r)
		}
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// PerformanceStats returns index statistics plus the encoder model name.
func (s *SearchEngine) PerformanceStats() (Stats, encoder.Info) {
	return s.index.Stats(), s.enc.Info()
}
