package ranker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/qiniu/alertiq/internal/alerting/model"
	"github.com/qiniu/alertiq/internal/alerting/service/encoder"
	"github.com/qiniu/alertiq/internal/metrics"
)

// Config holds the ranker's operating parameters.
type Config struct {
	NoiseThreshold      float64        `yaml:"noise_threshold"`
	FalseNegativeTarget float64        `yaml:"false_negative_target"`
	RaisedThresholdStep float64        `yaml:"raised_threshold_step"`
	RaisedThresholdCap  float64        `yaml:"raised_threshold_cap"`
	CriticalServices    []string       `yaml:"critical_services"`
	LexicalFeatures     int            `yaml:"lexical_features"`
	CacheTTL            time.Duration  `yaml:"cache_ttl"`
	Forest              ForestParams   `yaml:"forest"`
	Location            *time.Location `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		NoiseThreshold:      0.7,
		FalseNegativeTarget: 0.02,
		RaisedThresholdStep: 0.1,
		RaisedThresholdCap:  0.9,
		CriticalServices:    DefaultCriticalServices,
		LexicalFeatures:     DefaultLexicalFeatures,
		CacheTTL:            DefaultScoreTTL,
		Forest:              DefaultForestParams(),
		Location:            time.UTC,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.NoiseThreshold <= 0 {
		c.NoiseThreshold = d.NoiseThreshold
	}
	if c.FalseNegativeTarget <= 0 {
		c.FalseNegativeTarget = d.FalseNegativeTarget
	}
	if c.RaisedThresholdStep <= 0 {
		c.RaisedThresholdStep = d.RaisedThresholdStep
	}
	if c.RaisedThresholdCap <= 0 {
		c.RaisedThresholdCap = d.RaisedThresholdCap
	}
	if c.CriticalServices == nil {
		c.CriticalServices = d.CriticalServices
	}
	if c.LexicalFeatures <= 0 {
		c.LexicalFeatures = d.LexicalFeatures
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.Location == nil {
		c.Location = d.Location
	}
	c.Forest = c.Forest.withDefaults()
	return c
}

// ThresholdSource supplies the nominal noise threshold, normally the
// threshold service.
type ThresholdSource interface {
	NoiseThreshold() float64
}

// FNRSource reports the recently observed false-negative rate.
type FNRSource interface {
	FalseNegativeRate(ctx context.Context) (float64, error)
}

// StaticFNR is a fixed false-negative rate.
type StaticFNR float64

func (s StaticFNR) FalseNegativeRate(context.Context) (float64, error) { return float64(s), nil }

type Option func(*Ranker)

func WithCache(c ScoreCache) Option { return func(r *Ranker) { r.cache = c } }
func WithThresholds(t ThresholdSource) Option { return func(r *Ranker) { r.thresholds = t } }
func WithFNRSource(f FNRSource) Option { return func(r *Ranker) { r.fnr = f } }
func WithServiceStats(s ServiceStatsSource) Option { return func(r *Ranker) { r.services = s } }
func WithClock(now func() time.Time) Option { return func(r *Ranker) { r.now = now } }

// Ranker scores alerts by their probability of being noise. The model
// bundle is swapped atomically, so scoring never blocks on a reload.
type Ranker struct {
	cfg        Config
	enc        encoder.Encoder
	bundle     atomic.Pointer[Bundle]
	critical   map[string]bool
	cache      ScoreCache
	thresholds ThresholdSource
	fnr        FNRSource
	services   ServiceStatsSource
	now        func() time.Time
}

func New(enc encoder.Encoder, cfg Config, opts ...Option) *Ranker {
	cfg = cfg.withDefaults()
	r := &Ranker{cfg: cfg, enc: enc, critical: map[string]bool{}, now: time.Now}
	for _, s := range cfg.CriticalServices {
		r.critical[s] = true
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Ranker) current() *Bundle { return r.bundle.Load() }

// Ready reports whether a model is loaded and the encoder is initialized.
func (r *Ranker) Ready() bool { return r.current() != nil && r.enc.Ready() }

// Warmup initializes the encoder ahead of the first request.
func (r *Ranker) Warmup(ctx context.Context) error {
	if err := encoder.Warmup(ctx, r.enc); err != nil {
		return err
	}
	log.Info().Interface("encoder", r.enc.Info()).Bool("model_loaded", r.current() != nil).Msg("noise ranker warmed up")
	return nil
}

// SetBundle installs a trained bundle.
func (r *Ranker) SetBundle(b *Bundle) error {
	if err := b.validate(); err != nil {
		return err
	}
	if b.EmbeddingDim != 0 && r.enc.Ready() && b.EmbeddingDim != r.enc.Dimension() {
		return fmt.Errorf("%w: trained on %d-dim embeddings, encoder produces %d", ErrEncoderMismatch, b.EmbeddingDim, r.enc.Dimension())
	}
	if live := r.enc.Info().Model; b.EncoderModel != "" && live != "" && b.EncoderModel != live {
		return fmt.Errorf("%w: trained with encoder %q, running %q", ErrEncoderMismatch, b.EncoderModel, live)
	}
	r.bundle.Store(b)
	log.Info().Str("model_id", b.ID).Time("trained_at", b.TrainedAt).Int("features", b.Forest.NFeatures).Msg("noise model installed")
	return nil
}

// Load reads a bundle from path and installs it.
func (r *Ranker) Load(path string) error {
	b, err := LoadBundle(path)
	if err != nil {
		return fmt.Errorf("load noise model %s: %w", path, err)
	}
	return r.SetBundle(b)
}

// Save writes the installed bundle to path.
func (r *Ranker) Save(path string) error {
	b := r.current()
	if b == nil {
		return fmt.Errorf("no model to save: %w", model.ErrNotReady)
	}
	return SaveBundle(path, b)
}

func (r *Ranker) cacheKey(b *Bundle, alertID string) string {
	return "noise_score:" + b.ID + ":" + alertID
}

// Score returns the probability in [0,1] that a is noise.
func (r *Ranker) Score(ctx context.Context, a *model.Alert, hist model.Historical) (float64, error) {
	b := r.current()
	if b == nil {
		return 0, model.ErrNotReady
	}
	key := r.cacheKey(b, a.ID)
	if r.cache != nil && a.ID != "" {
		v, ok, err := r.cache.Get(ctx, key)
		switch {
		case err != nil:
			metrics.ScoreCacheTotal.WithLabelValues("error").Inc()
			log.Warn().Err(err).Str("alert_id", a.ID).Msg("score cache read failed")
		case ok:
			metrics.ScoreCacheTotal.WithLabelValues("hit").Inc()
			return v, nil
		default:
			metrics.ScoreCacheTotal.WithLabelValues("miss").Inc()
		}
	}

	f, err := r.extract(ctx, a, hist, b.TFIDF)
	if err != nil {
		return 0, err
	}
	row, err := b.Scaler.Transform(f.Vector())
	if err != nil {
		return 0, fmt.Errorf("score alert %s: %w", a.ID, err)
	}
	score, err := b.Forest.PredictProba(row)
	if err != nil {
		return 0, fmt.Errorf("score alert %s: %w", a.ID, err)
	}
	metrics.NoiseScore.Observe(score)

	if r.cache != nil && a.ID != "" {
		if err := r.cache.Set(ctx, key, score, r.cfg.CacheTTL); err != nil {
			metrics.ScoreCacheTotal.WithLabelValues("error").Inc()
			log.Warn().Err(err).Str("alert_id", a.ID).Msg("score cache write failed")
		}
	}
	return score, nil
}

// Ranked pairs an alert with its noise score.
type Ranked struct {
	Alert *model.Alert `json:"alert"`
	Score float64      `json:"score"`
}

// Rank scores alerts in parallel and orders them noisiest first. Alerts
// without an entry in hist use zero history.
func (r *Ranker) Rank(ctx context.Context, alerts []*model.Alert, hist map[string]model.Historical) ([]Ranked, error) {
	out := make([]Ranked, len(alerts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, a := range alerts {
		g.Go(func() error {
			s, err := r.Score(gctx, a, hist[a.ID])
			if err != nil {
				return err
			}
			out[i] = Ranked{Alert: a, Score: s}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })

	if len(out) > 0 {
		th := r.nominalThreshold()
		n := 0
		for _, x := range out {
			if x.Score > th {
				n++
			}
		}
		metrics.VolumeReduction.Set(float64(n) / float64(len(out)))
	}
	return out, nil
}

func (r *Ranker) nominalThreshold() float64 {
	if r.thresholds != nil {
		return r.thresholds.NoiseThreshold()
	}
	if b := r.current(); b != nil && b.NoiseThreshold > 0 {
		return b.NoiseThreshold
	}
	return r.cfg.NoiseThreshold
}

func (r *Ranker) fnTarget() float64 {
	if b := r.current(); b != nil && b.FalseNegativeTarget > 0 {
		return b.FalseNegativeTarget
	}
	return r.cfg.FalseNegativeTarget
}

// Threshold is the effective suppression threshold and how it was derived.
type Threshold struct {
	Nominal   float64 `json:"nominal"`
	Effective float64 `json:"effective"`
	FNR       float64 `json:"false_negative_rate"`
	FNRKnown  bool    `json:"false_negative_rate_known"`
	Raised    bool    `json:"raised"`
}

// EffectiveThreshold raises the nominal threshold by one step (capped) when
// the observed false-negative rate exceeds the target. A configured source
// that fails is treated as exceeding it.
func (r *Ranker) EffectiveThreshold(ctx context.Context) Threshold {
	t := Threshold{Nominal: r.nominalThreshold()}
	if r.fnr != nil {
		fnr, err := r.fnr.FalseNegativeRate(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("false-negative rate unavailable, suppressing conservatively")
		} else {
			t.FNR, t.FNRKnown = fnr, true
			metrics.FalseNegativeRate.Set(fnr)
		}
	}
	t.Raised = (r.fnr != nil && !t.FNRKnown) || (t.FNRKnown && t.FNR > r.fnTarget())
	t.Effective = t.Nominal
	if t.Raised {
		t.Effective = min(t.Nominal+r.cfg.RaisedThresholdStep, r.cfg.RaisedThresholdCap)
		// Raising must never lower an already strict nominal threshold.
		t.Effective = max(t.Effective, t.Nominal)
	}
	return t
}

// Suppression is a scored suppression decision.
type Suppression struct {
	Score     float64   `json:"score"`
	Threshold Threshold `json:"threshold"`
	Suppress  bool      `json:"suppress"`
}

// Evaluate scores a and compares it against the effective threshold.
func (r *Ranker) Evaluate(ctx context.Context, a *model.Alert, hist model.Historical) (Suppression, error) {
	score, err := r.Score(ctx, a, hist)
	if err != nil {
		return Suppression{}, err
	}
	th := r.EffectiveThreshold(ctx)
	s := Suppression{Score: score, Threshold: th, Suppress: score > th.Effective}
	if s.Suppress {
		metrics.SuppressionsTotal.WithLabelValues("suppress").Inc()
	} else {
		metrics.SuppressionsTotal.WithLabelValues("surface").Inc()
	}
	return s, nil
}

// ShouldSuppress reports whether a is noise under the effective threshold.
func (r *Ranker) ShouldSuppress(ctx context.Context, a *model.Alert, hist model.Historical) (bool, error) {
	s, err := r.Evaluate(ctx, a, hist)
	return s.Suppress, err
}

// Sample is one labelled training example.
type Sample struct {
	Alert      *model.Alert     `json:"alert"`
	Historical model.Historical `json:"historical"`
}

// TrainReport summarizes a training run. FalseNegativeRate is the share of
// signal samples the trained model would suppress.
type TrainReport struct {
	ModelID           string        `json:"model_id"`
	Samples           int           `json:"samples"`
	NoiseSamples      int           `json:"noise_samples"`
	Features          int           `json:"features"`
	Accuracy          float64       `json:"accuracy"`
	FalseNegativeRate float64       `json:"false_negative_rate"`
	Took              time.Duration `json:"took"`
}

var ErrLabelMismatch = errors.New("samples and labels differ in length")

// Train fits the vocabulary, the scaler and the forest on samples, installs
// the result and reports the false-negative rate on the training set.
func (r *Ranker) Train(ctx context.Context, samples []Sample, labels []int) (TrainReport, error) {
	if len(samples) != len(labels) {
		return TrainReport{}, fmt.Errorf("%w: %d samples, %d labels", ErrLabelMismatch, len(samples), len(labels))
	}
	if len(samples) == 0 {
		return TrainReport{}, ErrNoTrainingData
	}
	if !r.enc.Ready() {
		return TrainReport{}, model.ErrNotReady
	}
	start := time.Now()

	texts := make([]string, len(samples))
	for i, s := range samples {
		texts[i] = s.Alert.Text()
	}
	lex := NewTFIDF(r.cfg.LexicalFeatures)
	lex.Fit(texts)

	x := make([][]float32, len(samples))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, s := range samples {
		g.Go(func() error {
			f, err := r.extract(gctx, s.Alert, s.Historical, lex)
			if err != nil {
				return err
			}
			x[i] = f.Vector()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return TrainReport{}, fmt.Errorf("extract training features: %w", err)
	}

	scaler := FitScaler(x)
	scaled := make([][]float32, len(x))
	for i, row := range x {
		scaled[i], _ = scaler.Transform(row)
	}
	forest, err := TrainForest(ctx, scaled, labels, r.cfg.Forest)
	if err != nil {
		return TrainReport{}, fmt.Errorf("train forest: %w", err)
	}

	rep := TrainReport{ModelID: uuid.NewString(), Samples: len(samples), Features: forest.NFeatures}
	var correct, signal, falseNeg int
	for i, row := range scaled {
		p, _ := forest.PredictProba(row)
		pred := 0
		if p > 0.5 {
			pred = 1
		}
		if pred == labels[i] {
			correct++
		}
		if labels[i] == 1 {
			rep.NoiseSamples++
		} else {
			signal++
			if pred == 1 {
				falseNeg++
			}
		}
	}
	rep.Accuracy = float64(correct) / float64(len(samples))
	if signal > 0 {
		rep.FalseNegativeRate = float64(falseNeg) / float64(signal)
	}
	rep.Took = time.Since(start)

	b := &Bundle{
		Version:             bundleVersion,
		ID:                  rep.ModelID,
		TrainedAt:           r.now().UTC(),
		EncoderModel:        r.enc.Info().Model,
		EmbeddingDim:        r.enc.Dimension(),
		Forest:              forest,
		Scaler:              scaler,
		TFIDF:               lex,
		NoiseThreshold:      r.cfg.NoiseThreshold,
		FalseNegativeTarget: r.cfg.FalseNegativeTarget,
	}
	if err := r.SetBundle(b); err != nil {
		return TrainReport{}, err
	}
	log.Info().Str("model_id", rep.ModelID).Int("samples", rep.Samples).Int("noise", rep.NoiseSamples).
		Float64("accuracy", rep.Accuracy).Float64("false_negative_rate", rep.FalseNegativeRate).
		Dur("took", rep.Took).Msg("noise model trained")
	return rep, nil
}

// Similarity is the cosine similarity of two alerts' embeddings.
func (r *Ranker) Similarity(ctx context.Context, a, b *model.Alert) (float32, error) {
	vecs, err := r.enc.EmbedBatch(ctx, []string{a.Text(), b.Text()})
	if err != nil {
		return 0, err
	}
	return encoder.CosineSimilarity(vecs[0], vecs[1]), nil
}

// Match is a candidate alert with its similarity to a query alert.
type Match struct {
	Alert      *model.Alert `json:"alert"`
	Similarity float32      `json:"similarity"`
}

// FindSimilar returns candidates whose similarity to query is at least
// threshold, most similar first.
func (r *Ranker) FindSimilar(ctx context.Context, query *model.Alert, candidates []*model.Alert, threshold float32) ([]Match, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	texts := make([]string, 0, len(candidates)+1)
	texts = append(texts, query.Text())
	for _, c := range candidates {
		texts = append(texts, c.Text())
	}
	vecs, err := r.enc.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	sims := encoder.BatchSimilarity(vecs[0], vecs[1:])
	var out []Match
	for i, s := range sims {
		if s >= threshold {
			out = append(out, Match{Alert: candidates[i], Similarity: s})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	return out, nil
}
