package ranker

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/alertiq/internal/alerting/model"
	"github.com/qiniu/alertiq/internal/alerting/service/encoder"
)

const testEmbeddingDim = 32

func readyEncoder(t *testing.T) encoder.Encoder {
	t.Helper()
	enc := encoder.NewHashingEncoder(testEmbeddingDim)
	require.NoError(t, enc.Initialize(context.Background()))
	return enc
}

// constantBundle always scores p.
func constantBundle(p float32) *Bundle {
	nf := testEmbeddingDim + DefaultLexicalFeatures + 6 + 8 + 5
	scale := make([]float64, nf)
	for i := range scale {
		scale[i] = 1
	}
	return &Bundle{
		Version:             bundleVersion,
		ID:                  fmt.Sprintf("const-%v", p),
		EmbeddingDim:        testEmbeddingDim,
		Forest:              &Forest{NFeatures: nf, Trees: []Tree{{Nodes: []Node{{Feature: -1, Value: p}}}}},
		Scaler:              &Scaler{Mean: make([]float64, nf), Scale: scale},
		TFIDF:               NewTFIDF(DefaultLexicalFeatures),
		NoiseThreshold:      0.7,
		FalseNegativeTarget: 0.02,
	}
}

type fnrFunc func(context.Context) (float64, error)

func (f fnrFunc) FalseNegativeRate(ctx context.Context) (float64, error) { return f(ctx) }

type fixedThreshold float64

func (f fixedThreshold) NoiseThreshold() float64 { return float64(f) }

func alert(id, name string, sev model.Severity, svc string) *model.Alert {
	return &model.Alert{
		ID: id, Name: name, Severity: sev, Service: svc,
		Description: name + " on " + svc,
		FiredAt:     time.Date(2026, 5, 2, 23, 30, 0, 0, time.UTC),
	}
}

func TestScore_NotReadyWithoutModel(t *testing.T) {
	r := New(readyEncoder(t), Config{})
	_, err := r.Score(context.Background(), alert("a", "HighCPU", model.SeverityWarning, "api"), model.Historical{})
	require.ErrorIs(t, err, model.ErrNotReady)
	assert.True(t, model.IsRetryable(err))
	assert.False(t, r.Ready())
	assert.Error(t, r.Save(filepath.Join(t.TempDir(), "m.bin")))
}

func TestExtractFeatures(t *testing.T) {
	r := New(readyEncoder(t), Config{})
	a := alert("a", "HighCPU", model.SeverityCritical, "payment")
	a.Environment = "production"
	f, err := r.ExtractFeatures(context.Background(), a, model.Historical{Count24h: 4, AckRate: 0.5})
	require.NoError(t, err)

	assert.Len(t, f.Embedding, testEmbeddingDim)
	assert.Len(t, f.Lexical, DefaultLexicalFeatures)
	// Saturday 23:30: weekday 5, weekend and night.
	assert.Equal(t, []float32{23, 5, 2, 5, 1, 1}, f.Temporal)
	assert.Equal(t, float32(4), f.Historical[0])
	assert.Equal(t, float32(0.5), f.Historical[5])
	assert.Equal(t, []float32{5, 10, 0.1, 1, 5}, f.Service)
	assert.Len(t, f.Vector(), testEmbeddingDim+DefaultLexicalFeatures+6+8+5)
}

type statsFunc func(context.Context, string) (ServiceStats, error)

func (f statsFunc) ServiceStats(ctx context.Context, svc string) (ServiceStats, error) { return f(ctx, svc) }

func TestExtractFeatures_ServiceStatsSource(t *testing.T) {
	src := statsFunc(func(_ context.Context, svc string) (ServiceStats, error) {
		if svc == "broken" {
			return ServiceStats{}, errors.New("history down")
		}
		return ServiceStats{AlertRate: 42, FalsePositiveRate: 0.3}, nil
	})
	r := New(readyEncoder(t), Config{CriticalServices: []string{"search"}}, WithServiceStats(src))

	f, err := r.ExtractFeatures(context.Background(), alert("a", "x", model.SeverityDebug, "search"), model.Historical{})
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 42, 0.3, 0, 1}, f.Service)

	f, err = r.ExtractFeatures(context.Background(), alert("b", "x", model.SeverityInfo, "broken"), model.Historical{})
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 10, 0.1, 0, 2}, f.Service, "source failure falls back to defaults")
}

func TestShouldSuppress_DynamicThreshold(t *testing.T) {
	cases := []struct {
		name      string
		score     float32
		nominal   float64
		fnr       FNRSource
		want      bool
		wantEff   float64
		wantRaise bool
	}{
		{"high score, low fnr", 0.92, 0.7, StaticFNR(0.01), true, 0.7, false},
		{"score between nominal and raised, high fnr", 0.75, 0.7, StaticFNR(0.05), false, 0.8, true},
		{"score between nominal and raised, low fnr", 0.75, 0.7, StaticFNR(0.01), true, 0.7, false},
		{"raise is capped", 0.89, 0.85, StaticFNR(0.05), false, 0.9, true},
		{"fnr at target does not raise", 0.75, 0.7, StaticFNR(0.02), true, 0.7, false},
		{"failing source raises", 0.75, 0.7, fnrFunc(func(context.Context) (float64, error) { return 0, errors.New("prometheus down") }), false, 0.8, true},
		{"no source uses nominal", 0.75, 0.7, nil, true, 0.7, false},
		{"strict nominal above cap is kept", 0.93, 0.95, StaticFNR(0.05), false, 0.95, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := []Option{WithThresholds(fixedThreshold(tc.nominal))}
			if tc.fnr != nil {
				opts = append(opts, WithFNRSource(tc.fnr))
			}
			r := New(readyEncoder(t), Config{}, opts...)
			require.NoError(t, r.SetBundle(constantBundle(tc.score)))

			s, err := r.Evaluate(context.Background(), alert("x", "HighCPU", model.SeverityWarning, "api"), model.Historical{})
			require.NoError(t, err)
			assert.Equal(t, tc.want, s.Suppress)
			assert.InDelta(t, tc.wantEff, s.Threshold.Effective, 1e-9)
			assert.Equal(t, tc.wantRaise, s.Threshold.Raised)

			got, err := r.ShouldSuppress(context.Background(), alert("x", "HighCPU", model.SeverityWarning, "api"), model.Historical{})
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestScore_UsesCache(t *testing.T) {
	cache := NewLRUScoreCache(16, time.Minute)
	r := New(readyEncoder(t), Config{}, WithCache(cache))
	b := constantBundle(0.3)
	require.NoError(t, r.SetBundle(b))
	a := alert("cached", "HighCPU", model.SeverityWarning, "api")

	s, err := r.Score(context.Background(), a, model.Historical{})
	require.NoError(t, err)
	assert.InDelta(t, 0.3, s, 1e-6)
	assert.Equal(t, 1, cache.Len())

	require.NoError(t, cache.Set(context.Background(), r.cacheKey(b, a.ID), 0.99, 0))
	s, err = r.Score(context.Background(), a, model.Historical{})
	require.NoError(t, err)
	assert.Equal(t, 0.99, s)

	// A new model does not reuse scores cached for the old one.
	require.NoError(t, r.SetBundle(constantBundle(0.6)))
	s, err = r.Score(context.Background(), a, model.Historical{})
	require.NoError(t, err)
	assert.InDelta(t, 0.6, s, 1e-6)
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) (float64, bool, error) {
	return 0, false, model.Retryable("get", errors.New("connection refused"))
}

func (brokenCache) Set(context.Context, string, float64, time.Duration) error {
	return model.Retryable("set", errors.New("connection refused"))
}

func TestScore_CacheFailureIsNotFatal(t *testing.T) {
	r := New(readyEncoder(t), Config{}, WithCache(brokenCache{}))
	require.NoError(t, r.SetBundle(constantBundle(0.4)))
	s, err := r.Score(context.Background(), alert("a", "x", model.SeverityInfo, "api"), model.Historical{})
	require.NoError(t, err)
	assert.InDelta(t, 0.4, s, 1e-6)
}

func trainingSet() ([]Sample, []int) {
	var samples []Sample
	var labels []int
	for i := 0; i < 60; i++ {
		samples = append(samples, Sample{
			Alert:      alert(fmt.Sprintf("n%d", i), "LogRotationLag", model.SeverityInfo, "batch"),
			Historical: model.Historical{Count24h: float64(40 + i%7), FalsePositiveRate: 0.8, SnoozeCount: 12, AckRate: 0.05},
		})
		labels = append(labels, 1)
		samples = append(samples, Sample{
			Alert:      alert(fmt.Sprintf("s%d", i), "PaymentGatewayDown", model.SeverityCritical, "payment"),
			Historical: model.Historical{Count24h: float64(1 + i%2), FalsePositiveRate: 0.02, AckRate: 0.95, EscalationRate: 0.6},
		})
		labels = append(labels, 0)
	}
	return samples, labels
}

func TestTrain_ScoreAndPersist(t *testing.T) {
	r := New(readyEncoder(t), Config{Forest: ForestParams{Trees: 20}})
	samples, labels := trainingSet()
	rep, err := r.Train(context.Background(), samples, labels)
	require.NoError(t, err)
	assert.Equal(t, 120, rep.Samples)
	assert.Equal(t, 60, rep.NoiseSamples)
	assert.GreaterOrEqual(t, rep.Accuracy, 0.95)
	assert.LessOrEqual(t, rep.FalseNegativeRate, 0.02)
	assert.NotEmpty(t, rep.ModelID)
	assert.True(t, r.Ready())

	noisy := alert("new-noise", "LogRotationLag", model.SeverityInfo, "batch")
	signal := alert("new-signal", "PaymentGatewayDown", model.SeverityCritical, "payment")
	noisyHist := model.Historical{Count24h: 44, FalsePositiveRate: 0.8, SnoozeCount: 12, AckRate: 0.05}
	signalHist := model.Historical{Count24h: 1, FalsePositiveRate: 0.02, AckRate: 0.95, EscalationRate: 0.6}

	ranked, err := r.Rank(context.Background(), []*model.Alert{signal, noisy}, map[string]model.Historical{
		noisy.ID:  noisyHist,
		signal.ID: signalHist,
	})
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "new-noise", ranked[0].Alert.ID)
	assert.Greater(t, ranked[0].Score, 0.7)
	assert.Less(t, ranked[1].Score, 0.3)

	path := filepath.Join(t.TempDir(), "models", "noise.bin")
	require.NoError(t, r.Save(path))
	loaded := New(readyEncoder(t), Config{})
	require.NoError(t, loaded.Load(path))
	for _, a := range []*model.Alert{noisy, signal} {
		hist := signalHist
		if a == noisy {
			hist = noisyHist
		}
		want, err := r.Score(context.Background(), a, hist)
		require.NoError(t, err)
		got, err := loaded.Score(context.Background(), a, hist)
		require.NoError(t, err)
		assert.InDelta(t, want, got, 1e-9)
	}
}

func TestTrain_RejectsBadInput(t *testing.T) {
	r := New(readyEncoder(t), Config{})
	_, err := r.Train(context.Background(), []Sample{{Alert: alert("a", "x", model.SeverityInfo, "api")}}, nil)
	assert.ErrorIs(t, err, ErrLabelMismatch)
	_, err = r.Train(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrNoTrainingData)

	cold := New(encoder.NewHashingEncoder(8), Config{})
	_, err = cold.Train(context.Background(), []Sample{{Alert: alert("a", "x", model.SeverityInfo, "api")}}, []int{1})
	assert.ErrorIs(t, err, model.ErrNotReady)
}

func TestLoad_IncompleteBundle(t *testing.T) {
	dir := t.TempDir()
	b := constantBundle(0.5)
	b.Scaler = nil
	assert.ErrorIs(t, SaveBundle(filepath.Join(dir, "x"), b), ErrIncompleteBundle)

	path := filepath.Join(dir, "partial.bin")
	fh, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, gob.NewEncoder(fh).Encode(b))
	require.NoError(t, fh.Close())

	r := New(readyEncoder(t), Config{})
	assert.ErrorIs(t, r.Load(path), ErrIncompleteBundle)
	assert.False(t, r.Ready())

	b = constantBundle(0.5)
	b.Forest = nil
	assert.ErrorIs(t, r.SetBundle(b), ErrIncompleteBundle)
}

func TestSetBundle_EmbeddingDimensionMismatch(t *testing.T) {
	r := New(readyEncoder(t), Config{})
	b := constantBundle(0.5)
	b.EmbeddingDim = 384
	assert.ErrorIs(t, r.SetBundle(b), ErrEncoderMismatch)
}

func TestSetBundle_EncoderModelMismatch(t *testing.T) {
	r := New(readyEncoder(t), Config{})
	b := constantBundle(0.5)
	b.EncoderModel = "all-MiniLM-L6-v2"
	assert.ErrorIs(t, r.SetBundle(b), ErrEncoderMismatch)
	assert.False(t, r.Ready())

	b.EncoderModel = r.enc.Info().Model
	require.NoError(t, r.SetBundle(b))
	assert.True(t, r.Ready())
}

func TestFindSimilar(t *testing.T) {
	r := New(readyEncoder(t), Config{})
	q := alert("q", "HighCPU", model.SeverityWarning, "api")
	cands := []*model.Alert{
		alert("c1", "DiskFull", model.SeverityCritical, "storage"),
		alert("c2", "HighCPU", model.SeverityWarning, "api"),
	}
	out, err := r.FindSimilar(context.Background(), q, cands, 0.99)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "c2", out[0].Alert.ID)

	sim, err := r.Similarity(context.Background(), q, q)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-5)

	out, err = r.FindSimilar(context.Background(), q, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRedisScoreCache(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer rdb.Close()
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
	}
	c := NewRedisScoreCache(rdb)
	key := "noise_score:test:" + t.Name()
	defer rdb.Del(ctx, key)

	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, key, 0.875, time.Minute))
	v, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0.875, v)

	ttl, err := rdb.TTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)
}
