package threshold

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/alertiq/internal/metrics"
)

func f(v float64) *float64 { return &v }

func TestNewService_FallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, DefaultConfig(), NewService(filepath.Join(dir, "missing.json")).Get())

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))
	assert.Equal(t, DefaultConfig(), NewService(bad).Get())

	wild := filepath.Join(dir, "wild.json")
	require.NoError(t, os.WriteFile(wild, []byte(`{"noise_threshold": 3, "confidence_min": 0.1, "batch_size": 5000, "learning_rate": 0.5}`), 0o644))
	c := NewService(wild).Get()
	assert.Equal(t, NoiseMax, c.NoiseThreshold)
	assert.Equal(t, ConfidenceMin, c.ConfidenceMin)
	assert.Equal(t, 100, c.BatchSize)
	assert.Equal(t, 0.5, c.LearningRate)
}

func TestUpdate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.json")
	s := NewService(path)

	c, err := s.Update(map[string]any{"noise_threshold": 0.8, "batch_size": float64(250)})
	require.NoError(t, err)
	assert.Equal(t, 0.8, c.NoiseThreshold)
	assert.Equal(t, 250, c.BatchSize)
	assert.Equal(t, 0.8, s.NoiseThreshold())
	assert.Equal(t, 0.8, testutil.ToFloat64(metrics.ThresholdValue.WithLabelValues(KeyNoiseThreshold)))

	reloaded := NewService(path)
	assert.Equal(t, c, reloaded.Get(), "every update is persisted")
}

func TestUpdate_ClampsNoiseAndConfidence(t *testing.T) {
	s := NewService("")
	c, err := s.Update(map[string]any{"noise_threshold": 5.0, "confidence_min": 0.0})
	require.NoError(t, err)
	assert.Equal(t, 0.95, c.NoiseThreshold)
	assert.Equal(t, 0.7, c.ConfidenceMin)
}

func TestUpdate_Rejects(t *testing.T) {
	s := NewService("")
	before := s.Get()
	tests := []struct {
		name    string
		partial map[string]any
		want    error
	}{
		{"unknown key", map[string]any{"bogus": 1}, ErrUnknownKey},
		{"unknown with valid", map[string]any{"noise_threshold": 0.8, "bogus": 1}, ErrUnknownKey},
		{"empty", map[string]any{}, ErrInvalidValue},
		{"string", map[string]any{"noise_threshold": "high"}, ErrInvalidValue},
		{"fractional batch", map[string]any{"batch_size": 1.5}, ErrInvalidValue},
		{"batch too large", map[string]any{"batch_size": 1001}, ErrInvalidValue},
		{"learning rate", map[string]any{"learning_rate": 2.0}, ErrInvalidValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Update(tt.partial)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, before, s.Get(), "rejected updates change nothing")
		})
	}
}

func TestOptimize(t *testing.T) {
	tests := []struct {
		name      string
		start     Config
		perf      Performance
		wantNoise float64
		wantConf  float64
	}{
		{"high fpr raises noise", DefaultConfig(), Performance{FalsePositiveRate: f(0.2)}, 0.75, 0.85},
		{"low fpr lowers noise", DefaultConfig(), Performance{FalsePositiveRate: f(0.01)}, 0.68, 0.85},
		{"fpr in band", DefaultConfig(), Performance{FalsePositiveRate: f(0.07)}, 0.7, 0.85},
		{"noise capped", Config{NoiseThreshold: 0.93, ConfidenceMin: 0.85, BatchSize: 100, LearningRate: 0.01}, Performance{FalsePositiveRate: f(0.5)}, 0.95, 0.85},
		{"noise floored", Config{NoiseThreshold: 0.51, ConfidenceMin: 0.85, BatchSize: 100, LearningRate: 0.01}, Performance{FalsePositiveRate: f(0)}, 0.5, 0.85},
		{"low accuracy", DefaultConfig(), Performance{Accuracy: f(0.8)}, 0.7, 0.87},
		{"high accuracy", DefaultConfig(), Performance{Accuracy: f(0.99)}, 0.7, 0.84},
		{"confidence floored", Config{NoiseThreshold: 0.7, ConfidenceMin: 0.705, BatchSize: 100, LearningRate: 0.01}, Performance{Accuracy: f(0.99)}, 0.7, 0.7},
		{"nothing to act on", DefaultConfig(), Performance{}, 0.7, 0.85},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewService("")
			s.cur.Store(&tt.start)
			c := s.Optimize(tt.perf)
			assert.InDelta(t, tt.wantNoise, c.NoiseThreshold, 1e-9)
			assert.InDelta(t, tt.wantConf, c.ConfidenceMin, 1e-9)
		})
	}
}

func TestSaveFailureIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	s := NewService(filepath.Join(blocker, "thresholds.json"))

	before := testutil.ToFloat64(metrics.ThresholdSaveErrorsTotal)
	c, err := s.Update(map[string]any{"noise_threshold": 0.9})
	require.NoError(t, err)
	assert.Equal(t, 0.9, c.NoiseThreshold)
	assert.Equal(t, 0.9, s.Get().NoiseThreshold, "in-memory state advances")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ThresholdSaveErrorsTotal))
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	s := NewService("")
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Optimize(Performance{FalsePositiveRate: f(float64(i%3) * 0.1)})
		}()
		go func() {
			defer wg.Done()
			v := s.NoiseThreshold()
			assert.True(t, v >= NoiseMin && v <= NoiseMax)
		}()
	}
	wg.Wait()
}

func TestPromFNRSource(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotQuery = r.Form.Get("query")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[1767225600,"0.013"]}]}}`))
	}))
	defer srv.Close()

	src, err := NewPromFNRSource(srv.URL, "", time.Second)
	require.NoError(t, err)
	v, err := src.FalseNegativeRate(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.013, v, 1e-9)
	assert.Equal(t, DefaultFNRQuery, gotQuery)
}

func TestPromFNRSource_EmptyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":[]}}`))
	}))
	defer srv.Close()

	src, err := NewPromFNRSource(srv.URL, "up", time.Second)
	require.NoError(t, err)
	_, err = src.FalseNegativeRate(context.Background())
	assert.Error(t, err)
}
