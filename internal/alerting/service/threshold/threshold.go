package threshold

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/qiniu/alertiq/internal/metrics"
)

var (
	ErrUnknownKey   = errors.New("unknown threshold key")
	ErrInvalidValue = errors.New("invalid threshold value")
)

// Keys accepted by Update.
const (
	KeyNoiseThreshold = "noise_threshold"
	KeyConfidenceMin  = "confidence_min"
	KeyBatchSize      = "batch_size"
	KeyLearningRate   = "learning_rate"
)

// Documented ranges. Noise and confidence are clamped; batch size and
// learning rate are rejected when out of range.
const (
	NoiseMin      = 0.5
	NoiseMax      = 0.95
	ConfidenceMin = 0.7
	ConfidenceMax = 0.95
	BatchSizeMin  = 1
	BatchSizeMax  = 1000
	LearnRateMin  = 0.0001
	LearnRateMax  = 1.0
)

// Config is the process-wide threshold snapshot.
type Config struct {
	NoiseThreshold float64 `json:"noise_threshold"`
	ConfidenceMin  float64 `json:"confidence_min"`
	BatchSize      int     `json:"batch_size"`
	LearningRate   float64 `json:"learning_rate"`
}

func DefaultConfig() Config {
	return Config{NoiseThreshold: 0.7, ConfidenceMin: 0.85, BatchSize: 100, LearningRate: 0.01}
}

func clamp(v, lo, hi float64) float64 { return math.Min(hi, math.Max(lo, v)) }

// normalize clamps every field into its documented range.
func (c Config) normalize() Config {
	d := DefaultConfig()
	c.NoiseThreshold = clamp(c.NoiseThreshold, NoiseMin, NoiseMax)
	c.ConfidenceMin = clamp(c.ConfidenceMin, ConfidenceMin, ConfidenceMax)
	if c.BatchSize < BatchSizeMin || c.BatchSize > BatchSizeMax {
		c.BatchSize = d.BatchSize
	}
	if c.LearningRate < LearnRateMin || c.LearningRate > LearnRateMax {
		c.LearningRate = d.LearningRate
	}
	return c
}

// Performance is the input to Optimize. Nil fields are not acted on.
type Performance struct {
	FalsePositiveRate *float64 `json:"false_positive_rate,omitempty"`
	Accuracy          *float64 `json:"accuracy,omitempty"`
}

// Service owns the threshold configuration. Readers load an immutable
// snapshot; writers are serialized and persist every change.
type Service struct {
	path string

	mu  sync.Mutex
	cur atomic.Pointer[Config]
}

// NewService loads path, falling back to defaults when the file is missing
// or unreadable. An empty path keeps the configuration in memory only.
func NewService(path string) *Service {
	s := &Service{path: path}
	c := s.load()
	s.cur.Store(&c)
	publish(c)
	return s
}

func (s *Service) load() Config {
	c := DefaultConfig()
	if s.path == "" {
		return c
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", s.path).Msg("failed to read thresholds, using defaults")
		}
		return c
	}
	if err := json.Unmarshal(data, &c); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("failed to parse thresholds, using defaults")
		return DefaultConfig()
	}
	return c.normalize()
}

// Get returns the current snapshot.
func (s *Service) Get() Config { return *s.cur.Load() }

// NoiseThreshold is the nominal suppression threshold.
func (s *Service) NoiseThreshold() float64 { return s.cur.Load().NoiseThreshold }

// Update applies a partial change. Unknown keys and invalid values reject
// the whole update; nothing is applied.
func (s *Service) Update(partial map[string]any) (Config, error) {
	if len(partial) == 0 {
		return Config{}, fmt.Errorf("%w: no updates provided", ErrInvalidValue)
	}
	var unknown []string
	for k := range partial {
		switch k {
		case KeyNoiseThreshold, KeyConfidenceMin, KeyBatchSize, KeyLearningRate:
		default:
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Config{}, fmt.Errorf("%w: %s", ErrUnknownKey, strings.Join(unknown, ", "))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.Get()
	for k, raw := range partial {
		v, err := number(k, raw)
		if err != nil {
			return Config{}, err
		}
		switch k {
		case KeyNoiseThreshold:
			next.NoiseThreshold = v
		case KeyConfidenceMin:
			next.ConfidenceMin = v
		case KeyBatchSize:
			if v != math.Trunc(v) || v < BatchSizeMin || v > BatchSizeMax {
				return Config{}, fmt.Errorf("%w: %s must be an integer in [%d, %d]", ErrInvalidValue, k, BatchSizeMin, BatchSizeMax)
			}
			next.BatchSize = int(v)
		case KeyLearningRate:
			if v < LearnRateMin || v > LearnRateMax {
				return Config{}, fmt.Errorf("%w: %s must be in [%g, %g]", ErrInvalidValue, k, LearnRateMin, LearnRateMax)
			}
			next.LearningRate = v
		}
	}
	return s.commit(next, "update"), nil
}

func number(key string, raw any) (float64, error) {
	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrInvalidValue, key, err)
		}
		v = f
	default:
		return 0, fmt.Errorf("%w: %s must be a number, got %T", ErrInvalidValue, key, raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s must be finite", ErrInvalidValue, key)
	}
	return v, nil
}

// Optimize nudges the thresholds from observed performance: a high false
// positive rate raises the noise threshold, a low one lowers it; low
// accuracy raises the confidence floor, high accuracy lowers it.
func (s *Service) Optimize(p Performance) Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.Get()
	if p.FalsePositiveRate != nil {
		switch fpr := *p.FalsePositiveRate; {
		case fpr > 0.10:
			next.NoiseThreshold = math.Min(NoiseMax, next.NoiseThreshold+0.05)
		case fpr < 0.05:
			next.NoiseThreshold = math.Max(NoiseMin, next.NoiseThreshold-0.02)
		}
	}
	if p.Accuracy != nil {
		switch acc := *p.Accuracy; {
		case acc < 0.90:
			next.ConfidenceMin = math.Min(ConfidenceMax, next.ConfidenceMin+0.02)
		case acc > 0.95:
			next.ConfidenceMin = math.Max(ConfidenceMin, next.ConfidenceMin-0.01)
		}
	}
	return s.commit(next, "optimize")
}

// commit must be called with mu held.
func (s *Service) commit(next Config, op string) Config {
	next = next.normalize()
	s.cur.Store(&next)
	publish(next)
	if err := s.save(next); err != nil {
		metrics.ThresholdSaveErrorsTotal.Inc()
		log.Error().Err(err).Str("path", s.path).Str("op", op).Msg("failed to persist thresholds")
	}
	log.Info().
		Str("op", op).
		Float64("noise_threshold", next.NoiseThreshold).
		Float64("confidence_min", next.ConfidenceMin).
		Int("batch_size", next.BatchSize).
		Float64("learning_rate", next.LearningRate).
		Msg("thresholds changed")
	return next
}

func (s *Service) save(c Config) error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func publish(c Config) {
	metrics.ThresholdValue.WithLabelValues(KeyNoiseThreshold).Set(c.NoiseThreshold)
	metrics.ThresholdValue.WithLabelValues(KeyConfidenceMin).Set(c.ConfidenceMin)
	metrics.ThresholdValue.WithLabelValues(KeyBatchSize).Set(float64(c.BatchSize))
	metrics.ThresholdValue.WithLabelValues(KeyLearningRate).Set(c.LearningRate)
}
