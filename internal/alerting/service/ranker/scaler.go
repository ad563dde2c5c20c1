package ranker

import (
	"fmt"
	"math"
)

// Scaler standardizes features to zero mean and unit variance using
// training-time statistics.
type Scaler struct {
	Mean  []float64
	Scale []float64
}

// FitScaler computes per-column mean and population standard deviation.
// Constant columns get scale 1.
func FitScaler(x [][]float32) *Scaler {
	if len(x) == 0 {
		return &Scaler{}
	}
	d := len(x[0])
	s := &Scaler{Mean: make([]float64, d), Scale: make([]float64, d)}
	n := float64(len(x))
	for _, row := range x {
		for j, v := range row {
			s.Mean[j] += float64(v)
		}
	}
	for j := range s.Mean {
		s.Mean[j] /= n
	}
	for _, row := range x {
		for j, v := range row {
			diff := float64(v) - s.Mean[j]
			s.Scale[j] += diff * diff
		}
	}
	for j := range s.Scale {
		sd := math.Sqrt(s.Scale[j] / n)
		if sd < 1e-12 {
			sd = 1
		}
		s.Scale[j] = sd
	}
	return s
}

func (s *Scaler) Dimension() int { return len(s.Mean) }

// Transform returns a standardized copy of row.
func (s *Scaler) Transform(row []float32) ([]float32, error) {
	if len(row) != len(s.Mean) {
		return nil, fmt.Errorf("scaler expects %d features, got %d", len(s.Mean), len(row))
	}
	out := make([]float32, len(row))
	for j, v := range row {
		out[j] = float32((float64(v) - s.Mean[j]) / s.Scale[j])
	}
	return out, nil
}
