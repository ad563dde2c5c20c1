package ranker

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTFIDF(t *testing.T) {
	v := NewTFIDF(3)
	v.Fit([]string{
		"disk usage high on node-1",
		"disk usage high on node-2",
		"cpu high",
	})
	// "high" occurs three times; disk, node, on and usage tie at two and
	// the alphabetical tie-break keeps disk and node.
	assert.Equal(t, []string{"disk", "high", "node"}, v.Terms)

	row := v.Transform("disk disk high")
	require.Len(t, row, 3)
	var norm float64
	for _, x := range row {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, norm, 1e-6)
	assert.Greater(t, row[0], row[1], "disk is rarer and repeated")
	assert.Zero(t, row[2])

	assert.Equal(t, make([]float32, 3), v.Transform("nothing known here"))
	assert.Equal(t, make([]float32, 5), NewTFIDF(5).Transform("unfitted"))
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"highcpu", "on", "api_7", "90"}, tokenize("HighCPU on api_7: 90% x"))
}

func TestScaler(t *testing.T) {
	s := FitScaler([][]float32{{1, 5}, {3, 5}})
	assert.Equal(t, []float64{2, 5}, s.Mean)
	assert.Equal(t, []float64{1, 1}, s.Scale, "constant column keeps unit scale")

	row, err := s.Transform([]float32{3, 5})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, row)

	_, err = s.Transform([]float32{1})
	assert.Error(t, err)
}

// separable draws two gaussian blobs that differ on the first feature.
func separable(n int, seed int64) ([][]float32, []int) {
	rng := rand.New(rand.NewSource(seed))
	x := make([][]float32, n)
	y := make([]int, n)
	for i := range x {
		y[i] = i % 2
		row := make([]float32, 6)
		for j := range row {
			row[j] = float32(rng.NormFloat64())
		}
		row[0] += float32(4 * y[i])
		x[i] = row
	}
	return x, y
}

func TestForest_LearnsSeparableData(t *testing.T) {
	x, y := separable(400, 1)
	f, err := TrainForest(context.Background(), x, y, ForestParams{Trees: 25, MaxFeatures: 6})
	require.NoError(t, err)
	require.Len(t, f.Trees, 25)

	tx, ty := separable(200, 2)
	correct := 0
	for i, row := range tx {
		p, err := f.PredictProba(row)
		require.NoError(t, err)
		require.True(t, p >= 0 && p <= 1)
		if (p > 0.5) == (ty[i] == 1) {
			correct++
		}
	}
	assert.Greater(t, float64(correct)/float64(len(tx)), 0.9)

	_, err = f.PredictProba([]float32{1})
	assert.Error(t, err)
}

func TestForest_Deterministic(t *testing.T) {
	x, y := separable(200, 3)
	p := ForestParams{Trees: 10, Seed: 7}
	a, err := TrainForest(context.Background(), x, y, p)
	require.NoError(t, err)
	b, err := TrainForest(context.Background(), x, y, p)
	require.NoError(t, err)
	for _, row := range x[:20] {
		pa, _ := a.PredictProba(row)
		pb, _ := b.PredictProba(row)
		assert.Equal(t, pa, pb)
	}
}

func TestForest_RejectsBadInput(t *testing.T) {
	_, err := TrainForest(context.Background(), nil, nil, ForestParams{})
	assert.ErrorIs(t, err, ErrNoTrainingData)

	_, err = TrainForest(context.Background(), [][]float32{{1}, {2}}, []int{0, 2}, ForestParams{})
	assert.Error(t, err)

	_, err = TrainForest(context.Background(), [][]float32{{1}, {2, 3}}, []int{0, 1}, ForestParams{})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	x, y := separable(20, 1)
	_, err = TrainForest(ctx, x, y, ForestParams{Trees: 4})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestForest_PureNodeIsLeaf(t *testing.T) {
	f, err := TrainForest(context.Background(), [][]float32{{1}, {2}, {3}, {4}, {5}}, []int{1, 1, 1, 1, 1}, ForestParams{Trees: 3})
	require.NoError(t, err)
	for _, tr := range f.Trees {
		require.Len(t, tr.Nodes, 1)
		assert.InDelta(t, 1.0, tr.Nodes[0].Value, 1e-9)
	}
	p, err := f.PredictProba([]float32{100})
	require.NoError(t, err)
	assert.False(t, math.IsNaN(p))
	assert.InDelta(t, 1.0, p, 1e-9)
}
