package ranker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
)

// ForestParams configures the random forest.
type ForestParams struct {
	Trees           int   `json:"n_estimators" yaml:"n_estimators"`
	MaxDepth        int   `json:"max_depth" yaml:"max_depth"`
	MinSamplesSplit int   `json:"min_samples_split" yaml:"min_samples_split"`
	MinSamplesLeaf  int   `json:"min_samples_leaf" yaml:"min_samples_leaf"`
	MaxFeatures     int   `json:"max_features" yaml:"max_features"` // 0 means sqrt(features)
	Seed            int64 `json:"random_state" yaml:"random_state"`
}

func DefaultForestParams() ForestParams {
	return ForestParams{Trees: 200, MaxDepth: 15, MinSamplesSplit: 5, MinSamplesLeaf: 2, Seed: 42}
}

func (p ForestParams) withDefaults() ForestParams {
	d := DefaultForestParams()
	if p.Trees <= 0 {
		p.Trees = d.Trees
	}
	if p.MaxDepth <= 0 {
		p.MaxDepth = d.MaxDepth
	}
	if p.MinSamplesSplit < 2 {
		p.MinSamplesSplit = d.MinSamplesSplit
	}
	if p.MinSamplesLeaf < 1 {
		p.MinSamplesLeaf = d.MinSamplesLeaf
	}
	if p.Seed == 0 {
		p.Seed = d.Seed
	}
	return p
}

var ErrNoTrainingData = errors.New("no training data")

// Forest is a bagged ensemble of CART trees over binary labels. A tree's
// leaf value is the fraction of noise samples that reached it.
type Forest struct {
	NFeatures int
	Trees     []Tree
}

type Tree struct {
	Nodes []Node
}

// Node is a split when Feature >= 0 (x[Feature] <= Threshold goes Left) and
// a leaf otherwise.
type Node struct {
	Feature   int32
	Threshold float32
	Left      int32
	Right     int32
	Value     float32
}

// TrainForest fits a forest on rows x with labels y (0 = signal, 1 = noise).
// Trees are built in parallel; each tree draws from its own seeded source so
// the result does not depend on scheduling.
func TrainForest(ctx context.Context, x [][]float32, y []int, p ForestParams) (*Forest, error) {
	if len(x) == 0 {
		return nil, ErrNoTrainingData
	}
	if len(x) != len(y) {
		return nil, fmt.Errorf("%d samples, %d labels", len(x), len(y))
	}
	nf := len(x[0])
	labels := make([]uint8, len(y))
	for i, v := range y {
		if v != 0 && v != 1 {
			return nil, fmt.Errorf("label %d at %d: want 0 or 1", v, i)
		}
		if len(x[i]) != nf {
			return nil, fmt.Errorf("sample %d has %d features, want %d", i, len(x[i]), nf)
		}
		labels[i] = uint8(v)
	}
	p = p.withDefaults()
	if p.MaxFeatures <= 0 || p.MaxFeatures > nf {
		p.MaxFeatures = max(1, int(math.Sqrt(float64(nf))))
	}

	f := &Forest{NFeatures: nf, Trees: make([]Tree, p.Trees)}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range f.Trees {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			b := &treeBuilder{x: x, y: labels, p: p, rng: rand.New(rand.NewSource(p.Seed + int64(i)))}
			f.Trees[i] = b.build()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return f, nil
}

// PredictProba returns the mean leaf noise fraction across trees.
func (f *Forest) PredictProba(row []float32) (float64, error) {
	if len(row) != f.NFeatures {
		return 0, fmt.Errorf("forest expects %d features, got %d", f.NFeatures, len(row))
	}
	if len(f.Trees) == 0 {
		return 0, ErrNoTrainingData
	}
	var sum float64
	for i := range f.Trees {
		sum += float64(f.Trees[i].predict(row))
	}
	return sum / float64(len(f.Trees)), nil
}

func (t *Tree) predict(row []float32) float32 {
	n := &t.Nodes[0]
	for n.Feature >= 0 {
		if row[n.Feature] <= n.Threshold {
			n = &t.Nodes[n.Left]
		} else {
			n = &t.Nodes[n.Right]
		}
	}
	return n.Value
}

type treeBuilder struct {
	x     [][]float32
	y     []uint8
	p     ForestParams
	rng   *rand.Rand
	nodes []Node
	feats []int
	buf   []sample
}

type sample struct {
	v float32
	y uint8
}

func (b *treeBuilder) build() Tree {
	n := len(b.x)
	boot := make([]int, n)
	for i := range boot {
		boot[i] = b.rng.Intn(n)
	}
	b.feats = make([]int, len(b.x[0]))
	for i := range b.feats {
		b.feats[i] = i
	}
	b.buf = make([]sample, n)
	b.grow(boot, 0)
	return Tree{Nodes: b.nodes}
}

// grow appends the subtree for idx and returns its node index.
func (b *treeBuilder) grow(idx []int, depth int) int32 {
	pos := 0
	for _, i := range idx {
		pos += int(b.y[i])
	}
	self := int32(len(b.nodes))
	b.nodes = append(b.nodes, Node{Feature: -1, Value: float32(pos) / float32(len(idx))})
	if depth >= b.p.MaxDepth || len(idx) < b.p.MinSamplesSplit || pos == 0 || pos == len(idx) {
		return self
	}

	feature, threshold, ok := b.bestSplit(idx, pos)
	if !ok {
		return self
	}
	left, right := partition(idx, func(i int) bool { return b.x[i][feature] <= threshold })
	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[self] = Node{Feature: int32(feature), Threshold: threshold, Left: l, Right: r, Value: b.nodes[self].Value}
	return self
}

// bestSplit tries MaxFeatures random features and returns the split with
// the lowest weighted Gini impurity.
func (b *treeBuilder) bestSplit(idx []int, pos int) (int, float32, bool) {
	n := len(idx)
	minLeaf := b.p.MinSamplesLeaf
	bestScore := math.Inf(1)
	bestFeature, bestThreshold, found := -1, float32(0), false

	// Partial Fisher-Yates: the first MaxFeatures entries become the sample.
	for k := 0; k < b.p.MaxFeatures; k++ {
		j := k + b.rng.Intn(len(b.feats)-k)
		b.feats[k], b.feats[j] = b.feats[j], b.feats[k]
		f := b.feats[k]

		s := b.buf[:n]
		for i, id := range idx {
			s[i] = sample{v: b.x[id][f], y: b.y[id]}
		}
		sort.Slice(s, func(a, c int) bool { return s[a].v < s[c].v })
		if s[0].v == s[n-1].v {
			continue
		}

		leftPos := 0
		for i := 1; i < n; i++ {
			leftPos += int(s[i-1].y)
			if i < minLeaf || n-i < minLeaf || s[i-1].v == s[i].v {
				continue
			}
			nl, nr := float64(i), float64(n-i)
			pl := float64(leftPos) / nl
			pr := float64(pos-leftPos) / nr
			score := nl*2*pl*(1-pl) + nr*2*pr*(1-pr)
			if score < bestScore {
				bestScore = score
				bestFeature = f
				bestThreshold = s[i-1].v + (s[i].v-s[i-1].v)/2
				if bestThreshold >= s[i].v {
					bestThreshold = s[i-1].v
				}
				found = true
			}
		}
	}
	return bestFeature, bestThreshold, found
}

func partition(idx []int, left func(int) bool) ([]int, []int) {
	l := make([]int, 0, len(idx))
	r := make([]int, 0, len(idx))
	for _, i := range idx {
		if left(i) {
			l = append(l, i)
		} else {
			r = append(r, i)
		}
	}
	return l, r
}
