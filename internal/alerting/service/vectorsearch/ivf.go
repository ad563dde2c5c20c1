package vectorsearch

import (
	"fmt"
	"math/rand"
)

// ivfIndex partitions vectors into NList k-means cells and scans the NProbe
// cells nearest to the query.
type ivfIndex struct {
	Dim       int
	NList     int
	NProbe    int
	Seed      int64
	Centroids []float32
	Lists     [][]int32
	Data      []float32
}

func newIVFIndex(dim int, p Params) *ivfIndex {
	return &ivfIndex{Dim: dim, NList: p.NList, NProbe: p.NProbe, Seed: p.Seed}
}

func (x *ivfIndex) trained() bool      { return len(x.Centroids) > 0 }
func (x *ivfIndex) size() int          { return len(x.Data) / x.Dim }
func (x *ivfIndex) memoryBytes() int64 { return int64(len(x.Data)+len(x.Centroids))*4 + int64(x.size())*4 }

func (x *ivfIndex) minTrainingSize() int { return x.NList }

// effective reports the learned cell count, zero before training.
func (x *ivfIndex) effective(p Params) Params {
	p.NList = len(x.Centroids) / x.Dim
	p.NProbe = min(x.NProbe, p.NList)
	return p
}

// train runs k-means over vecs. It needs at least NList vectors so every
// cell gets a centroid.
func (x *ivfIndex) train(vecs [][]float32) error {
	if len(vecs) < x.NList {
		return fmt.Errorf("%w: ivf needs %d training vectors, got %d", ErrNotTrained, x.NList, len(vecs))
	}
	rng := rand.New(rand.NewSource(x.Seed))
	x.Centroids = kmeans(flatten(vecs, x.Dim), x.Dim, x.NList, rng)
	x.Lists = make([][]int32, x.NList)
	return nil
}

func (x *ivfIndex) add(vecs [][]float32) error {
	if !x.trained() {
		return ErrNotTrained
	}
	if len(x.Lists) < x.NList {
		x.Lists = append(x.Lists, make([][]int32, x.NList-len(x.Lists))...)
	}
	base := int32(x.size())
	for i, v := range vecs {
		cell := nearestCentroids(x.Centroids, x.Dim, v, 1)[0]
		x.Lists[cell] = append(x.Lists[cell], base+int32(i))
		x.Data = append(x.Data, v...)
	}
	return nil
}

func (x *ivfIndex) search(q []float32, k int) []neighbor {
	if !x.trained() || k <= 0 {
		return nil
	}
	top := newTopK(k)
	for _, cell := range nearestCentroids(x.Centroids, x.Dim, q, min(x.NProbe, x.NList)) {
		if int(cell) >= len(x.Lists) {
			continue
		}
		for _, id := range x.Lists[cell] {
			top.offer(id, l2sq(q, rowOf(x.Data, x.Dim, id)))
		}
	}
	return top.sorted()
}

// rebuild keeps the trained centroids and reassigns the kept vectors.
func (x *ivfIndex) rebuild(keep []int32) (annIndex, error) {
	out := &ivfIndex{
		Dim: x.Dim, NList: x.NList, NProbe: x.NProbe, Seed: x.Seed,
		Centroids: x.Centroids,
		Lists:     make([][]int32, x.NList),
	}
	if !x.trained() {
		return out, nil
	}
	vecs := make([][]float32, len(keep))
	for i, id := range keep {
		vecs[i] = rowOf(x.Data, x.Dim, id)
	}
	return out, out.add(vecs)
}
