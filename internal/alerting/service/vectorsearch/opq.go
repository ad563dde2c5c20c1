package vectorsearch

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

const (
	opqTrainSample = 4096
	opqIters       = 3
)

// opqIndex rotates vectors with a learned orthogonal matrix, product
// quantizes them into M one-byte codes and links the codes with an HNSW
// graph. Queries use asymmetric distance tables; graph construction between
// stored nodes uses symmetric centroid distances.
type opqIndex struct {
	Dim       int
	M         int
	K         int
	Seed      int64
	Rotation  []float64 // Dim x Dim, rotated = v * Rotation
	Codebooks []float32 // M x K x Dim/M
	SDC       []float32 // M x K x K
	Codes     []uint8   // n x M
	Graph     *hnswGraph
}

func newOPQIndex(dim int, p Params) *opqIndex {
	return &opqIndex{Dim: dim, M: p.PQM, K: p.PQCentroids, Seed: p.Seed, Graph: newHNSWGraph(p)}
}

func (x *opqIndex) trained() bool { return len(x.Codebooks) > 0 }
func (x *opqIndex) size() int     { return len(x.Codes) / x.M }
func (x *opqIndex) dsub() int     { return x.Dim / x.M }

func (x *opqIndex) memoryBytes() int64 {
	return int64(len(x.Codes)) + int64(len(x.Codebooks)+len(x.SDC))*4 + int64(len(x.Rotation))*8 + x.Graph.linkCount()*4
}

func (x *opqIndex) minTrainingSize() int { return x.K }

// effective reports the learned codebook size, zero before training.
func (x *opqIndex) effective(p Params) Params {
	p.PQM = x.M
	p.PQCentroids = len(x.Codebooks) / x.Dim
	return p
}

// train alternates between fitting the codebooks in the rotated space and
// solving the orthogonal Procrustes problem for the rotation. It needs at
// least K vectors so every sub-quantizer gets K centroids.
func (x *opqIndex) train(vecs [][]float32) error {
	if len(vecs) < x.K {
		return fmt.Errorf("%w: opq needs %d training vectors, got %d", ErrNotTrained, x.K, len(vecs))
	}
	rng := rand.New(rand.NewSource(x.Seed))
	if len(vecs) > opqTrainSample {
		sample := make([][]float32, opqTrainSample)
		for i, j := range rng.Perm(len(vecs))[:opqTrainSample] {
			sample[i] = vecs[j]
		}
		vecs = sample
	}
	d := x.Dim

	x.Rotation = make([]float64, d*d)
	for i := 0; i < d; i++ {
		x.Rotation[i*d+i] = 1
	}
	xs := mat.NewDense(len(vecs), d, nil)
	for i, v := range vecs {
		for c, f := range v {
			xs.Set(i, c, float64(f))
		}
	}
	rotated := make([][]float32, len(vecs))
	recon := make([]float32, d)
	for iter := 0; ; iter++ {
		for i, v := range vecs {
			rotated[i] = x.rotate(v)
		}
		x.trainCodebooks(rotated, rng)
		if iter == opqIters {
			break
		}
		// A = X^T Y where Y are the reconstructions in rotated space.
		y := mat.NewDense(len(vecs), d, nil)
		for i := range vecs {
			x.reconstruct(x.encode(rotated[i]), recon)
			for c, f := range recon {
				y.Set(i, c, float64(f))
			}
		}
		var a mat.Dense
		a.Mul(xs.T(), y)
		next, ok := procrustes(&a)
		if !ok {
			// Keep the previous rotation; codebooks already match it.
			break
		}
		x.Rotation = next
	}
	x.buildSDC()
	return nil
}

// procrustes returns the orthogonal R maximizing tr(R^T A), which is U V^T
// for the SVD A = U S V^T. The result is row-major.
func procrustes(a *mat.Dense) ([]float64, bool) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return nil, false
	}
	var u, v, r mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	r.Mul(&u, v.T())
	d, _ := r.Dims()
	out := make([]float64, d*d)
	for i := 0; i < d; i++ {
		mat.Row(out[i*d:(i+1)*d], i, &r)
	}
	return out, true
}

func (x *opqIndex) trainCodebooks(rotated [][]float32, rng *rand.Rand) {
	ds := x.dsub()
	x.Codebooks = make([]float32, x.M*x.K*ds)
	sub := make([]float32, len(rotated)*ds)
	for m := 0; m < x.M; m++ {
		for i, v := range rotated {
			copy(sub[i*ds:(i+1)*ds], v[m*ds:(m+1)*ds])
		}
		cents := kmeans(sub, ds, x.K, rng)
		copy(x.Codebooks[m*x.K*ds:], cents)
	}
}

func (x *opqIndex) buildSDC() {
	ds := x.dsub()
	x.SDC = make([]float32, x.M*x.K*x.K)
	for m := 0; m < x.M; m++ {
		book := x.Codebooks[m*x.K*ds : (m+1)*x.K*ds]
		for a := 0; a < x.K; a++ {
			for b := a; b < x.K; b++ {
				dd := l2sq(book[a*ds:(a+1)*ds], book[b*ds:(b+1)*ds])
				x.SDC[(m*x.K+a)*x.K+b] = dd
				x.SDC[(m*x.K+b)*x.K+a] = dd
			}
		}
	}
}

func (x *opqIndex) rotate(v []float32) []float32 {
	d := x.Dim
	acc := make([]float64, d)
	for r := 0; r < d; r++ {
		vr := float64(v[r])
		if vr == 0 {
			continue
		}
		row := x.Rotation[r*d : (r+1)*d]
		for c := range acc {
			acc[c] += vr * row[c]
		}
	}
	out := make([]float32, d)
	for i, s := range acc {
		out[i] = float32(s)
	}
	return out
}

func (x *opqIndex) encode(rotated []float32) []uint8 {
	ds := x.dsub()
	code := make([]uint8, x.M)
	for m := 0; m < x.M; m++ {
		book := x.Codebooks[m*x.K*ds : (m+1)*x.K*ds]
		res := scanAll(book, ds, rotated[m*ds:(m+1)*ds], 1)
		code[m] = uint8(res[0].id)
	}
	return code
}

func (x *opqIndex) reconstruct(code []uint8, out []float32) {
	ds := x.dsub()
	for m, c := range code {
		off := (m*x.K + int(c)) * ds
		copy(out[m*ds:(m+1)*ds], x.Codebooks[off:off+ds])
	}
}

// adcTable holds the distance from a rotated query sub-vector to every centroid.
func (x *opqIndex) adcTable(rotated []float32) []float32 {
	ds := x.dsub()
	table := make([]float32, x.M*x.K)
	for m := 0; m < x.M; m++ {
		q := rotated[m*ds : (m+1)*ds]
		for c := 0; c < x.K; c++ {
			off := (m*x.K + c) * ds
			table[m*x.K+c] = l2sq(q, x.Codebooks[off:off+ds])
		}
	}
	return table
}

func (x *opqIndex) code(i int32) []uint8 {
	off := int(i) * x.M
	return x.Codes[off : off+x.M]
}

func (x *opqIndex) adcDist(table []float32) distFunc {
	return func(i int32) float32 {
		var s float32
		for m, c := range x.code(i) {
			s += table[m*x.K+int(c)]
		}
		return s
	}
}

func (x *opqIndex) sdcDist(a, b int32) float32 {
	ca, cb := x.code(a), x.code(b)
	var s float32
	for m := range ca {
		s += x.SDC[(m*x.K+int(ca[m]))*x.K+int(cb[m])]
	}
	return s
}

func (x *opqIndex) add(vecs [][]float32) error {
	if !x.trained() {
		return ErrNotTrained
	}
	for _, v := range vecs {
		r := x.rotate(v)
		x.Codes = append(x.Codes, x.encode(r)...)
		x.Graph.insert(x.adcDist(x.adcTable(r)), x.sdcDist)
	}
	return nil
}

func (x *opqIndex) search(q []float32, k int) []neighbor {
	if !x.trained() {
		return nil
	}
	return x.Graph.search(x.adcDist(x.adcTable(x.rotate(q))), k)
}

// rebuild keeps the quantizer and relinks the kept codes.
func (x *opqIndex) rebuild(keep []int32) (annIndex, error) {
	g := x.Graph
	out := &opqIndex{
		Dim: x.Dim, M: x.M, K: x.K, Seed: x.Seed,
		Rotation: x.Rotation, Codebooks: x.Codebooks, SDC: x.SDC,
		Codes: make([]uint8, 0, len(keep)*x.M),
		Graph: newHNSWGraph(Params{M: g.M, EfConstruction: g.EfConstruction, EfSearch: g.EfSearch, Seed: g.Seed}),
	}
	for _, id := range keep {
		out.Codes = append(out.Codes, x.code(id)...)
		n := int32(out.size() - 1)
		out.Graph.insert(func(i int32) float32 { return out.sdcDist(n, i) }, out.sdcDist)
	}
	return out, nil
}
