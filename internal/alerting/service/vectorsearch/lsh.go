package vectorsearch

import (
	"math/rand"
)

// lshIndex hashes vectors with random hyperplanes into several tables.
// Queries probe their own bucket and every bucket one bit away, then rerank
// the candidates by exact distance. When fewer than k candidates surface the
// index falls back to a full scan.
type lshIndex struct {
	Dim     int
	Tables  int
	Bits    int
	Planes  []float32 // Tables*Bits rows of Dim
	Buckets []map[uint64][]int32
	Data    []float32
}

func newLSHIndex(dim int, p Params) *lshIndex {
	bits := min(p.LSHBits, 64)
	x := &lshIndex{Dim: dim, Tables: p.LSHTables, Bits: bits}
	rng := rand.New(rand.NewSource(p.Seed))
	x.Planes = make([]float32, x.Tables*bits*dim)
	for i := range x.Planes {
		x.Planes[i] = float32(rng.NormFloat64())
	}
	x.Buckets = make([]map[uint64][]int32, x.Tables)
	for t := range x.Buckets {
		x.Buckets[t] = map[uint64][]int32{}
	}
	return x
}

func (x *lshIndex) train([][]float32) error { return nil }
func (x *lshIndex) trained() bool           { return true }
func (x *lshIndex) size() int               { return len(x.Data) / x.Dim }

func (x *lshIndex) memoryBytes() int64 {
	return int64(len(x.Data)+len(x.Planes))*4 + int64(x.size()*x.Tables)*4
}

func (x *lshIndex) hash(table int, v []float32) uint64 {
	var h uint64
	base := table * x.Bits
	for b := 0; b < x.Bits; b++ {
		if dot(v, rowOf(x.Planes, x.Dim, int32(base+b))) >= 0 {
			h |= 1 << uint(b)
		}
	}
	return h
}

func (x *lshIndex) add(vecs [][]float32) error {
	if len(x.Buckets) < x.Tables {
		x.Buckets = append(x.Buckets, make([]map[uint64][]int32, x.Tables-len(x.Buckets))...)
	}
	for t := range x.Buckets {
		if x.Buckets[t] == nil {
			x.Buckets[t] = map[uint64][]int32{}
		}
	}
	base := int32(x.size())
	for i, v := range vecs {
		id := base + int32(i)
		for t := 0; t < x.Tables; t++ {
			h := x.hash(t, v)
			x.Buckets[t][h] = append(x.Buckets[t][h], id)
		}
		x.Data = append(x.Data, v...)
	}
	return nil
}

func (x *lshIndex) search(q []float32, k int) []neighbor {
	n := x.size()
	if n == 0 || k <= 0 {
		return nil
	}
	seen := make([]uint64, (n+63)/64)
	top := newTopK(k)
	found := 0
	visit := func(ids []int32) {
		for _, id := range ids {
			w, bit := id/64, uint(id%64)
			if seen[w]&(1<<bit) != 0 {
				continue
			}
			seen[w] |= 1 << bit
			found++
			top.offer(id, l2sq(q, rowOf(x.Data, x.Dim, id)))
		}
	}
	for t := 0; t < len(x.Buckets); t++ {
		h := x.hash(t, q)
		visit(x.Buckets[t][h])
		for b := 0; b < x.Bits; b++ {
			visit(x.Buckets[t][h^(1<<uint(b))])
		}
	}
	if found < k {
		return scanAll(x.Data, x.Dim, q, k)
	}
	return top.sorted()
}

// rebuild reuses the hyperplanes so kept vectors hash identically.
func (x *lshIndex) rebuild(keep []int32) (annIndex, error) {
	out := &lshIndex{Dim: x.Dim, Tables: x.Tables, Bits: x.Bits, Planes: x.Planes}
	out.Buckets = make([]map[uint64][]int32, x.Tables)
	for t := range out.Buckets {
		out.Buckets[t] = map[uint64][]int32{}
	}
	vecs := make([][]float32, len(keep))
	for i, id := range keep {
		vecs[i] = rowOf(x.Data, x.Dim, id)
	}
	return out, out.add(vecs)
}
