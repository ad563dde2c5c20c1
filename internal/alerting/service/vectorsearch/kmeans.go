package vectorsearch

import (
	"math/rand"
	"runtime"
	"sync"
)

const (
	kmeansIters          = 10
	kmeansMaxPerCentroid = 64
)

// kmeans clusters n row-major vectors into k centroids with Lloyd iterations.
// The training set is subsampled to k*kmeansMaxPerCentroid points.
func kmeans(data []float32, dim, k int, rng *rand.Rand) []float32 {
	n := len(data) / dim
	if k > n {
		k = n
	}
	if k <= 0 {
		return nil
	}
	if limit := k * kmeansMaxPerCentroid; n > limit {
		perm := rng.Perm(n)[:limit]
		sample := make([]float32, 0, limit*dim)
		for _, i := range perm {
			sample = append(sample, data[i*dim:(i+1)*dim]...)
		}
		data, n = sample, limit
	}

	centroids := make([]float32, k*dim)
	for c, i := range rng.Perm(n)[:k] {
		copy(centroids[c*dim:(c+1)*dim], data[i*dim:(i+1)*dim])
	}

	assign := make([]int32, n)
	sums := make([]float64, k*dim)
	counts := make([]int, k)
	for iter := 0; iter < kmeansIters; iter++ {
		assignNearest(data, dim, centroids, assign)

		clear(sums)
		clear(counts)
		for i := 0; i < n; i++ {
			c := int(assign[i])
			counts[c]++
			row := data[i*dim : (i+1)*dim]
			acc := sums[c*dim : (c+1)*dim]
			for d, x := range row {
				acc[d] += float64(x)
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				continue
			}
			inv := 1 / float64(counts[c])
			for d := 0; d < dim; d++ {
				centroids[c*dim+d] = float32(sums[c*dim+d] * inv)
			}
		}
		splitEmpty(centroids, dim, counts, rng)
	}
	return centroids
}

// splitEmpty reseeds empty clusters by perturbing a copy of the largest one.
func splitEmpty(centroids []float32, dim int, counts []int, rng *rand.Rand) {
	for c := range counts {
		if counts[c] > 0 {
			continue
		}
		big := 0
		for j := range counts {
			if counts[j] > counts[big] {
				big = j
			}
		}
		if counts[big] < 2 {
			return
		}
		src := centroids[big*dim : (big+1)*dim]
		dst := centroids[c*dim : (c+1)*dim]
		for d := range src {
			eps := float32(1e-4 * (rng.Float64()*2 - 1))
			dst[d] = src[d] * (1 + eps)
			src[d] = src[d] * (1 - eps)
		}
		counts[c] = counts[big] / 2
		counts[big] -= counts[c]
	}
}

// assignNearest writes the nearest centroid of every row into assign,
// splitting the rows across CPUs.
func assignNearest(data []float32, dim int, centroids []float32, assign []int32) {
	n := len(assign)
	k := len(centroids) / dim
	workers := runtime.GOMAXPROCS(0)
	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				row := data[i*dim : (i+1)*dim]
				best, bestDist := 0, l2sq(row, centroids[:dim])
				for c := 1; c < k; c++ {
					if d := l2sq(row, centroids[c*dim:(c+1)*dim]); d < bestDist {
						best, bestDist = c, d
					}
				}
				assign[i] = int32(best)
			}
		}(start, end)
	}
	wg.Wait()
}

// nearestCentroids returns the indexes of the n closest centroids to q.
func nearestCentroids(centroids []float32, dim int, q []float32, n int) []int32 {
	res := scanAll(centroids, dim, q, n)
	out := make([]int32, len(res))
	for i, r := range res {
		out[i] = r.id
	}
	return out
}

func flatten(vecs [][]float32, dim int) []float32 {
	out := make([]float32, 0, len(vecs)*dim)
	for _, v := range vecs {
		out = append(out, v...)
	}
	return out
}
