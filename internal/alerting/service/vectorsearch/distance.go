package vectorsearch

import "container/heap"

// l2sq returns the squared euclidean distance. Callers guarantee equal lengths.
func l2sq(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	n := len(a)
	i := 0
	for ; i+4 <= n; i += 4 {
		d0 := a[i] - b[i]
		d1 := a[i+1] - b[i+1]
		d2 := a[i+2] - b[i+2]
		d3 := a[i+3] - b[i+3]
		s0 += d0 * d0
		s1 += d1 * d1
		s2 += d2 * d2
		s3 += d3 * d3
	}
	for ; i < n; i++ {
		d := a[i] - b[i]
		s0 += d * d
	}
	return s0 + s1 + s2 + s3
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// neighbor is a stored position and its squared distance to the query.
type neighbor struct {
	id   int32
	dist float32
}

// maxHeap keeps the k closest neighbors seen so far; the root is the farthest.
type maxHeap []neighbor

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)        { *h = append(*h, x.(neighbor)) }
func (h *maxHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// minHeap pops the closest neighbor first.
type minHeap []neighbor

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(neighbor)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topK collects the k nearest neighbors offered to it.
type topK struct {
	k int
	h maxHeap
}

func newTopK(k int) *topK { return &topK{k: k, h: make(maxHeap, 0, k+1)} }

func (t *topK) offer(id int32, dist float32) {
	if len(t.h) < t.k {
		heap.Push(&t.h, neighbor{id: id, dist: dist})
		return
	}
	if dist < t.h[0].dist {
		t.h[0] = neighbor{id: id, dist: dist}
		heap.Fix(&t.h, 0)
	}
}

// worst returns the current k-th distance, or +Inf semantics via ok=false
// while fewer than k neighbors have been offered.
func (t *topK) worst() (float32, bool) {
	if len(t.h) < t.k {
		return 0, false
	}
	return t.h[0].dist, true
}

// sorted drains the collector into ascending distance order.
func (t *topK) sorted() []neighbor {
	out := make([]neighbor, len(t.h))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&t.h).(neighbor)
	}
	return out
}
