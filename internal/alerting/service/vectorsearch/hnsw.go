package vectorsearch

import (
	"container/heap"
	"math"
	"sort"
	"sync"
)

// distFunc returns the distance from the current query to stored node i.
type distFunc func(i int32) float32

// pairFunc returns the distance between two stored nodes.
type pairFunc func(a, b int32) float32

// hnswGraph is a hierarchical navigable small world graph. It knows nothing
// about vector storage: callers pass distance closures, so the same graph
// serves raw and product-quantized vectors. Writes must be serialized by the
// caller; concurrent searches are safe while no write is in progress.
type hnswGraph struct {
	M              int
	M0             int
	EfConstruction int
	EfSearch       int
	Seed           int64
	Links          [][][]int32 // node -> level -> neighbors
	Entry          int32
	MaxLevel       int

	visited sync.Pool
}

func newHNSWGraph(p Params) *hnswGraph {
	return &hnswGraph{
		M:              p.M,
		M0:             2 * p.M,
		EfConstruction: p.EfConstruction,
		EfSearch:       p.EfSearch,
		Seed:           p.Seed,
	}
}

func (g *hnswGraph) size() int { return len(g.Links) }

func (g *hnswGraph) linkCount() int64 {
	var n int64
	for _, levels := range g.Links {
		for _, l := range levels {
			n += int64(len(l))
		}
	}
	return n
}

// level draws the node's top layer from a hash of its position, so a graph
// rebuilt from the same inputs has the same shape.
func (g *hnswGraph) level(id int32) int {
	z := uint64(g.Seed) ^ (uint64(id) * 0x9E3779B97F4A7C15)
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	z ^= z >> 31
	u := float64(z>>11) / float64(1<<53)
	if u <= 0 {
		u = 1e-12
	}
	mult := 1 / math.Log(float64(max(g.M, 2)))
	return int(-math.Log(u) * mult)
}

// insert links a new node, whose position must equal g.size().
func (g *hnswGraph) insert(dist distFunc, pair pairFunc) {
	id := int32(len(g.Links))
	lvl := g.level(id)
	g.Links = append(g.Links, make([][]int32, lvl+1))
	if id == 0 {
		g.Entry, g.MaxLevel = 0, lvl
		return
	}

	ep := neighbor{id: g.Entry, dist: dist(g.Entry)}
	for l := g.MaxLevel; l > lvl; l-- {
		ep = g.greedy(ep, l, dist)
	}
	for l := min(lvl, g.MaxLevel); l >= 0; l-- {
		cands := g.searchLayer(dist, ep, g.EfConstruction, l)
		maxConn := g.M
		if l == 0 {
			maxConn = g.M0
		}
		selected := selectNeighbors(cands, maxConn, pair)
		links := make([]int32, len(selected))
		for i, s := range selected {
			links[i] = s.id
		}
		g.Links[id][l] = links
		for _, s := range selected {
			g.connect(s.id, id, s.dist, l, maxConn, pair)
		}
		ep = cands[0]
	}
	if lvl > g.MaxLevel {
		g.Entry, g.MaxLevel = id, lvl
	}
}

// connect adds a back link from node to id, pruning node's list when it
// exceeds maxConn.
func (g *hnswGraph) connect(node, id int32, d float32, l, maxConn int, pair pairFunc) {
	links := append(g.Links[node][l], id)
	if len(links) <= maxConn {
		g.Links[node][l] = links
		return
	}
	cands := make([]neighbor, len(links))
	for i, n := range links {
		if n == id {
			cands[i] = neighbor{id: n, dist: d}
			continue
		}
		cands[i] = neighbor{id: n, dist: pair(node, n)}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
	kept := selectNeighbors(cands, maxConn, pair)
	out := links[:0]
	for _, k := range kept {
		out = append(out, k.id)
	}
	g.Links[node][l] = out
}

// selectNeighbors applies the diversity heuristic to ascending candidates and
// tops up with the closest pruned ones when fewer than m survive.
func selectNeighbors(cands []neighbor, m int, pair pairFunc) []neighbor {
	if len(cands) <= m {
		return cands
	}
	out := make([]neighbor, 0, m)
	var pruned []neighbor
	for _, c := range cands {
		if len(out) >= m {
			break
		}
		good := true
		for _, r := range out {
			if pair(c.id, r.id) < c.dist {
				good = false
				break
			}
		}
		if good {
			out = append(out, c)
		} else {
			pruned = append(pruned, c)
		}
	}
	for _, p := range pruned {
		if len(out) >= m {
			break
		}
		out = append(out, p)
	}
	return out
}

func (g *hnswGraph) greedy(ep neighbor, l int, dist distFunc) neighbor {
	for changed := true; changed; {
		changed = false
		for _, n := range g.neighbors(ep.id, l) {
			if d := dist(n); d < ep.dist {
				ep = neighbor{id: n, dist: d}
				changed = true
			}
		}
	}
	return ep
}

func (g *hnswGraph) neighbors(id int32, l int) []int32 {
	levels := g.Links[id]
	if l >= len(levels) {
		return nil
	}
	return levels[l]
}

// searchLayer returns up to ef nodes closest to the query on layer l,
// ascending by distance.
func (g *hnswGraph) searchLayer(dist distFunc, ep neighbor, ef, l int) []neighbor {
	vs := g.acquireVisited()
	defer g.visited.Put(vs)
	vs.mark(ep.id)

	cand := &minHeap{ep}
	res := &maxHeap{ep}
	for cand.Len() > 0 {
		c := heap.Pop(cand).(neighbor)
		if res.Len() >= ef && c.dist > (*res)[0].dist {
			break
		}
		for _, n := range g.neighbors(c.id, l) {
			if !vs.mark(n) {
				continue
			}
			d := dist(n)
			if res.Len() < ef || d < (*res)[0].dist {
				heap.Push(cand, neighbor{id: n, dist: d})
				heap.Push(res, neighbor{id: n, dist: d})
				if res.Len() > ef {
					heap.Pop(res)
				}
			}
		}
	}
	out := make([]neighbor, res.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(res).(neighbor)
	}
	return out
}

// search returns the k nearest nodes using a beam of max(EfSearch, k).
func (g *hnswGraph) search(dist distFunc, k int) []neighbor {
	if len(g.Links) == 0 || k <= 0 {
		return nil
	}
	ep := neighbor{id: g.Entry, dist: dist(g.Entry)}
	for l := g.MaxLevel; l > 0; l-- {
		ep = g.greedy(ep, l, dist)
	}
	res := g.searchLayer(dist, ep, max(g.EfSearch, k), 0)
	if len(res) > k {
		res = res[:k]
	}
	return res
}

// visitSet is an epoch-stamped visited marker reused across searches.
type visitSet struct {
	marks []uint32
	epoch uint32
}

func (g *hnswGraph) acquireVisited() *visitSet {
	vs, _ := g.visited.Get().(*visitSet)
	if vs == nil {
		vs = &visitSet{}
	}
	if n := len(g.Links); len(vs.marks) < n {
		vs.marks = make([]uint32, n+n/4+16)
		vs.epoch = 0
	}
	vs.epoch++
	if vs.epoch == 0 {
		clear(vs.marks)
		vs.epoch = 1
	}
	return vs
}

// mark reports whether id was unvisited, marking it.
func (v *visitSet) mark(id int32) bool {
	if v.marks[id] == v.epoch {
		return false
	}
	v.marks[id] = v.epoch
	return true
}

// hnswIndex is an HNSW graph over raw vectors.
type hnswIndex struct {
	Dim   int
	Data  []float32
	Graph *hnswGraph
}

func newHNSWIndex(dim int, p Params) *hnswIndex {
	return &hnswIndex{Dim: dim, Graph: newHNSWGraph(p)}
}

func (x *hnswIndex) train([][]float32) error { return nil }
func (x *hnswIndex) trained() bool           { return true }
func (x *hnswIndex) size() int               { return len(x.Data) / x.Dim }

func (x *hnswIndex) memoryBytes() int64 {
	return int64(len(x.Data))*4 + x.Graph.linkCount()*4
}

func (x *hnswIndex) row(i int32) []float32 { return rowOf(x.Data, x.Dim, i) }

func (x *hnswIndex) add(vecs [][]float32) error {
	pair := func(a, b int32) float32 { return l2sq(x.row(a), x.row(b)) }
	for _, v := range vecs {
		x.Data = append(x.Data, v...)
		x.Graph.insert(func(i int32) float32 { return l2sq(v, x.row(i)) }, pair)
	}
	return nil
}

func (x *hnswIndex) search(q []float32, k int) []neighbor {
	return x.Graph.search(func(i int32) float32 { return l2sq(q, x.row(i)) }, k)
}

func (x *hnswIndex) rebuild(keep []int32) (annIndex, error) {
	g := x.Graph
	out := &hnswIndex{Dim: x.Dim, Graph: newHNSWGraph(Params{M: g.M, EfConstruction: g.EfConstruction, EfSearch: g.EfSearch, Seed: g.Seed})}
	vecs := make([][]float32, len(keep))
	for i, id := range keep {
		vecs[i] = x.row(id)
	}
	return out, out.add(vecs)
}
