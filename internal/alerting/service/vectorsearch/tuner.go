package vectorsearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TunerConfig sets the optimization targets and the parameter grids.
type TunerConfig struct {
	TargetP99 time.Duration
	MinRecall float64

	HNSWM              []int
	HNSWEfConstruction []int
	HNSWEfSearch       []int

	OPQPQM       []int
	OPQCentroids []int
	OPQHNSWM     []int

	// SkipOPQ limits the search to plain HNSW.
	SkipOPQ bool
	Seed    int64
}

// DefaultTunerConfig targets a 10ms P99 at recall@10 >= 0.95.
func DefaultTunerConfig() TunerConfig {
	return TunerConfig{
		TargetP99:          10 * time.Millisecond,
		MinRecall:          0.95,
		HNSWM:              []int{8, 16, 32, 64},
		HNSWEfConstruction: []int{100, 200, 400},
		HNSWEfSearch:       []int{16, 32, 64, 128, 256},
		OPQPQM:             []int{8, 16, 32},
		OPQCentroids:       []int{16, 32, 64},
		OPQHNSWM:           []int{8, 16, 32},
		Seed:               42,
	}
}

// Dataset is a held-out evaluation set. GroundTruth[i] lists the exact 10
// nearest vector positions for Queries[i].
type Dataset struct {
	Vectors     [][]float32
	Queries     [][]float32
	GroundTruth [][]int32
}

const recallK = 10

// NewDataset computes exact ground truth for queries against vectors.
func NewDataset(vectors, queries [][]float32) Dataset {
	ds := Dataset{Vectors: vectors, Queries: queries, GroundTruth: make([][]int32, len(queries))}
	if len(vectors) == 0 {
		return ds
	}
	dim := len(vectors[0])
	data := flatten(vectors, dim)
	var wg sync.WaitGroup
	sem := make(chan struct{}, runtime.GOMAXPROCS(0))
	for i, q := range queries {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer func() { <-sem; wg.Done() }()
			res := scanAll(data, dim, q, recallK)
			ids := make([]int32, len(res))
			for j, r := range res {
				ids[j] = r.id
			}
			ds.GroundTruth[i] = ids
		}()
	}
	wg.Wait()
	return ds
}

// GenerateDataset draws gaussian vectors and queries with a fixed seed.
func GenerateDataset(n, nq, dim int, seed int64) Dataset {
	rng := rand.New(rand.NewSource(seed))
	draw := func(count int) [][]float32 {
		out := make([][]float32, count)
		for i := range out {
			v := make([]float32, dim)
			for d := range v {
				v[d] = float32(rng.NormFloat64())
			}
			out[i] = v
		}
		return out
	}
	vectors := draw(n)
	return NewDataset(vectors, draw(nq))
}

// TuningResult is one evaluated configuration.
type TuningResult struct {
	IndexType    IndexType `json:"index_type"`
	Parameters   Params    `json:"parameters"`
	QueryP99Ms   float64   `json:"query_p99_ms"`
	RecallAt10   float64   `json:"recall_at_10"`
	BuildTimeS   float64   `json:"build_time_s"`
	MemoryMB     float64   `json:"memory_mb"`
	MeetsTargets bool      `json:"meets_targets"`
}

func (r TuningResult) String() string {
	return fmt.Sprintf("%s - P99: %.2fms, Recall@10: %.3f, Memory: %.1fMB", r.IndexType, r.QueryP99Ms, r.RecallAt10, r.MemoryMB)
}

// Config returns an engine configuration for this result.
func (r TuningResult) Config(dim int) Config {
	return Config{Type: r.IndexType, Dimension: dim, Params: r.Parameters}
}

// Tuner grid-searches index hyperparameters against a Dataset.
type Tuner struct {
	cfg     TunerConfig
	results []TuningResult
	best    *TuningResult

	// efSearch only affects queries, so consecutive trials that differ in it
	// reuse the last build.
	built     annIndex
	builtKey  candidate
	builtTook time.Duration
}

func NewTuner(cfg TunerConfig) *Tuner {
	def := DefaultTunerConfig()
	if cfg.TargetP99 <= 0 {
		cfg.TargetP99 = def.TargetP99
	}
	if cfg.MinRecall <= 0 {
		cfg.MinRecall = def.MinRecall
	}
	if len(cfg.HNSWM) == 0 {
		cfg.HNSWM = def.HNSWM
	}
	if len(cfg.HNSWEfConstruction) == 0 {
		cfg.HNSWEfConstruction = def.HNSWEfConstruction
	}
	if len(cfg.HNSWEfSearch) == 0 {
		cfg.HNSWEfSearch = def.HNSWEfSearch
	}
	if len(cfg.OPQPQM) == 0 {
		cfg.OPQPQM = def.OPQPQM
	}
	if len(cfg.OPQCentroids) == 0 {
		cfg.OPQCentroids = def.OPQCentroids
	}
	if len(cfg.OPQHNSWM) == 0 {
		cfg.OPQHNSWM = def.OPQHNSWM
	}
	if cfg.Seed == 0 {
		cfg.Seed = def.Seed
	}
	return &Tuner{cfg: cfg}
}

type candidate struct {
	t IndexType
	p Params
}

func (t *Tuner) grid() []candidate {
	var out []candidate
	for _, m := range t.cfg.HNSWM {
		for _, efc := range t.cfg.HNSWEfConstruction {
			for _, efs := range t.cfg.HNSWEfSearch {
				out = append(out, candidate{IndexHNSW, Params{M: m, EfConstruction: efc, EfSearch: efs, Seed: t.cfg.Seed}})
			}
		}
	}
	if t.cfg.SkipOPQ {
		return out
	}
	efc, efs := t.cfg.HNSWEfConstruction[0], t.cfg.HNSWEfSearch[len(t.cfg.HNSWEfSearch)-1]
	for _, pqm := range t.cfg.OPQPQM {
		for _, k := range t.cfg.OPQCentroids {
			for _, m := range t.cfg.OPQHNSWM {
				out = append(out, candidate{IndexOPQHNSW, Params{PQM: pqm, PQCentroids: k, M: m, EfConstruction: efc, EfSearch: efs, Seed: t.cfg.Seed}})
			}
		}
	}
	return out
}

// Tune evaluates the grid in order and stops at the first configuration
// meeting both targets. Results come back ordered by P99 latency.
func (t *Tuner) Tune(ctx context.Context, ds Dataset) ([]TuningResult, error) {
	if len(ds.Vectors) == 0 || len(ds.Queries) == 0 {
		return nil, fmt.Errorf("tuning needs vectors and queries")
	}
	dim := len(ds.Vectors[0])
	t.results, t.best = nil, nil
	defer func() { t.built = nil }()
	log.Info().Int("vectors", len(ds.Vectors)).Int("queries", len(ds.Queries)).
		Dur("target_p99", t.cfg.TargetP99).Float64("min_recall", t.cfg.MinRecall).Msg("index tuning started")

	for _, c := range t.grid() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.t == IndexOPQHNSW && dim%c.p.PQM != 0 {
			continue
		}
		r, err := t.evaluate(c, dim, ds)
		if err != nil {
			log.Warn().Err(err).Str("index_type", string(c.t)).Msg("tuning trial failed")
			continue
		}
		log.Info().Str("result", r.String()).Msg("tuning trial complete")
		t.results = append(t.results, r)
		if r.MeetsTargets {
			best := r
			t.best = &best
			break
		}
	}
	sort.SliceStable(t.results, func(i, j int) bool { return t.results[i].QueryP99Ms < t.results[j].QueryP99Ms })
	if t.best == nil {
		log.Warn().Dur("target_p99", t.cfg.TargetP99).Float64("min_recall", t.cfg.MinRecall).
			Msg("tuning complete - no configuration met targets")
	} else {
		log.Info().Str("best", t.best.String()).Msg("tuning complete - found valid configuration")
	}
	return t.Results(), nil
}

func (t *Tuner) evaluate(c candidate, dim int, ds Dataset) (TuningResult, error) {
	key := c
	key.p.EfSearch = 0
	if t.built == nil || t.builtKey != key {
		idx, err := newIndex(c.t, dim, c.p)
		if err != nil {
			return TuningResult{}, err
		}
		start := time.Now()
		if err := idx.train(ds.Vectors); err != nil {
			return TuningResult{}, err
		}
		if err := idx.add(ds.Vectors); err != nil {
			return TuningResult{}, err
		}
		t.built, t.builtKey, t.builtTook = idx, key, time.Since(start)
	}
	idx := t.built
	setEfSearch(idx, c.p.withDefaults().EfSearch)

	lat := make([]time.Duration, len(ds.Queries))
	var hits int
	for i, q := range ds.Queries {
		qs := time.Now()
		res := idx.search(q, recallK)
		lat[i] = time.Since(qs)
		hits += overlap(res, ds.GroundTruth[i])
	}
	r := TuningResult{
		IndexType:  c.t,
		Parameters: c.p.withDefaults(),
		QueryP99Ms: percentileMs(lat, 99),
		RecallAt10: float64(hits) / float64(recallK*len(ds.Queries)),
		BuildTimeS: t.builtTook.Seconds(),
		MemoryMB:   float64(idx.memoryBytes()) / (1024 * 1024),
	}
	r.MeetsTargets = r.QueryP99Ms <= ms(t.cfg.TargetP99) && r.RecallAt10 >= t.cfg.MinRecall
	return r, nil
}

func setEfSearch(idx annIndex, ef int) {
	switch x := idx.(type) {
	case *hnswIndex:
		x.Graph.EfSearch = ef
	case *opqIndex:
		x.Graph.EfSearch = ef
	}
}

func overlap(res []neighbor, truth []int32) int {
	n := 0
	for _, r := range res {
		for _, g := range truth {
			if r.id == g {
				n++
				break
			}
		}
	}
	return n
}

// Results returns the evaluated configurations ordered by P99 latency.
func (t *Tuner) Results() []TuningResult {
	return append([]TuningResult(nil), t.results...)
}

// Best returns the lowest-latency configuration meeting both targets.
func (t *Tuner) Best() (TuningResult, bool) {
	if t.best != nil {
		return *t.best, true
	}
	for _, r := range t.results {
		if r.MeetsTargets {
			return r, true
		}
	}
	return TuningResult{}, false
}

// SaveResults writes the results grouped by index type as JSON.
func (t *Tuner) SaveResults(path string) error {
	grouped := map[IndexType][]TuningResult{}
	for _, r := range t.results {
		grouped[r.IndexType] = append(grouped[r.IndexType], r)
	}
	return writeAtomic(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(grouped)
	})
}
