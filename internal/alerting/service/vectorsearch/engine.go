package vectorsearch

import (
	"context"
	"fmt"
	"maps"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/qiniu/alertiq/internal/metrics"
)

// deletedKey marks a tombstoned entry in its metadata.
const deletedKey = "deleted"

// Config selects the index strategy and its hyperparameters.
type Config struct {
	Type      IndexType `json:"index_type"`
	Dimension int       `json:"dimension"`
	Params    Params    `json:"params"`
}

// Result is one search hit.
type Result struct {
	AlertID  string         `json:"alert_id"`
	Score    float32        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Engine wraps an ANN index with alert-id bookkeeping. Searches run
// concurrently under a read lock; inserts, removals, compaction and
// persistence take the write lock.
type Engine struct {
	mu       sync.RWMutex
	cfg      Config
	index    annIndex
	stage    *flatIndex       // exact holding area while index awaits training
	ids      []string         // position -> alert id
	latest   map[string]int32 // alert id -> current position
	metadata map[string]map[string]any
	dead     int // positions that are tombstoned or superseded

	buildTimes []time.Duration
	queries    *latencyWindow
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Type == "" {
		cfg.Type = IndexHNSW
	}
	cfg.Params = cfg.Params.withDefaults()
	idx, err := newIndex(cfg.Type, cfg.Dimension, cfg.Params)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:      cfg,
		index:    idx,
		latest:   map[string]int32{},
		metadata: map[string]map[string]any{},
		queries:  newLatencyWindow(1024),
	}
	if !idx.trained() {
		e.stage = newFlatIndex(cfg.Dimension)
	}
	return e, nil
}

// active is the structure currently holding positions: the staging area
// until the index is trained, the index afterwards.
func (e *Engine) active() annIndex {
	if e.stage != nil {
		return e.stage
	}
	return e.index
}

func (e *Engine) Dimension() int  { return e.cfg.Dimension }
func (e *Engine) Type() IndexType { return e.cfg.Type }

// Config returns the effective configuration including defaulted parameters.
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) checkDim(v []float32) error {
	if len(v) != e.cfg.Dimension {
		return &DimensionError{Expected: e.cfg.Dimension, Actual: len(v)}
	}
	return nil
}

// Train fits IVF centroids or the OPQ quantizer on vecs and moves any staged
// vectors into the index. Other strategies, and an index that is already
// trained, ignore it. vecs must hold at least the index's minimum training
// size.
func (e *Engine) Train(vecs [][]float32) error {
	for _, v := range vecs {
		if err := e.checkDim(v); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stage == nil {
		return nil
	}
	return e.train(vecs)
}

// train fits the index and drains the staging area into it. Callers hold
// the write lock.
func (e *Engine) train(vecs [][]float32) error {
	start := time.Now()
	if err := e.index.train(vecs); err != nil {
		return fmt.Errorf("train %s index: %w", e.cfg.Type, err)
	}
	staged := make([][]float32, e.stage.size())
	for i := range staged {
		staged[i] = rowOf(e.stage.Data, e.stage.Dim, int32(i))
	}
	if err := e.index.add(staged); err != nil {
		return err
	}
	e.stage = nil
	log.Info().Str("index_type", string(e.cfg.Type)).Int("training_vectors", len(vecs)).
		Int("moved", len(staged)).Dur("took", time.Since(start)).Msg("index trained")
	return nil
}

// maybeTrain trains the index on the staged vectors once there are enough of
// them. Callers hold the write lock.
func (e *Engine) maybeTrain() error {
	if e.stage == nil {
		return nil
	}
	t, ok := e.index.(trainable)
	if !ok || e.stage.size() < t.minTrainingSize() {
		return nil
	}
	live := make([][]float32, 0, e.stage.size())
	for pos := range e.ids {
		if e.live(int32(pos)) {
			live = append(live, rowOf(e.stage.Data, e.stage.Dim, int32(pos)))
		}
	}
	if len(live) < t.minTrainingSize() {
		return nil
	}
	return e.train(live)
}

// Add inserts embeddings for the given alert ids. An index that needs
// training keeps inserts in an exact staging area and trains on them once
// its minimum training size is reached. Re-adding an id supersedes its
// previous entry and replaces its metadata.
func (e *Engine) Add(embeddings [][]float32, alertIDs []string, metadata []map[string]any) error {
	if len(embeddings) != len(alertIDs) {
		return fmt.Errorf("%w: %d embeddings, %d ids", ErrLengthMismatch, len(embeddings), len(alertIDs))
	}
	if metadata != nil && len(metadata) != len(alertIDs) {
		return fmt.Errorf("%w: %d metadata entries, %d ids", ErrLengthMismatch, len(metadata), len(alertIDs))
	}
	for _, v := range embeddings {
		if err := e.checkDim(v); err != nil {
			return err
		}
	}
	if len(embeddings) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	idx := e.active()
	base := int32(idx.size())
	if err := idx.add(embeddings); err != nil {
		return err
	}
	for i, id := range alertIDs {
		if _, ok := e.latest[id]; ok && !isDeleted(e.metadata[id]) {
			e.dead++
		}
		e.latest[id] = base + int32(i)
		e.ids = append(e.ids, id)
		md := map[string]any{}
		if metadata != nil && metadata[i] != nil {
			md = maps.Clone(metadata[i])
		}
		delete(md, deletedKey)
		e.metadata[id] = md
	}
	e.buildTimes = append(e.buildTimes, time.Since(start))
	if len(e.buildTimes) > 256 {
		e.buildTimes = e.buildTimes[1:]
	}
	e.publishSize()
	return e.maybeTrain()
}

// live reports whether position pos is the current, non-deleted entry of its id.
func (e *Engine) live(pos int32) bool {
	id := e.ids[pos]
	if e.latest[id] != pos {
		return false
	}
	return !isDeleted(e.metadata[id])
}

func isDeleted(md map[string]any) bool {
	v, _ := md[deletedKey].(bool)
	return v
}

// Search returns up to k live entries with score >= threshold ordered by
// descending score, where score = 1/(1+squared L2 distance).
func (e *Engine) Search(query []float32, k int, threshold float32) ([]Result, error) {
	if err := e.checkDim(query); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	start := time.Now()

	e.mu.RLock()
	idx := e.active()
	n := idx.size()
	// Over-fetch by the number of dead positions so k live ones survive.
	fetch := min(n, k+e.dead)
	hits := idx.search(query, fetch)
	out := make([]Result, 0, min(k, len(hits)))
	for _, h := range hits {
		if len(out) == k {
			break
		}
		if !e.live(h.id) {
			continue
		}
		score := 1 / (1 + h.dist)
		if score < threshold {
			// Hits are ascending by distance; the rest score lower.
			break
		}
		id := e.ids[h.id]
		out = append(out, Result{AlertID: id, Score: score, Metadata: maps.Clone(e.metadata[id])})
	}
	e.mu.RUnlock()

	took := time.Since(start)
	e.queries.observe(took)
	metrics.ANNQueryDuration.WithLabelValues(string(e.cfg.Type)).Observe(took.Seconds())
	return out, nil
}

// BatchSearch runs Search for every query in parallel. The first error
// cancels the remaining queries.
func (e *Engine) BatchSearch(ctx context.Context, queries [][]float32, k int, threshold float32) ([][]Result, error) {
	out := make([][]Result, len(queries))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, q := range queries {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := e.Search(q, k, threshold)
			if err != nil {
				return fmt.Errorf("query %d: %w", i, err)
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Remove tombstones the given alert ids and returns how many were live.
// The index keeps their vectors until Compact.
func (e *Engine) Remove(alertIDs []string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for _, id := range alertIDs {
		md, ok := e.metadata[id]
		if !ok || isDeleted(md) {
			continue
		}
		md[deletedKey] = true
		e.dead++
		removed++
	}
	e.publishSize()
	return removed
}

// Compact rebuilds the index from live entries, dropping tombstones and
// superseded positions.
func (e *Engine) Compact() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead == 0 {
		return 0, nil
	}
	start := time.Now()
	keep := make([]int32, 0, len(e.ids)-e.dead)
	for pos := range e.ids {
		if e.live(int32(pos)) {
			keep = append(keep, int32(pos))
		}
	}
	idx, err := e.active().rebuild(keep)
	if err != nil {
		return 0, fmt.Errorf("rebuild %s index: %w", e.cfg.Type, err)
	}
	ids := make([]string, len(keep))
	latest := make(map[string]int32, len(keep))
	metadata := make(map[string]map[string]any, len(keep))
	for i, pos := range keep {
		id := e.ids[pos]
		ids[i] = id
		latest[id] = int32(i)
		metadata[id] = e.metadata[id]
	}
	dropped := len(e.ids) - len(keep)
	if e.stage != nil {
		e.stage = idx.(*flatIndex)
	} else {
		e.index = idx
	}
	e.ids, e.latest, e.metadata, e.dead = ids, latest, metadata, 0
	e.publishSize()
	log.Info().Int("dropped", dropped).Int("live", len(keep)).Dur("took", time.Since(start)).Msg("index compacted")
	return dropped, nil
}

func (e *Engine) publishSize() {
	metrics.ANNIndexSize.WithLabelValues("total").Set(float64(len(e.ids)))
	metrics.ANNIndexSize.WithLabelValues("live").Set(float64(len(e.ids) - e.dead))
}

// Stats summarizes the index.
type Stats struct {
	TotalVectors    int       `json:"total_vectors"`
	LiveVectors     int       `json:"live_vectors"`
	Dimension       int       `json:"dimension"`
	IndexType       IndexType `json:"index_type"`
	Params          Params    `json:"params"`
	Trained         bool      `json:"is_trained"`
	StagedVectors   int       `json:"staged_vectors"`
	MemoryBytes     int64     `json:"memory_bytes"`
	AvgBuildTimeMs  float64   `json:"avg_build_time_ms"`
	AvgQueryTimeMs  float64   `json:"avg_query_time_ms"`
	P99QueryTimeMs  float64   `json:"p99_query_time_ms"`
	RecordedQueries int       `json:"total_queries"`
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	s := Stats{
		TotalVectors: len(e.ids),
		LiveVectors:  len(e.ids) - e.dead,
		Dimension:    e.cfg.Dimension,
		IndexType:    e.cfg.Type,
		Params:       e.cfg.Params,
		Trained:      e.stage == nil,
		MemoryBytes:  e.index.memoryBytes(),
	}
	if t, ok := e.index.(trainable); ok {
		s.Params = t.effective(s.Params)
	}
	if e.stage != nil {
		s.StagedVectors = e.stage.size()
		s.MemoryBytes += e.stage.memoryBytes()
	}
	if len(e.buildTimes) > 0 {
		var total time.Duration
		for _, d := range e.buildTimes {
			total += d
		}
		s.AvgBuildTimeMs = ms(total) / float64(len(e.buildTimes))
	}
	e.mu.RUnlock()
	s.AvgQueryTimeMs, s.P99QueryTimeMs, s.RecordedQueries = e.queries.summary()
	return s
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

// latencyWindow keeps the most recent query latencies.
type latencyWindow struct {
	mu   sync.Mutex
	buf  []time.Duration
	next int
	full bool
}

func newLatencyWindow(n int) *latencyWindow { return &latencyWindow{buf: make([]time.Duration, n)} }

func (w *latencyWindow) observe(d time.Duration) {
	w.mu.Lock()
	w.buf[w.next] = d
	w.next++
	if w.next == len(w.buf) {
		w.next, w.full = 0, true
	}
	w.mu.Unlock()
}

func (w *latencyWindow) summary() (avgMs, p99Ms float64, n int) {
	w.mu.Lock()
	n = w.next
	if w.full {
		n = len(w.buf)
	}
	sample := append([]time.Duration(nil), w.buf[:n]...)
	w.mu.Unlock()
	if n == 0 {
		return 0, 0, 0
	}
	return meanMs(sample), percentileMs(sample, 99), n
}

func meanMs(ds []time.Duration) float64 {
	var total time.Duration
	for _, d := range ds {
		total += d
	}
	return ms(total) / float64(len(ds))
}

// percentileMs uses linear interpolation between closest ranks. It sorts ds.
func percentileMs(ds []time.Duration, p float64) float64 {
	if len(ds) == 0 {
		return 0
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
	rank := p / 100 * float64(len(ds)-1)
	lo := int(rank)
	if lo >= len(ds)-1 {
		return ms(ds[len(ds)-1])
	}
	frac := rank - float64(lo)
	return ms(ds[lo]) + frac*(ms(ds[lo+1])-ms(ds[lo]))
}
