package vectorsearch

import (
	"errors"
	"fmt"
	"strings"
)

// IndexType selects the ANN strategy at construction time.
type IndexType string

const (
	IndexFlat    IndexType = "Flat"
	IndexIVF     IndexType = "IVF"
	IndexLSH     IndexType = "LSH"
	IndexHNSW    IndexType = "HNSW"
	IndexOPQHNSW IndexType = "OPQ+HNSW"
)

// ParseIndexType accepts the canonical names case-insensitively, plus
// "opq_hnsw" for OPQ+HNSW.
func ParseIndexType(s string) (IndexType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "flat":
		return IndexFlat, nil
	case "ivf":
		return IndexIVF, nil
	case "lsh":
		return IndexLSH, nil
	case "hnsw":
		return IndexHNSW, nil
	case "opq+hnsw", "opq_hnsw", "opqhnsw":
		return IndexOPQHNSW, nil
	}
	return "", fmt.Errorf("unknown index type %q", s)
}

var (
	// ErrLengthMismatch is returned when embeddings, ids and metadata batches differ in length.
	ErrLengthMismatch = errors.New("embeddings and ids must have the same length")
	// ErrNotTrained is returned when an index that needs training is used before it.
	ErrNotTrained = errors.New("index is not trained")
	// ErrCorruptIndex is returned when persisted artifacts are missing or inconsistent.
	ErrCorruptIndex = errors.New("corrupt index artifacts")
)

// DimensionError reports a vector whose length does not match the index.
type DimensionError struct {
	Expected int
	Actual   int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("expected dimension %d, got %d", e.Expected, e.Actual)
}

// Params holds the hyperparameters of every index variant; each variant reads
// only its own fields.
type Params struct {
	NList  int `json:"nlist,omitempty"`
	NProbe int `json:"nprobe,omitempty"`

	LSHTables int `json:"lsh_tables,omitempty"`
	LSHBits   int `json:"lsh_bits,omitempty"`

	M              int `json:"m,omitempty"`
	EfConstruction int `json:"ef_construction,omitempty"`
	EfSearch       int `json:"ef_search,omitempty"`

	PQM         int `json:"pq_m,omitempty"`
	PQCentroids int `json:"pq_centroids,omitempty"`

	Seed int64 `json:"seed,omitempty"`
}

func (p Params) withDefaults() Params {
	if p.NList <= 0 {
		p.NList = 100
	}
	if p.NProbe <= 0 {
		p.NProbe = 10
	}
	if p.LSHTables <= 0 {
		p.LSHTables = 8
	}
	if p.LSHBits <= 0 {
		p.LSHBits = 12
	}
	if p.M <= 0 {
		p.M = 32
	}
	if p.EfConstruction <= 0 {
		p.EfConstruction = 40
	}
	if p.EfSearch <= 0 {
		p.EfSearch = 16
	}
	if p.PQM <= 0 {
		p.PQM = 8
	}
	if p.PQCentroids <= 0 {
		p.PQCentroids = 64
	}
	if p.Seed == 0 {
		p.Seed = 42
	}
	return p
}

// annIndex is implemented by every strategy. Positions are assigned densely
// in insertion order starting at 0; distances are squared L2 (approximate for
// quantized variants).
type annIndex interface {
	train(vecs [][]float32) error
	trained() bool
	add(vecs [][]float32) error
	search(q []float32, k int) []neighbor
	size() int
	// rebuild returns a new index holding only the given positions, in order.
	rebuild(keep []int32) (annIndex, error)
	memoryBytes() int64
}

// trainable is implemented by strategies that learn a quantizer before they
// can hold vectors. The engine stages inserts in an exact index until
// minTrainingSize vectors have arrived.
type trainable interface {
	minTrainingSize() int
	// effective overlays the learned sizes on the configured parameters.
	effective(p Params) Params
}

func newIndex(t IndexType, dim int, p Params) (annIndex, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("invalid dimension %d", dim)
	}
	p = p.withDefaults()
	switch t {
	case IndexFlat:
		return newFlatIndex(dim), nil
	case IndexIVF:
		return newIVFIndex(dim, p), nil
	case IndexLSH:
		return newLSHIndex(dim, p), nil
	case IndexHNSW:
		return newHNSWIndex(dim, p), nil
	case IndexOPQHNSW:
		if dim%p.PQM != 0 {
			return nil, fmt.Errorf("dimension %d is not divisible by pq_m %d", dim, p.PQM)
		}
		if p.PQCentroids > 256 {
			return nil, fmt.Errorf("pq_centroids %d exceeds 256", p.PQCentroids)
		}
		return newOPQIndex(dim, p), nil
	}
	return nil, fmt.Errorf("unknown index type %q", t)
}

// rowOf returns the stored row for position i without copying.
func rowOf(data []float32, dim int, i int32) []float32 {
	off := int(i) * dim
	return data[off : off+dim]
}
