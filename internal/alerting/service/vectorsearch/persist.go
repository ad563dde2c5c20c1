package vectorsearch

import (
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

const formatVersion = 1

// indexFile is the gob payload of {path}.index. Exactly one variant is set.
// Staged holds the vectors of an index that has not been trained yet.
type indexFile struct {
	Version int
	Type    IndexType
	Dim     int
	Flat    *flatIndex
	IVF     *ivfIndex
	LSH     *lshIndex
	HNSW    *hnswIndex
	OPQ     *opqIndex
	Staged  *flatIndex
}

// metaFile is the JSON sidecar at {path}.meta.
type metaFile struct {
	Version   int                       `json:"version"`
	IndexType IndexType                 `json:"index_type"`
	Dimension int                       `json:"dimension"`
	Params    Params                    `json:"params"`
	IDMap     []string                  `json:"id_map"`
	Metadata  map[string]map[string]any `json:"metadata"`
}

// Save writes {path}.index and {path}.meta. Each file is written to a
// temporary name and renamed, and the sidecar is written last.
func (e *Engine) Save(path string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	f := indexFile{Version: formatVersion, Type: e.cfg.Type, Dim: e.cfg.Dimension}
	switch x := e.index.(type) {
	case *flatIndex:
		f.Flat = x
	case *ivfIndex:
		f.IVF = x
	case *lshIndex:
		f.LSH = x
	case *hnswIndex:
		f.HNSW = x
	case *opqIndex:
		f.OPQ = x
	default:
		return fmt.Errorf("unsupported index %T", e.index)
	}
	f.Staged = e.stage
	if err := writeAtomic(path+".index", func(w io.Writer) error {
		return gob.NewEncoder(w).Encode(&f)
	}); err != nil {
		return fmt.Errorf("save index: %w", err)
	}

	m := metaFile{
		Version:   formatVersion,
		IndexType: e.cfg.Type,
		Dimension: e.cfg.Dimension,
		Params:    e.cfg.Params,
		IDMap:     e.ids,
		Metadata:  e.metadata,
	}
	if err := writeAtomic(path+".meta", func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(&m)
	}); err != nil {
		return fmt.Errorf("save index metadata: %w", err)
	}
	log.Info().Str("path", path).Int("vectors", len(e.ids)).Msg("index saved")
	return nil
}

// Open loads a saved engine from {path}.index and {path}.meta.
func Open(path string) (*Engine, error) {
	var m metaFile
	if err := readFile(path+".meta", func(r io.Reader) error { return json.NewDecoder(r).Decode(&m) }); err != nil {
		return nil, err
	}
	e, err := NewEngine(Config{Type: m.IndexType, Dimension: m.Dimension, Params: m.Params})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptIndex, err)
	}
	if err := e.load(path, &m); err != nil {
		return nil, err
	}
	return e, nil
}

// Load replaces the engine's contents with a saved index. The saved index
// must have the engine's dimension; its type and parameters are adopted.
func (e *Engine) Load(path string) error {
	var m metaFile
	if err := readFile(path+".meta", func(r io.Reader) error { return json.NewDecoder(r).Decode(&m) }); err != nil {
		return err
	}
	if m.Dimension != e.cfg.Dimension {
		return &DimensionError{Expected: e.cfg.Dimension, Actual: m.Dimension}
	}
	return e.load(path, &m)
}

func (e *Engine) load(path string, m *metaFile) error {
	var f indexFile
	if err := readFile(path+".index", func(r io.Reader) error { return gob.NewDecoder(r).Decode(&f) }); err != nil {
		return err
	}
	if f.Version != m.Version || f.Type != m.IndexType || f.Dim != m.Dimension {
		return fmt.Errorf("%w: index and sidecar disagree (%s/%d vs %s/%d)", ErrCorruptIndex, f.Type, f.Dim, m.IndexType, m.Dimension)
	}
	var idx annIndex
	switch {
	case f.Flat != nil:
		idx = f.Flat
	case f.IVF != nil:
		idx = f.IVF
	case f.LSH != nil:
		idx = f.LSH
	case f.HNSW != nil:
		if f.HNSW.Graph == nil {
			return fmt.Errorf("%w: hnsw graph missing", ErrCorruptIndex)
		}
		idx = f.HNSW
	case f.OPQ != nil:
		if f.OPQ.Graph == nil {
			return fmt.Errorf("%w: hnsw graph missing", ErrCorruptIndex)
		}
		idx = f.OPQ
	default:
		// An empty flat index encodes without data; rebuild it from the header.
		fresh, err := newIndex(f.Type, f.Dim, m.Params)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptIndex, err)
		}
		idx = fresh
	}
	var stage *flatIndex
	if !idx.trained() {
		stage = f.Staged
		if stage == nil {
			stage = newFlatIndex(f.Dim)
		}
	}
	held := idx.size()
	if stage != nil {
		held = stage.size()
	}
	if held != len(m.IDMap) {
		return fmt.Errorf("%w: index holds %d vectors, id map %d", ErrCorruptIndex, held, len(m.IDMap))
	}

	latest := make(map[string]int32, len(m.IDMap))
	for pos, id := range m.IDMap {
		latest[id] = int32(pos)
	}
	metadata := m.Metadata
	if metadata == nil {
		metadata = map[string]map[string]any{}
	}
	for id := range latest {
		if metadata[id] == nil {
			metadata[id] = map[string]any{}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = Config{Type: m.IndexType, Dimension: m.Dimension, Params: m.Params.withDefaults()}
	e.index, e.stage, e.ids, e.latest, e.metadata = idx, stage, m.IDMap, latest, metadata
	e.dead = 0
	for pos := range e.ids {
		if !e.live(int32(pos)) {
			e.dead++
		}
	}
	e.publishSize()
	log.Info().Str("path", path).Int("vectors", len(e.ids)).Str("index_type", string(m.IndexType)).Msg("index loaded")
	return nil
}

func readFile(name string, decode func(io.Reader) error) error {
	fh, err := os.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s is missing", ErrCorruptIndex, name)
		}
		return err
	}
	defer fh.Close()
	if err := decode(fh); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrCorruptIndex, name, err)
	}
	return nil
}

func writeAtomic(name string, encode func(io.Writer) error) error {
	dir := filepath.Dir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(name)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := encode(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), name)
}
