package vectorsearch

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDim = 16

// clustered draws n vectors around a handful of centers so every index
// variant has structure to exploit.
func clustered(n, dim int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	centers := make([][]float32, 8)
	for i := range centers {
		c := make([]float32, dim)
		for d := range c {
			c[d] = float32(rng.NormFloat64() * 4)
		}
		centers[i] = c
	}
	out := make([][]float32, n)
	for i := range out {
		c := centers[rng.Intn(len(centers))]
		v := make([]float32, dim)
		for d := range v {
			v[d] = c[d] + float32(rng.NormFloat64())
		}
		out[i] = v
	}
	return out
}

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("alert-%d", i)
	}
	return out
}

func testParams() Params {
	return Params{NList: 16, NProbe: 4, M: 16, EfConstruction: 100, EfSearch: 64, PQM: 4, PQCentroids: 32, LSHTables: 8, LSHBits: 8}
}

func newTestEngine(t *testing.T, typ IndexType, vecs [][]float32) *Engine {
	t.Helper()
	e, err := NewEngine(Config{Type: typ, Dimension: testDim, Params: testParams()})
	require.NoError(t, err)
	require.NoError(t, e.Add(vecs, ids(len(vecs)), nil))
	return e
}

func TestEngine_ExactIndexesFindStoredVector(t *testing.T) {
	vecs := clustered(500, testDim, 1)
	for _, typ := range []IndexType{IndexFlat, IndexIVF, IndexLSH, IndexHNSW} {
		t.Run(string(typ), func(t *testing.T) {
			e := newTestEngine(t, typ, vecs)
			for i := 0; i < 20; i++ {
				res, err := e.Search(vecs[i], 5, 0)
				require.NoError(t, err)
				require.NotEmpty(t, res)
				assert.Equal(t, fmt.Sprintf("alert-%d", i), res[0].AlertID)
				assert.InDelta(t, 1.0, res[0].Score, 1e-6, "similarity(a,a) must be 1")
				for j := 1; j < len(res); j++ {
					assert.GreaterOrEqual(t, res[j-1].Score, res[j].Score)
				}
			}
		})
	}
}

func TestEngine_OPQFindsStoredVectorInTopK(t *testing.T) {
	vecs := clustered(500, testDim, 2)
	e := newTestEngine(t, IndexOPQHNSW, vecs)
	found := 0
	for i := 0; i < 50; i++ {
		res, err := e.Search(vecs[i], 10, 0)
		require.NoError(t, err)
		for _, r := range res {
			if r.AlertID == fmt.Sprintf("alert-%d", i) {
				found++
				break
			}
		}
	}
	assert.GreaterOrEqual(t, found, 40)
	assert.Less(t, e.Stats().MemoryBytes, newTestEngine(t, IndexHNSW, vecs).Stats().MemoryBytes)
}

func TestEngine_ShapeErrors(t *testing.T) {
	e, err := NewEngine(Config{Type: IndexFlat, Dimension: testDim})
	require.NoError(t, err)

	err = e.Add([][]float32{make([]float32, testDim)}, []string{"a", "b"}, nil)
	require.ErrorIs(t, err, ErrLengthMismatch)

	err = e.Add([][]float32{make([]float32, testDim)}, []string{"a"}, []map[string]any{{}, {}})
	require.ErrorIs(t, err, ErrLengthMismatch)

	err = e.Add([][]float32{make([]float32, 3)}, []string{"a"}, nil)
	var de *DimensionError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, testDim, de.Expected)
	assert.Equal(t, 3, de.Actual)

	_, err = e.Search(make([]float32, testDim+1), 3, 0)
	require.ErrorAs(t, err, &de)
	assert.Equal(t, testDim+1, de.Actual)
	assert.Zero(t, e.Stats().TotalVectors, "rejected batches must not be partially applied")
}

func TestEngine_ThresholdFiltersResults(t *testing.T) {
	vecs := clustered(100, testDim, 3)
	e := newTestEngine(t, IndexFlat, vecs)
	res, err := e.Search(vecs[0], 10, 0.99)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "alert-0", res[0].AlertID)
}

func TestEngine_SoftDeleteAndCompact(t *testing.T) {
	vecs := clustered(200, testDim, 4)
	for _, typ := range []IndexType{IndexFlat, IndexIVF, IndexLSH, IndexHNSW, IndexOPQHNSW} {
		t.Run(string(typ), func(t *testing.T) {
			e := newTestEngine(t, typ, vecs)
			assert.Equal(t, 2, e.Remove([]string{"alert-0", "alert-1", "missing"}))
			assert.Zero(t, e.Remove([]string{"alert-0"}), "already removed")

			res, err := e.Search(vecs[0], 5, 0)
			require.NoError(t, err)
			require.Len(t, res, 5)
			for _, r := range res {
				assert.NotEqual(t, "alert-0", r.AlertID)
				assert.NotEqual(t, "alert-1", r.AlertID)
			}

			st := e.Stats()
			assert.Equal(t, 200, st.TotalVectors)
			assert.Equal(t, 198, st.LiveVectors)

			dropped, err := e.Compact()
			require.NoError(t, err)
			assert.Equal(t, 2, dropped)
			st = e.Stats()
			assert.Equal(t, 198, st.TotalVectors)
			assert.Equal(t, 198, st.LiveVectors)

			res, err = e.Search(vecs[5], 1, 0)
			require.NoError(t, err)
			require.Len(t, res, 1)
			if typ != IndexOPQHNSW {
				assert.Equal(t, "alert-5", res[0].AlertID)
			}
		})
	}
}

func TestEngine_ReAddSupersedes(t *testing.T) {
	vecs := clustered(50, testDim, 5)
	e := newTestEngine(t, IndexFlat, vecs)
	require.NoError(t, e.Add([][]float32{vecs[10]}, []string{"alert-0"}, []map[string]any{{"service": "api"}}))

	res, err := e.Search(vecs[10], 3, 0)
	require.NoError(t, err)
	seen := map[string]int{}
	for _, r := range res {
		seen[r.AlertID]++
	}
	assert.Equal(t, 1, seen["alert-0"])
	assert.Equal(t, 1, seen["alert-10"])
	st := e.Stats()
	assert.Equal(t, 51, st.TotalVectors)
	assert.Equal(t, 50, st.LiveVectors)

	res, err = e.Search(vecs[0], 1, 0)
	require.NoError(t, err)
	assert.NotEqual(t, "alert-0", res[0].AlertID, "old position of a re-added id is dead")
}

func TestEngine_BatchSearch(t *testing.T) {
	vecs := clustered(300, testDim, 6)
	e := newTestEngine(t, IndexHNSW, vecs)
	out, err := e.BatchSearch(context.Background(), vecs[:32], 3, 0)
	require.NoError(t, err)
	require.Len(t, out, 32)
	for i, res := range out {
		require.NotEmpty(t, res)
		assert.Equal(t, fmt.Sprintf("alert-%d", i), res[0].AlertID)
	}

	bad := append([][]float32{}, vecs[:3]...)
	bad = append(bad, make([]float32, 2))
	_, err = e.BatchSearch(context.Background(), bad, 3, 0)
	var de *DimensionError
	assert.ErrorAs(t, err, &de)
}

func TestEngine_StatsRecordsLatency(t *testing.T) {
	vecs := clustered(50, testDim, 7)
	e := newTestEngine(t, IndexFlat, vecs)
	for i := 0; i < 10; i++ {
		_, err := e.Search(vecs[i], 3, 0)
		require.NoError(t, err)
	}
	st := e.Stats()
	assert.Equal(t, 10, st.RecordedQueries)
	assert.GreaterOrEqual(t, st.P99QueryTimeMs, 0.0)
	assert.True(t, st.Trained)
	assert.Equal(t, IndexFlat, st.IndexType)
}

func TestParseIndexType(t *testing.T) {
	for in, want := range map[string]IndexType{"flat": IndexFlat, "IVF": IndexIVF, "lsh": IndexLSH, "hnsw": IndexHNSW, "opq_hnsw": IndexOPQHNSW, "OPQ+HNSW": IndexOPQHNSW} {
		got, err := ParseIndexType(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseIndexType("annoy")
	assert.Error(t, err)

	_, err = NewEngine(Config{Type: IndexOPQHNSW, Dimension: 10, Params: Params{PQM: 4}})
	assert.Error(t, err, "dimension must divide into sub-quantizers")
}

func TestEngine_StagesSingleInsertsUntilTrainable(t *testing.T) {
	vecs := clustered(500, testDim, 12)
	for _, typ := range []IndexType{IndexIVF, IndexOPQHNSW} {
		t.Run(string(typ), func(t *testing.T) {
			e, err := NewEngine(Config{Type: typ, Dimension: testDim, Params: testParams()})
			require.NoError(t, err)
			for i, v := range vecs {
				require.NoError(t, e.Add([][]float32{v}, []string{fmt.Sprintf("alert-%d", i)}, nil))
				if i == 4 {
					st := e.Stats()
					assert.False(t, st.Trained)
					assert.Equal(t, 5, st.StagedVectors)
					res, err := e.Search(vecs[2], 1, 0)
					require.NoError(t, err)
					require.Len(t, res, 1)
					assert.Equal(t, "alert-2", res[0].AlertID, "staged vectors are searched exactly")
				}
			}

			st := e.Stats()
			assert.True(t, st.Trained)
			assert.Zero(t, st.StagedVectors)
			assert.Equal(t, 500, st.TotalVectors)
			if typ == IndexIVF {
				assert.Equal(t, 16, st.Params.NList, "cells must not shrink to the first batch size")
				for i := 0; i < 50; i++ {
					res, err := e.Search(vecs[i], 5, 0)
					require.NoError(t, err)
					require.NotEmpty(t, res)
					assert.Equal(t, fmt.Sprintf("alert-%d", i), res[0].AlertID)
				}
			} else {
				assert.Equal(t, 32, st.Params.PQCentroids, "codebooks must not shrink to the first batch size")
				res, err := e.Search(vecs[0], 10, 0)
				require.NoError(t, err)
				assert.Len(t, res, 10)
			}
		})
	}
}

func TestEngine_TrainRequiresMinimumSet(t *testing.T) {
	vecs := clustered(40, testDim, 13)
	e, err := NewEngine(Config{Type: IndexIVF, Dimension: testDim, Params: testParams()})
	require.NoError(t, err)
	require.NoError(t, e.Add(vecs[:3], ids(3), nil))

	err = e.Train(vecs[:8])
	require.ErrorIs(t, err, ErrNotTrained)
	assert.False(t, e.Stats().Trained)

	require.NoError(t, e.Train(vecs))
	st := e.Stats()
	assert.True(t, st.Trained)
	assert.Equal(t, 3, st.TotalVectors, "staged vectors move into the trained index")
	assert.Equal(t, 16, st.Params.NList)
	res, err := e.Search(vecs[1], 1, 0)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "alert-1", res[0].AlertID)
}

func TestEngine_CompactWhileStaged(t *testing.T) {
	vecs := clustered(10, testDim, 14)
	e := newTestEngine(t, IndexIVF, vecs)
	require.Equal(t, 1, e.Remove([]string{"alert-3"}))
	dropped, err := e.Compact()
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)
	st := e.Stats()
	assert.False(t, st.Trained)
	assert.Equal(t, 9, st.StagedVectors)

	res, err := e.Search(vecs[4], 1, 0)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "alert-4", res[0].AlertID)
}
