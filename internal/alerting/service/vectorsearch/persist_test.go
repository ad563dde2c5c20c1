package vectorsearch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersist_RoundTrip(t *testing.T) {
	vecs := clustered(300, testDim, 11)
	for _, typ := range []IndexType{IndexFlat, IndexIVF, IndexLSH, IndexHNSW, IndexOPQHNSW} {
		t.Run(string(typ), func(t *testing.T) {
			e := newTestEngine(t, typ, vecs)
			require.NoError(t, e.Add([][]float32{vecs[3]}, []string{"extra"}, []map[string]any{{"service": "billing"}}))
			e.Remove([]string{"alert-7"})

			path := filepath.Join(t.TempDir(), "idx", "alerts")
			require.NoError(t, e.Save(path))
			assert.FileExists(t, path+".index")
			assert.FileExists(t, path+".meta")

			loaded, err := Open(path)
			require.NoError(t, err)
			assert.Equal(t, e.Stats().TotalVectors, loaded.Stats().TotalVectors)
			assert.Equal(t, e.Stats().LiveVectors, loaded.Stats().LiveVectors)
			assert.Equal(t, typ, loaded.Type())

			for i := 0; i < 15; i++ {
				want, err := e.Search(vecs[i], 5, 0)
				require.NoError(t, err)
				got, err := loaded.Search(vecs[i], 5, 0)
				require.NoError(t, err)
				require.Len(t, got, len(want))
				for j := range want {
					assert.Equal(t, want[j].AlertID, got[j].AlertID)
					assert.InDelta(t, want[j].Score, got[j].Score, 1e-6)
				}
			}

			res, err := loaded.Search(vecs[3], 2, 0)
			require.NoError(t, err)
			var md map[string]any
			for _, r := range res {
				if r.AlertID == "extra" {
					md = r.Metadata
				}
			}
			if typ != IndexOPQHNSW {
				require.NotNil(t, md)
				assert.Equal(t, "billing", md["service"])
			}

			res, err = loaded.Search(vecs[7], 3, 0)
			require.NoError(t, err)
			for _, r := range res {
				assert.NotEqual(t, "alert-7", r.AlertID, "tombstones survive a reload")
			}

			// A loaded index accepts further inserts.
			require.NoError(t, loaded.Add([][]float32{vecs[0]}, []string{"after-load"}, nil))
		})
	}
}

func TestPersist_EmptyIndex(t *testing.T) {
	e, err := NewEngine(Config{Type: IndexFlat, Dimension: testDim})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, e.Save(path))

	loaded, err := Open(path)
	require.NoError(t, err)
	assert.Zero(t, loaded.Stats().TotalVectors)
	res, err := loaded.Search(make([]float32, testDim), 3, 0)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestPersist_MissingOrCorruptFiles(t *testing.T) {
	vecs := clustered(50, testDim, 12)
	e := newTestEngine(t, IndexHNSW, vecs)
	dir := t.TempDir()

	_, err := Open(filepath.Join(dir, "nothing"))
	assert.ErrorIs(t, err, ErrCorruptIndex)

	path := filepath.Join(dir, "alerts")
	require.NoError(t, e.Save(path))

	require.NoError(t, os.Remove(path+".meta"))
	_, err = Open(path)
	assert.ErrorIs(t, err, ErrCorruptIndex, "index without sidecar")

	require.NoError(t, e.Save(path))
	require.NoError(t, os.WriteFile(path+".index", []byte("not a gob stream"), 0o644))
	_, err = Open(path)
	assert.ErrorIs(t, err, ErrCorruptIndex)
}

func TestPersist_SidecarMismatch(t *testing.T) {
	dir := t.TempDir()
	small := newTestEngine(t, IndexFlat, clustered(10, testDim, 13))
	big := newTestEngine(t, IndexFlat, clustered(20, testDim, 14))

	require.NoError(t, small.Save(filepath.Join(dir, "a")))
	require.NoError(t, big.Save(filepath.Join(dir, "b")))
	require.NoError(t, os.Rename(filepath.Join(dir, "b.meta"), filepath.Join(dir, "a.meta")))

	_, err := Open(filepath.Join(dir, "a"))
	assert.ErrorIs(t, err, ErrCorruptIndex)
}

func TestPersist_LoadChecksDimension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts")
	require.NoError(t, newTestEngine(t, IndexFlat, clustered(10, testDim, 15)).Save(path))

	other, err := NewEngine(Config{Type: IndexFlat, Dimension: 8})
	require.NoError(t, err)
	var de *DimensionError
	require.ErrorAs(t, other.Load(path), &de)
	assert.Equal(t, 8, de.Expected)
	assert.Equal(t, testDim, de.Actual)
}

func TestPersist_StagedVectorsSurviveReload(t *testing.T) {
	vecs := clustered(40, testDim, 16)
	e := newTestEngine(t, IndexIVF, vecs[:5])
	path := filepath.Join(t.TempDir(), "alerts")
	require.NoError(t, e.Save(path))

	loaded, err := Open(path)
	require.NoError(t, err)
	st := loaded.Stats()
	assert.False(t, st.Trained)
	assert.Equal(t, 5, st.StagedVectors)
	res, err := loaded.Search(vecs[3], 1, 0)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "alert-3", res[0].AlertID)

	require.NoError(t, loaded.Add(vecs[5:], ids(40)[5:], nil))
	st = loaded.Stats()
	assert.True(t, st.Trained)
	assert.Equal(t, 40, st.TotalVectors)
	assert.Equal(t, 16, st.Params.NList)
}
