package vectorsearch

// flatIndex is an exact scan over all stored vectors.
type flatIndex struct {
	Dim  int
	Data []float32
}

func newFlatIndex(dim int) *flatIndex { return &flatIndex{Dim: dim} }

func (f *flatIndex) train([][]float32) error { return nil }
func (f *flatIndex) trained() bool           { return true }
func (f *flatIndex) size() int               { return len(f.Data) / f.Dim }
func (f *flatIndex) memoryBytes() int64      { return int64(len(f.Data)) * 4 }

func (f *flatIndex) add(vecs [][]float32) error {
	for _, v := range vecs {
		f.Data = append(f.Data, v...)
	}
	return nil
}

func (f *flatIndex) search(q []float32, k int) []neighbor {
	return scanAll(f.Data, f.Dim, q, k)
}

func (f *flatIndex) rebuild(keep []int32) (annIndex, error) {
	out := &flatIndex{Dim: f.Dim, Data: make([]float32, 0, len(keep)*f.Dim)}
	for _, i := range keep {
		out.Data = append(out.Data, rowOf(f.Data, f.Dim, i)...)
	}
	return out, nil
}

// scanAll is the brute-force k-NN kernel shared by the exact paths.
func scanAll(data []float32, dim int, q []float32, k int) []neighbor {
	n := len(data) / dim
	if n == 0 || k <= 0 {
		return nil
	}
	top := newTopK(k)
	for i := 0; i < n; i++ {
		top.offer(int32(i), l2sq(q, data[i*dim:(i+1)*dim]))
	}
	return top.sorted()
}
