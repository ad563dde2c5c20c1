package encoder

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxInputRunes bounds the text length handed to the model.
const MaxInputRunes = 512

// Encoder turns alert text into fixed-length embeddings. Implementations must
// be initialized explicitly; Embed before Initialize returns model.ErrNotReady.
type Encoder interface {
	Initialize(ctx context.Context) error
	Ready() bool
	Dimension() int
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Info() Info
	Close() error
}

// Info describes the loaded model.
type Info struct {
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
	MaxLength int    `json:"max_length"`
	Ready     bool   `json:"ready"`
}

// Warmup initializes enc and runs one embedding so the first real request
// does not pay for model start-up.
func Warmup(ctx context.Context, enc Encoder) error {
	if err := enc.Initialize(ctx); err != nil {
		return fmt.Errorf("encoder init: %w", err)
	}
	if _, err := enc.Embed(ctx, "warmup alert"); err != nil {
		return fmt.Errorf("encoder warmup: %w", err)
	}
	return nil
}

// CleanText normalizes text to NFC, collapses whitespace and truncates to
// MaxInputRunes with a "..." suffix.
func CleanText(s string) string {
	s = strings.Join(strings.Fields(norm.NFC.String(s)), " ")
	if utf8.RuneCountInString(s) <= MaxInputRunes {
		return s
	}
	r := []rune(s)
	return strings.TrimRightFunc(string(r[:MaxInputRunes]), unicode.IsSpace) + "..."
}

// Normalize scales v to unit L2 norm in place. Zero vectors are left as is.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}

// CosineSimilarity of a and b, clipped to [0,1]. Mismatched lengths and zero
// vectors yield 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	c := dot / (math.Sqrt(na) * math.Sqrt(nb))
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return float32(c)
}

// BatchSimilarity returns the cosine similarity of query to each candidate.
func BatchSimilarity(query []float32, candidates [][]float32) []float32 {
	out := make([]float32, len(candidates))
	for i, c := range candidates {
		out[i] = CosineSimilarity(query, c)
	}
	return out
}
