package encoder

import (
	"context"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/qiniu/alertiq/internal/alerting/model"
)

// DefaultDimension matches the MiniLM family the HTTP runtime usually serves.
const DefaultDimension = 384

const trigramWeight = 0.5

// HashingEncoder is a deterministic local encoder: word unigrams and
// character trigrams are hashed into signed buckets and the result is L2
// normalized. It needs no model files and is used when no embedding runtime
// is configured.
type HashingEncoder struct {
	dim   int
	ready atomic.Bool
}

func NewHashingEncoder(dim int) *HashingEncoder {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &HashingEncoder{dim: dim}
}

func (h *HashingEncoder) Initialize(ctx context.Context) error {
	h.ready.Store(true)
	return nil
}

func (h *HashingEncoder) Ready() bool    { return h.ready.Load() }
func (h *HashingEncoder) Dimension() int { return h.dim }
func (h *HashingEncoder) Close() error   { return nil }

func (h *HashingEncoder) Info() Info {
	return Info{Model: "feature-hashing", Dimension: h.dim, MaxLength: MaxInputRunes, Ready: h.Ready()}
}

func (h *HashingEncoder) Embed(ctx context.Context, text string) ([]float32, error) {
	if !h.Ready() {
		return nil, model.ErrNotReady
	}
	return h.embed(text), nil
}

func (h *HashingEncoder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if !h.Ready() {
		return nil, model.ErrNotReady
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		out[i] = h.embed(t)
	}
	return out, nil
}

func (h *HashingEncoder) embed(text string) []float32 {
	v := make([]float32, h.dim)
	words := tokenize(CleanText(text))
	if len(words) == 0 {
		words = []string{"<empty>"}
	}
	for _, w := range words {
		h.add(v, "w:"+w, 1)
		padded := []rune(" " + w + " ")
		for i := 0; i+3 <= len(padded); i++ {
			h.add(v, "c:"+string(padded[i:i+3]), trigramWeight)
		}
	}
	return Normalize(v)
}

func (h *HashingEncoder) add(v []float32, feature string, weight float32) {
	sum := xxhash.Sum64String(feature)
	idx := int(sum % uint64(h.dim))
	if sum>>63 == 1 {
		weight = -weight
	}
	v[idx] += weight
}

// tokenize lowercases and splits on anything that is not a letter or digit.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
