package ranker

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// DefaultLexicalFeatures is the TF-IDF vocabulary size.
const DefaultLexicalFeatures = 100

// TFIDF is a fitted term-frequency / inverse-document-frequency vectorizer.
// Terms are ordered alphabetically; rows are L2 normalized.
type TFIDF struct {
	MaxFeatures int
	Terms       []string
	IDF         []float64

	once  sync.Once
	index map[string]int
}

func NewTFIDF(maxFeatures int) *TFIDF {
	if maxFeatures <= 0 {
		maxFeatures = DefaultLexicalFeatures
	}
	return &TFIDF{MaxFeatures: maxFeatures}
}

// tokenize lowercases text and splits it into runs of letters and digits,
// keeping tokens of two or more runes.
func tokenize(text string) []string {
	text = strings.ToLower(norm.NFKC.String(text))
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

// Fit selects the MaxFeatures most frequent terms across docs and computes
// smoothed idf weights: ln((1+n)/(1+df)) + 1.
func (t *TFIDF) Fit(docs []string) {
	tf := map[string]int{}
	df := map[string]int{}
	for _, d := range docs {
		seen := map[string]bool{}
		for _, tok := range tokenize(d) {
			tf[tok]++
			if !seen[tok] {
				seen[tok] = true
				df[tok]++
			}
		}
	}
	terms := make([]string, 0, len(tf))
	for term := range tf {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if tf[terms[i]] != tf[terms[j]] {
			return tf[terms[i]] > tf[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > t.MaxFeatures {
		terms = terms[:t.MaxFeatures]
	}
	sort.Strings(terms)

	n := float64(len(docs))
	t.Terms = terms
	t.IDF = make([]float64, len(terms))
	for i, term := range terms {
		t.IDF[i] = math.Log((1+n)/(1+float64(df[term]))) + 1
	}
}

func (t *TFIDF) lookup() map[string]int {
	t.once.Do(func() {
		t.index = make(map[string]int, len(t.Terms))
		for i, term := range t.Terms {
			t.index[term] = i
		}
	})
	return t.index
}

// Transform returns a MaxFeatures-long row for text. An unfitted vectorizer
// yields zeros so feature vectors keep a fixed width.
func (t *TFIDF) Transform(text string) []float32 {
	out := make([]float32, t.MaxFeatures)
	if len(t.Terms) == 0 {
		return out
	}
	idx := t.lookup()
	counts := make([]float64, len(t.Terms))
	for _, tok := range tokenize(text) {
		if i, ok := idx[tok]; ok {
			counts[i]++
		}
	}
	var sum float64
	for i, c := range counts {
		counts[i] = c * t.IDF[i]
		sum += counts[i] * counts[i]
	}
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, c := range counts {
		out[i] = float32(c * inv)
	}
	return out
}
