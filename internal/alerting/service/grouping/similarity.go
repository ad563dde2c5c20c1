package grouping

import (
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/qiniu/alertiq/internal/alerting/model"
)

// Weights balances the three similarity signals.
type Weights struct {
	Labels  float64 `yaml:"labels" json:"labels"`
	Name    float64 `yaml:"name" json:"name"`
	Context float64 `yaml:"context" json:"context"`
}

func DefaultWeights() Weights { return Weights{Labels: 0.4, Name: 0.3, Context: 0.3} }

// Jaccard is |L1 ∩ L2| / |L1 ∪ L2| over (key, value) pairs. Two empty maps
// are identical; one empty map shares nothing with a non-empty one.
func Jaccard(l1, l2 map[string]string) float64 {
	if len(l1) == 0 && len(l2) == 0 {
		return 1
	}
	if len(l1) == 0 || len(l2) == 0 {
		return 0
	}
	inter := 0
	for k, v := range l1 {
		if w, ok := l2[k]; ok && w == v {
			inter++
		}
	}
	return float64(inter) / float64(len(l1)+len(l2)-inter)
}

// Levenshtein is the rune-level edit distance between a and b.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

// NameSimilarity is 1 - distance/max(len). Two empty names are identical.
func NameSimilarity(a, b string) float64 {
	n := max(len([]rune(a)), len([]rune(b)))
	if n == 0 {
		return 1
	}
	return 1 - float64(Levenshtein(a, b))/float64(n)
}

// ContextSimilarity is the share of equal fields among service, environment
// and region, counting only fields both alerts carry. An empty value is the
// same as a missing one. ok is false when no field is comparable.
func ContextSimilarity(a, b *model.Alert) (score float64, ok bool) {
	pairs := [3][2]string{
		{a.ServiceName(), b.ServiceName()},
		{a.EnvironmentName(), b.EnvironmentName()},
		{a.RegionName(), b.RegionName()},
	}
	total, match := 0, 0
	for _, p := range pairs {
		if p[0] == "" || p[1] == "" {
			continue
		}
		total++
		if p[0] == p[1] {
			match++
		}
	}
	if total == 0 {
		return 0, false
	}
	return float64(match) / float64(total), true
}

// Similarity is the weighted combination of the three signals, in [0,1].
// When neither alert carries a comparable context field the context weight
// is dropped and the others are rescaled, so an alert is always fully
// similar to itself.
func (w Weights) Similarity(a, b *model.Alert) float64 {
	sum := w.Labels*Jaccard(a.Labels, b.Labels) + w.Name*NameSimilarity(a.Name, b.Name)
	total := w.Labels + w.Name
	if ctx, ok := ContextSimilarity(a, b); ok {
		sum += w.Context * ctx
		total += w.Context
	}
	if total <= 0 {
		return 0
	}
	return min(1, max(0, sum/total))
}

// GroupHash is a stable hash of the alert name and its sorted labels, used
// for fast exact-duplicate lookups.
func GroupHash(a *model.Alert) string {
	h := xxhash.New()
	_, _ = h.WriteString(a.Name)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(model.CanonicalLabelKey(a.Labels))
	return strconv.FormatUint(h.Sum64(), 16)
}
