package model

import (
	"sort"
	"strings"
)

// NormalizeLabels returns a copy of in with keys lowercased and trimmed,
// aliases applied and empty values dropped. aliases maps alternative keys to
// canonical ones, e.g. "env" -> "environment".
func NormalizeLabels(in map[string]string, aliases map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for rawKey, rawVal := range in {
		key := strings.ToLower(strings.TrimSpace(rawKey))
		if key == "" {
			continue
		}
		if canonical := strings.TrimSpace(aliases[key]); canonical != "" {
			key = strings.ToLower(canonical)
		}
		val := strings.TrimSpace(rawVal)
		if val == "" {
			continue
		}
		out[key] = val
	}
	return out
}

// SortedLabelKeys returns the label keys in ascending order.
func SortedLabelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CanonicalLabelKey renders labels as sorted key=value pairs joined by '|',
// so {a=1,b=2} and {b=2,a=1} produce the same key.
func CanonicalLabelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return "{}"
	}
	keys := SortedLabelKeys(labels)
	var b strings.Builder
	b.Grow(len(keys) * 8)
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}
