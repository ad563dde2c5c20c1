package ruleset

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/qiniu/alertiq/internal/alerting/model"
)

// compile resolves the operator spelling and pre-compiles regular expressions.
// An unknown operator is tolerated (the condition never matches); an invalid
// pattern marks the condition unparseable.
func (c *RuleCondition) compile() {
	c.op, c.opKnown = ParseOperator(c.Operator)
	if c.op != OpMatches {
		return
	}
	pattern, ok := c.Value.(string)
	if !ok {
		c.badRegex = fmt.Errorf("matches operator requires a string pattern, got %T", c.Value)
		return
	}
	// Patterns are anchored at the start of the value.
	re, err := regexp.Compile(`^(?:` + pattern + `)`)
	if err != nil {
		c.badRegex = err
		return
	}
	c.pattern = re
}

func (c *RuleCondition) unparseable() bool { return c.badRegex != nil }

// Evaluate reports whether the alert satisfies the condition. Unresolved
// paths, unknown operators and type mismatches all evaluate to false.
func (c *RuleCondition) Evaluate(a *model.Alert) bool {
	if !c.opKnown || c.unparseable() {
		return false
	}
	v, ok := Lookup(a, c.FieldPath)
	if !ok {
		return false
	}
	switch c.op {
	case OpEq:
		return equalsValue(v, c.Value)
	case OpNe:
		if isList(c.Value) {
			return false
		}
		return !equalsValue(v, c.Value)
	case OpGt, OpGte, OpLt, OpLte:
		cmp, ok := compareValue(v, c.Value)
		if !ok {
			return false
		}
		switch c.op {
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	case OpIn, OpNotIn:
		items, ok := c.Value.([]any)
		if !ok {
			return false
		}
		found := false
		for _, it := range items {
			if equalsValue(v, it) {
				found = true
				break
			}
		}
		if c.op == OpIn {
			return found
		}
		return !found
	case OpContains:
		s, ok := scalarString(c.Value)
		if !ok {
			return false
		}
		return strings.Contains(v.Str, s)
	case OpMatches:
		return c.pattern.MatchString(v.Str)
	}
	return false
}

func isList(x any) bool {
	_, ok := x.([]any)
	return ok
}

// toNumber converts YAML scalars into float64.
func toNumber(x any) (float64, bool) {
	switch n := x.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

func scalarString(x any) (string, bool) {
	switch s := x.(type) {
	case string:
		return s, true
	case bool:
		return strconv.FormatBool(s), true
	case nil:
		return "", false
	}
	if f, ok := toNumber(x); ok {
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}
	return "", false
}

func equalsValue(v Value, want any) bool {
	if n, ok := toNumber(want); ok {
		return v.IsNum && v.Num == n
	}
	s, ok := scalarString(want)
	if !ok {
		return false
	}
	return v.Str == s
}

// compareValue orders v against want. Numbers compare numerically, strings
// lexicographically; mixing the two is a type mismatch.
func compareValue(v Value, want any) (int, bool) {
	if n, ok := toNumber(want); ok {
		if !v.IsNum {
			return 0, false
		}
		switch {
		case v.Num < n:
			return -1, true
		case v.Num > n:
			return 1, true
		}
		return 0, true
	}
	s, ok := want.(string)
	if !ok || v.IsNum {
		return 0, false
	}
	return strings.Compare(v.Str, s), true
}
