package ruleset

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qiniu/alertiq/internal/alerting/model"
)

// Defaults applied to alerts no rule matches, and to rules that omit
// similarity_threshold or time_window.
type Defaults struct {
	SimilarityThreshold float64
	TimeWindow          time.Duration
}

// DefaultDefaults mirrors the grouping service defaults.
var DefaultDefaults = Defaults{SimilarityThreshold: 0.7, TimeWindow: 15 * time.Minute}

// Engine evaluates per-service grouping rules. Loaded rule sets are swapped
// as a whole, so readers always see a consistent set.
type Engine struct {
	defaults Defaults

	mu    sync.RWMutex
	rules map[string][]*GroupingRule
}

func NewEngine(defaults Defaults) *Engine {
	if defaults.SimilarityThreshold <= 0 {
		defaults.SimilarityThreshold = DefaultDefaults.SimilarityThreshold
	}
	if defaults.TimeWindow <= 0 {
		defaults.TimeWindow = DefaultDefaults.TimeWindow
	}
	return &Engine{defaults: defaults, rules: map[string][]*GroupingRule{}}
}

// Defaults returns the engine's fallback threshold and window.
func (e *Engine) Defaults() Defaults { return e.defaults }

// Load installs rules keyed by service. Structural errors (threshold outside
// [0,1], negative window) reject the whole set; operator problems are only
// reported by Validate.
func (e *Engine) Load(rules map[string][]*GroupingRule) error {
	next := make(map[string][]*GroupingRule, len(rules))
	for svc, list := range rules {
		sorted := make([]*GroupingRule, 0, len(list))
		for _, r := range list {
			if r == nil {
				continue
			}
			if r.SimilarityThreshold < 0 || r.SimilarityThreshold > 1 {
				return fmt.Errorf("%w: rule %s/%s: similarity_threshold %v outside [0,1]", ErrInvalidDocument, svc, r.Name, r.SimilarityThreshold)
			}
			if r.TimeWindow < 0 {
				return fmt.Errorf("%w: rule %s/%s: negative time_window", ErrInvalidDocument, svc, r.Name)
			}
			if r.Logic == "" {
				r.Logic = LogicAnd
			}
			r.unparseable = false
			for _, c := range r.Conditions {
				c.compile()
				if c.unparseable() {
					r.unparseable = true
				}
			}
			sorted = append(sorted, r)
		}
		// Stable: equal priorities keep declaration order.
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })
		next[svc] = sorted
	}

	e.mu.Lock()
	e.rules = next
	e.mu.Unlock()

	for svc, errs := range e.Validate() {
		for _, msg := range errs {
			log.Warn().Str("service", svc).Msg(msg)
		}
	}
	return nil
}

// Matches reports whether the alert satisfies the rule's conditions under
// its logic. Unparseable rules never match.
func (r *GroupingRule) Matches(a *model.Alert) bool {
	if r.unparseable {
		return false
	}
	if r.Logic == LogicOr {
		for _, c := range r.Conditions {
			if c.Evaluate(a) {
				return true
			}
		}
		return false
	}
	for _, c := range r.Conditions {
		if !c.Evaluate(a) {
			return false
		}
	}
	return true
}

// GroupKey renders the rule's grouping keys for an alert. Unresolved parts
// render as "unknown".
func (r *GroupingRule) GroupKey(a *model.Alert) string {
	if len(r.GroupingKeys) == 0 {
		return DefaultGroupKey(a)
	}
	parts := make([]string, len(r.GroupingKeys))
	for i, k := range r.GroupingKeys {
		v, ok := Lookup(a, k)
		if !ok {
			parts[i] = "unknown"
			continue
		}
		parts[i] = v.Str
	}
	return strings.Join(parts, ":")
}

// DefaultGroupKey is used when no rule matches.
func DefaultGroupKey(a *model.Alert) string {
	svc := a.ServiceName()
	if svc == "" {
		svc = "unknown"
	}
	return svc + ":" + a.Name + ":" + string(a.Severity)
}

// FindMatchingRule returns the first matching rule of the alert's service
// partition, then of the default partition, or nil.
func (e *Engine) FindMatchingRule(a *model.Alert) *GroupingRule {
	if a == nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	svc := a.ServiceName()
	if svc != "" && svc != DefaultPartition {
		for _, r := range e.rules[svc] {
			if r.Matches(a) {
				return r
			}
		}
	}
	for _, r := range e.rules[DefaultPartition] {
		if r.Matches(a) {
			return r
		}
	}
	return nil
}

// Evaluate decides group key, similarity threshold and window for an alert.
func (e *Engine) Evaluate(a *model.Alert) Evaluation {
	if r := e.FindMatchingRule(a); r != nil {
		return Evaluation{
			MatchingRule:        r.Name,
			GroupKey:            r.GroupKey(a),
			SimilarityThreshold: r.SimilarityThreshold,
			TimeWindow:          r.TimeWindow,
			Priority:            r.Priority,
			NeverSuppress:       r.NeverSuppress,
		}
	}
	return Evaluation{
		GroupKey:            DefaultGroupKey(a),
		SimilarityThreshold: e.defaults.SimilarityThreshold,
		TimeWindow:          e.defaults.TimeWindow,
	}
}

// Validate returns configuration problems per service. It is advisory:
// reported rules stay loaded.
func (e *Engine) Validate() map[string][]string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := map[string][]string{}
	for svc, rules := range e.rules {
		var errs []string
		seen := map[string]int{}
		for _, r := range rules {
			seen[r.Name]++
		}
		reported := map[string]bool{}
		for _, r := range rules {
			if seen[r.Name] > 1 && !reported[r.Name] {
				errs = append(errs, "Duplicate rule name: "+r.Name)
				reported[r.Name] = true
			}
			for _, c := range r.Conditions {
				if !c.opKnown {
					errs = append(errs, fmt.Sprintf("Invalid operator in rule %s: %s", r.Name, c.Operator))
				}
				if c.badRegex != nil {
					errs = append(errs, fmt.Sprintf("Invalid pattern in rule %s: %v", r.Name, c.badRegex))
				}
			}
			if len(r.GroupingKeys) == 0 {
				errs = append(errs, "No grouping keys in rule "+r.Name)
			}
		}
		if len(errs) > 0 {
			out[svc] = errs
		}
	}
	return out
}

// Summary describes the loaded rules per service in evaluation order.
func (e *Engine) Summary() map[string]ServiceSummary {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]ServiceSummary, len(e.rules))
	for svc, rules := range e.rules {
		s := ServiceSummary{RuleCount: len(rules), Rules: make([]RuleDescriptor, 0, len(rules))}
		for _, r := range rules {
			s.Rules = append(s.Rules, RuleDescriptor{
				Name:         r.Name,
				Priority:     r.Priority,
				Conditions:   len(r.Conditions),
				Logic:        r.Logic,
				GroupingKeys: append([]string(nil), r.GroupingKeys...),
			})
		}
		out[svc] = s
	}
	return out
}
