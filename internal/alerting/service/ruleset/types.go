package ruleset

import (
	"regexp"
	"time"
)

// Operator is a comparison applied by a RuleCondition.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpNotIn    Operator = "not_in"
	OpContains Operator = "contains"
	OpMatches  Operator = "matches"
)

// operatorAliases maps symbolic spellings onto canonical operators.
var operatorAliases = map[string]Operator{
	"eq": OpEq, "==": OpEq,
	"ne": OpNe, "!=": OpNe,
	"gt": OpGt, ">": OpGt,
	"gte": OpGte, ">=": OpGte,
	"lt": OpLt, "<": OpLt,
	"lte": OpLte, "<=": OpLte,
	"in":       OpIn,
	"not_in":   OpNotIn,
	"contains": OpContains,
	"matches":  OpMatches,
}

// ParseOperator resolves an operator spelling, reporting ok=false for unknown ones.
func ParseOperator(s string) (Operator, bool) {
	op, ok := operatorAliases[s]
	return op, ok
}

// Logic combines the conditions of a rule.
type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// DefaultPartition holds rules applied to every service after its own rules.
const DefaultPartition = "default"

// RuleCondition is a single predicate over an alert attribute or label.
type RuleCondition struct {
	FieldPath string
	Operator  string // raw spelling as written in the document
	Value     any

	op       Operator
	opKnown  bool
	pattern  *regexp.Regexp
	badRegex error
}

// GroupingRule decides grouping key, similarity threshold and window for the
// alerts it matches.
type GroupingRule struct {
	Name                string
	Priority            int
	Conditions          []*RuleCondition
	Logic               Logic
	GroupingKeys        []string
	SimilarityThreshold float64
	TimeWindow          time.Duration
	// NeverSuppress exempts matching alerts from noise suppression.
	NeverSuppress bool

	// unparseable is set when a condition cannot be evaluated at all
	// (for example an invalid regular expression); such rules never match.
	unparseable bool
}

// Evaluation is the outcome of evaluating an alert against the loaded rules.
type Evaluation struct {
	MatchingRule        string        `json:"matching_rule,omitempty"`
	GroupKey            string        `json:"group_key"`
	SimilarityThreshold float64       `json:"similarity_threshold"`
	TimeWindow          time.Duration `json:"time_window"`
	Priority            int           `json:"priority"`
	NeverSuppress       bool          `json:"never_suppress,omitempty"`
}

// RuleDescriptor is the summary view of one rule.
type RuleDescriptor struct {
	Name         string   `json:"name"`
	Priority     int      `json:"priority"`
	Conditions   int      `json:"conditions"`
	Logic        Logic    `json:"logic"`
	GroupingKeys []string `json:"grouping_keys"`
}

// ServiceSummary describes the rules loaded for one service partition.
type ServiceSummary struct {
	RuleCount int              `json:"rule_count"`
	Rules     []RuleDescriptor `json:"rules"`
}
