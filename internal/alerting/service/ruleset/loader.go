package ruleset

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidDocument indicates the rules document is malformed. Nothing from
// a malformed document is applied.
var ErrInvalidDocument = errors.New("invalid rules document")

// document is the on-disk layout:
//
//	services:
//	  api:
//	    rules:
//	      - name: api-critical
//	        priority: 100
//	        conditions:
//	          - {field: severity, operator: in, value: [critical, warning]}
//	        logic: and
//	        grouping_keys: [service, environment, labels.instance]
//	        similarity_threshold: 0.8
//	        time_window: 10m
type document struct {
	Services map[string]serviceDoc `yaml:"services"`
}

type serviceDoc struct {
	Rules []ruleDoc `yaml:"rules"`
}

type ruleDoc struct {
	Name                string         `yaml:"name"`
	Priority            int            `yaml:"priority"`
	Conditions          []conditionDoc `yaml:"conditions"`
	Logic               string         `yaml:"logic"`
	GroupingKeys        []string       `yaml:"grouping_keys"`
	SimilarityThreshold *float64       `yaml:"similarity_threshold"`
	TimeWindow          *windowDoc     `yaml:"time_window"`
	NeverSuppress       bool           `yaml:"never_suppress"`
}

type conditionDoc struct {
	Field    string `yaml:"field"`
	Operator string `yaml:"operator"`
	Value    any    `yaml:"value"`
}

// windowDoc accepts either integer seconds or a Go duration string.
type windowDoc struct {
	d time.Duration
}

func (w *windowDoc) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("time_window must be a scalar")
	}
	if secs, err := strconv.ParseFloat(n.Value, 64); err == nil {
		w.d = time.Duration(secs * float64(time.Second))
		return nil
	}
	d, err := time.ParseDuration(n.Value)
	if err != nil {
		return fmt.Errorf("time_window %q: %w", n.Value, err)
	}
	w.d = d
	return nil
}

// ParseYAML decodes a rules document into per-service rule lists. Rules keep
// their declaration order; sorting happens on Load.
func ParseYAML(data []byte, defaults Defaults) (map[string][]*GroupingRule, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	out := make(map[string][]*GroupingRule, len(doc.Services))
	for svc, sd := range doc.Services {
		if strings.TrimSpace(svc) == "" {
			return nil, fmt.Errorf("%w: empty service name", ErrInvalidDocument)
		}
		rules := make([]*GroupingRule, 0, len(sd.Rules))
		for i, rd := range sd.Rules {
			r, err := rd.toRule(defaults)
			if err != nil {
				return nil, fmt.Errorf("%w: services.%s.rules[%d]: %v", ErrInvalidDocument, svc, i, err)
			}
			rules = append(rules, r)
		}
		out[svc] = rules
	}
	return out, nil
}

func (rd ruleDoc) toRule(defaults Defaults) (*GroupingRule, error) {
	if strings.TrimSpace(rd.Name) == "" {
		return nil, errors.New("name is required")
	}
	r := &GroupingRule{
		Name:                rd.Name,
		Priority:            rd.Priority,
		Logic:               LogicAnd,
		GroupingKeys:        rd.GroupingKeys,
		SimilarityThreshold: defaults.SimilarityThreshold,
		TimeWindow:          defaults.TimeWindow,
		NeverSuppress:       rd.NeverSuppress,
	}
	switch strings.ToLower(strings.TrimSpace(rd.Logic)) {
	case "", "and":
	case "or":
		r.Logic = LogicOr
	default:
		return nil, fmt.Errorf("rule %s: logic %q must be and|or", rd.Name, rd.Logic)
	}
	if rd.SimilarityThreshold != nil {
		r.SimilarityThreshold = *rd.SimilarityThreshold
	}
	if rd.TimeWindow != nil {
		r.TimeWindow = rd.TimeWindow.d
	}
	for j, cd := range rd.Conditions {
		if cd.Field == "" || cd.Operator == "" {
			return nil, fmt.Errorf("rule %s: conditions[%d] requires field and operator", rd.Name, j)
		}
		r.Conditions = append(r.Conditions, &RuleCondition{FieldPath: cd.Field, Operator: cd.Operator, Value: cd.Value})
	}
	return r, nil
}

// LoadYAML parses and installs a rules document, replacing all loaded rules.
func (e *Engine) LoadYAML(data []byte) error {
	rules, err := ParseYAML(data, e.defaults)
	if err != nil {
		return err
	}
	return e.Load(rules)
}

// LoadFile reads a rules document from disk.
func (e *Engine) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rules %s: %w", path, err)
	}
	return e.LoadYAML(data)
}
