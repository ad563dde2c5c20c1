package ruleset

import (
	"strconv"
	"strings"
	"time"

	"github.com/qiniu/alertiq/internal/alerting/model"
)

// attribute enumerates the typed alert fields a rule may reference.
type attribute int

const (
	attrNone attribute = iota
	attrID
	attrName
	attrDescription
	attrSummary
	attrSeverity
	attrService
	attrEnvironment
	attrRegion
	attrFiredAt
	attrLabels
)

var attributeNames = map[string]attribute{
	"id":          attrID,
	"name":        attrName,
	"alert_name":  attrName,
	"description": attrDescription,
	"summary":     attrSummary,
	"severity":    attrSeverity,
	"service":     attrService,
	"environment": attrEnvironment,
	"env":         attrEnvironment,
	"region":      attrRegion,
	"fired_at":    attrFiredAt,
	"labels":      attrLabels,
}

// Value is a resolved field value. Numeric values carry both representations.
type Value struct {
	Str   string
	Num   float64
	IsNum bool
}

func stringValue(s string) Value {
	v := Value{Str: s}
	if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		v.Num, v.IsNum = f, true
	}
	return v
}

// Lookup resolves a dotted field path against an alert. It never fails:
// unresolved paths are reported with ok=false.
//
// Resolution order: a typed attribute (name, severity, service, ...), then
// "labels.<key>", then the whole path as a label key.
func Lookup(a *model.Alert, path string) (Value, bool) {
	if a == nil || path == "" {
		return Value{}, false
	}
	head, rest, nested := strings.Cut(path, ".")
	attr := attributeNames[head]

	if attr == attrLabels {
		if !nested || rest == "" {
			return Value{}, false
		}
		v, ok := a.Labels[rest]
		if !ok {
			return Value{}, false
		}
		return stringValue(v), true
	}
	if attr != attrNone && !nested {
		return attributeValue(a, attr)
	}
	// Attributes are scalars; deeper traversal falls back to labels.
	if v, ok := a.Labels[path]; ok {
		return stringValue(v), true
	}
	return Value{}, false
}

func attributeValue(a *model.Alert, attr attribute) (Value, bool) {
	switch attr {
	case attrID:
		return present(a.ID)
	case attrName:
		return present(a.Name)
	case attrDescription:
		return present(a.Description)
	case attrSummary:
		return present(a.Summary)
	case attrSeverity:
		return present(string(a.Severity))
	case attrService:
		return present(a.ServiceName())
	case attrEnvironment:
		return present(a.EnvironmentName())
	case attrRegion:
		return present(a.RegionName())
	case attrFiredAt:
		if a.FiredAt.IsZero() {
			return Value{}, false
		}
		return Value{Str: a.FiredAt.UTC().Format(time.RFC3339), Num: float64(a.FiredAt.Unix()), IsNum: true}, true
	}
	return Value{}, false
}

func present(s string) (Value, bool) {
	if s == "" {
		return Value{}, false
	}
	return stringValue(s), true
}
