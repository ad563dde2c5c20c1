package model

import (
	"strings"
	"time"
)

// Severity is the normalized alert severity.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
	SeverityDebug    Severity = "debug"
)

// ParseSeverity maps a free-form severity string to a Severity.
// Unknown values are reported with ok=false and default to info.
func ParseSeverity(s string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "p0":
		return SeverityCritical, true
	case "warning", "warn", "p1":
		return SeverityWarning, true
	case "info", "p2":
		return SeverityInfo, true
	case "debug":
		return SeverityDebug, true
	default:
		return SeverityInfo, false
	}
}

// Score returns the numeric weight used by the noise ranker.
func (s Severity) Score() float64 {
	switch Severity(strings.ToLower(string(s))) {
	case SeverityCritical:
		return 5.0
	case SeverityWarning:
		return 3.0
	case SeverityInfo:
		return 2.0
	case SeverityDebug:
		return 1.0
	default:
		return 2.0
	}
}

// Alert is an immutable snapshot produced by the upstream collector.
type Alert struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Summary     string            `json:"summary,omitempty"`
	Severity    Severity          `json:"severity"`
	Labels      map[string]string `json:"labels,omitempty"`
	Service     string            `json:"service,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Region      string            `json:"region,omitempty"`
	FiredAt     time.Time         `json:"fired_at"`
}

// Text is the concatenation embedded by the encoder and tokenized by the ranker.
func (a *Alert) Text() string {
	return strings.TrimSpace(a.Name + " " + a.Description + " " + a.Summary)
}

// ServiceName returns the service attribute, falling back to the service label.
func (a *Alert) ServiceName() string {
	if a.Service != "" {
		return a.Service
	}
	return a.Labels["service"]
}

// EnvironmentName returns the environment attribute, falling back to the
// environment/env labels.
func (a *Alert) EnvironmentName() string {
	if a.Environment != "" {
		return a.Environment
	}
	if v := a.Labels["environment"]; v != "" {
		return v
	}
	return a.Labels["env"]
}

// RegionName returns the region attribute, falling back to the region label.
func (a *Alert) RegionName() string {
	if a.Region != "" {
		return a.Region
	}
	return a.Labels["region"]
}

// IsProduction reports whether the alert originates from a production environment.
func (a *Alert) IsProduction() bool {
	switch strings.ToLower(a.EnvironmentName()) {
	case "production", "prod":
		return true
	}
	return false
}

// Historical is the per-alert-type context supplied by the alert event store.
type Historical struct {
	Count24h          float64 `json:"count_24h"`
	Count7d           float64 `json:"count_7d"`
	AvgResolutionTime float64 `json:"avg_resolution_time"` // seconds
	FalsePositiveRate float64 `json:"false_positive_rate"`
	SnoozeCount       float64 `json:"snooze_count"`
	AckRate           float64 `json:"ack_rate"`
	EscalationRate    float64 `json:"escalation_rate"`
	DuplicateRate     float64 `json:"duplicate_rate"`
}

// Vector returns the historical features in a fixed order.
func (h Historical) Vector() []float32 {
	return []float32{
		float32(h.Count24h),
		float32(h.Count7d),
		float32(h.AvgResolutionTime),
		float32(h.FalsePositiveRate),
		float32(h.SnoozeCount),
		float32(h.AckRate),
		float32(h.EscalationRate),
		float32(h.DuplicateRate),
	}
}
