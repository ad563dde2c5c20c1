package receiver

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/qiniu/alertiq/internal/alerting/model"
)

type KV map[string]string

// AMWebhook is the Alertmanager webhook payload.
type AMWebhook struct {
	Version           string    `json:"version"`
	GroupKey          string    `json:"groupKey"`
	Status            string    `json:"status"`
	Receiver          string    `json:"receiver"`
	GroupLabels       KV        `json:"groupLabels"`
	CommonLabels      KV        `json:"commonLabels"`
	CommonAnnotations KV        `json:"commonAnnotations"`
	ExternalURL       string    `json:"externalURL"`
	Alerts            []AMAlert `json:"alerts"`
}

type AMAlert struct {
	Status       string    `json:"status"`
	Labels       KV        `json:"labels"`
	Annotations  KV        `json:"annotations"`
	StartsAt     time.Time `json:"startsAt"`
	EndsAt       time.Time `json:"endsAt"`
	GeneratorURL string    `json:"generatorURL"`
	Fingerprint  string    `json:"fingerprint"`
}

var ErrInvalidPayload = errors.New("invalid webhook payload")

func ValidateAMWebhook(w *AMWebhook) error {
	if w == nil {
		return ErrInvalidPayload
	}
	if strings.TrimSpace(w.Status) == "" {
		return fmt.Errorf("%w: missing status", ErrInvalidPayload)
	}
	if len(w.Alerts) == 0 {
		return fmt.Errorf("%w: no alerts", ErrInvalidPayload)
	}
	for i, a := range w.Alerts {
		if strings.TrimSpace(a.Labels["alertname"]) == "" {
			return fmt.Errorf("%w: alerts[%d] missing alertname label", ErrInvalidPayload, i)
		}
		if a.StartsAt.IsZero() {
			return fmt.Errorf("%w: alerts[%d] missing startsAt", ErrInvalidPayload, i)
		}
	}
	return nil
}

// LabelAliases folds common label spellings onto the keys the rule engine
// and ranker look up.
var LabelAliases = map[string]string{
	"svc":         "service",
	"app":         "service",
	"environment": "env",
	"zone":        "region",
}

// MapToAlert converts one Alertmanager alert into an Alert. Common labels
// and annotations from the envelope fill in what the alert omits. The id is
// the Alertmanager fingerprint plus the firing start, so repeated
// notifications of one firing share it.
func MapToAlert(w *AMWebhook, a *AMAlert) (*model.Alert, error) {
	labels := KV{}
	for k, v := range w.CommonLabels {
		labels[k] = v
	}
	for k, v := range a.Labels {
		labels[k] = v
	}
	ann := KV{}
	for k, v := range w.CommonAnnotations {
		ann[k] = v
	}
	for k, v := range a.Annotations {
		ann[k] = v
	}

	name := strings.TrimSpace(labels["alertname"])
	if name == "" {
		return nil, fmt.Errorf("%w: missing alertname label", ErrInvalidPayload)
	}
	sev, ok := model.ParseSeverity(firstNonEmpty(labels["severity"], labels["level"], labels["priority"]))
	if !ok {
		sev = model.SeverityWarning
	}

	norm := model.NormalizeLabels(labels, LabelAliases)
	delete(norm, "alertname")

	fp := a.Fingerprint
	if fp == "" {
		fp = fmt.Sprintf("%016x", xxhash.Sum64String(name+"\x00"+model.CanonicalLabelKey(norm)))
	}
	return &model.Alert{
		ID:          fmt.Sprintf("%s-%d", fp, a.StartsAt.Unix()),
		Name:        name,
		Description: firstNonEmpty(ann["description"], ann["message"]),
		Summary:     ann["summary"],
		Severity:    sev,
		Labels:      norm,
		Service:     norm["service"],
		Environment: norm["env"],
		Region:      norm["region"],
		FiredAt:     a.StartsAt.UTC(),
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// ValidateAlert checks an alert posted in native form.
func ValidateAlert(a *model.Alert) error {
	if a == nil {
		return ErrInvalidPayload
	}
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidPayload)
	}
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidPayload)
	}
	return nil
}
