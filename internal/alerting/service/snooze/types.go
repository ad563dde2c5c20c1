package snooze

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/qiniu/alertiq/internal/alerting/model"
)

var (
	// ErrAlreadySnoozed is returned when an active snooze exists and the
	// caller did not ask to replace it.
	ErrAlreadySnoozed = errors.New("alert already snoozed")
	// ErrStoreUnavailable wraps transient failures of the TTL store.
	ErrStoreUnavailable = errors.New("snooze store unavailable")
)

// Audit actions.
const (
	ActionCreated   = "created"
	ActionExtended  = "extended"
	ActionUnsnoozed = "unsnoozed"
)

// ReasonChanged is recorded when a snooze is lifted because the alert's
// content changed.
const ReasonChanged = "Alert properties changed"

// Record is the live snooze of one alert.
type Record struct {
	ID        string        `json:"id"`
	AlertID   string        `json:"alert_id"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	Duration  time.Duration `json:"duration"`
	Reason    string        `json:"reason,omitempty"`
	CreatedBy string        `json:"created_by,omitempty"`
	IsActive  bool          `json:"is_active"`
}

// AuditEntry is one snooze transition. Entries outlive the record they
// describe.
type AuditEntry struct {
	SnoozeID  string        `json:"snooze_id"`
	AlertID   string        `json:"alert_id"`
	Action    string        `json:"action"`
	Timestamp time.Time     `json:"timestamp"`
	UserID    string        `json:"user_id,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Store is the TTL key-value backend. Get, Take and Hash return zero values
// without error when the key is absent or expired.
type Store interface {
	// Create stores rec only if no live record exists for its alert.
	Create(ctx context.Context, rec *Record, ttl time.Duration) (bool, error)
	Put(ctx context.Context, rec *Record, ttl time.Duration) error
	Get(ctx context.Context, alertID string) (*Record, error)
	// Remaining is the live record's TTL; ok is false when there is none.
	Remaining(ctx context.Context, alertID string) (d time.Duration, ok bool, err error)
	// Take removes and returns the live record atomically.
	Take(ctx context.Context, alertID string) (*Record, error)
	ActiveIDs(ctx context.Context) ([]string, error)

	SetHash(ctx context.Context, alertID, hash string, ttl time.Duration) error
	Hash(ctx context.Context, alertID string) (string, bool, error)
	DeleteHash(ctx context.Context, alertID string) error

	AppendAudit(ctx context.Context, e AuditEntry, retention time.Duration) error
	// Audit returns up to limit entries, newest first.
	Audit(ctx context.Context, alertID string, limit int) ([]AuditEntry, error)
	// PruneAudit drops entries older than before and reports how many.
	PruneAudit(ctx context.Context, before time.Time) (int, error)
}

// AlertHash fingerprints the fields whose change lifts a snooze.
func AlertHash(a *model.Alert) string {
	payload, _ := json.Marshal(struct {
		Name        string            `json:"name"`
		Severity    string            `json:"severity"`
		Description string            `json:"description"`
		Labels      map[string]string `json:"labels"`
	}{a.Name, string(a.Severity), a.Description, a.Labels})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// DurationBucket classifies a snooze length for metrics.
func DurationBucket(d time.Duration) string {
	switch {
	case d < time.Hour:
		return "<1h"
	case d < 6*time.Hour:
		return "1h-6h"
	case d <= 24*time.Hour:
		return "6h-24h"
	default:
		return ">24h"
	}
}
