package snooze

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/alertiq/internal/alerting/model"
	"github.com/qiniu/alertiq/internal/metrics"
)

type Config struct {
	MinDuration          time.Duration `yaml:"min_duration"`
	MaxDuration          time.Duration `yaml:"max_duration"`
	DefaultDuration      time.Duration `yaml:"default_duration"`
	AutoUnsnoozeOnChange bool          `yaml:"auto_unsnooze_on_change"`
	AuditRetention       time.Duration `yaml:"audit_retention"`
}

func DefaultConfig() Config {
	return Config{
		MinDuration:          5 * time.Minute,
		MaxDuration:          24 * time.Hour,
		DefaultDuration:      time.Hour,
		AutoUnsnoozeOnChange: true,
		AuditRetention:       30 * 24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinDuration <= 0 {
		c.MinDuration = d.MinDuration
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = d.MaxDuration
	}
	if c.MaxDuration < c.MinDuration {
		c.MaxDuration = c.MinDuration
	}
	if c.DefaultDuration <= 0 {
		c.DefaultDuration = d.DefaultDuration
	}
	if c.AuditRetention <= 0 {
		c.AuditRetention = d.AuditRetention
	}
	return c
}

type options struct {
	reason  string
	user    string
	replace bool
	alert   *model.Alert
	action  string
}

// Option adjusts a single snooze or unsnooze call.
type Option func(*options)

func WithReason(r string) Option { return func(o *options) { o.reason = r } }

func WithUser(u string) Option { return func(o *options) { o.user = u } }

// WithReplace overwrites an active snooze instead of failing with
// ErrAlreadySnoozed.
func WithReplace() Option { return func(o *options) { o.replace = true } }

// WithAlert records the alert's content hash for change detection.
func WithAlert(a *model.Alert) Option { return func(o *options) { o.alert = a } }

func withAction(a string) Option { return func(o *options) { o.action = a } }

// Service manages time-bounded suppression of individual alerts.
type Service struct {
	store Store
	cfg   Config
	now   func() time.Time
}

func NewService(store Store, cfg Config) *Service {
	return &Service{store: store, cfg: cfg.withDefaults(), now: time.Now}
}

func (s *Service) Config() Config { return s.cfg }

func unavailable(op string, err error) error {
	return model.Retryable(op, fmt.Errorf("%w: %w", ErrStoreUnavailable, err))
}

// Clamp bounds a requested duration; zero selects the default.
func (s *Service) Clamp(d time.Duration) time.Duration {
	if d == 0 {
		d = s.cfg.DefaultDuration
	}
	return min(max(d, s.cfg.MinDuration), s.cfg.MaxDuration)
}

// Snooze suppresses alertID for d, clamped to the configured bounds. An
// existing active snooze is only replaced when WithReplace is given.
func (s *Service) Snooze(ctx context.Context, alertID string, d time.Duration, opts ...Option) (*Record, error) {
	o := options{action: ActionCreated}
	for _, fn := range opts {
		fn(&o)
	}
	d = s.Clamp(d)
	now := s.now()
	rec := &Record{
		ID:        uuid.NewString(),
		AlertID:   alertID,
		CreatedAt: now,
		ExpiresAt: now.Add(d),
		Duration:  d,
		Reason:    o.reason,
		CreatedBy: o.user,
		IsActive:  true,
	}

	if o.replace {
		if err := s.store.Put(ctx, rec, d); err != nil {
			return nil, unavailable("snooze", err)
		}
	} else {
		ok, err := s.store.Create(ctx, rec, d)
		if err != nil {
			return nil, unavailable("snooze", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrAlreadySnoozed, alertID)
		}
	}

	if s.cfg.AutoUnsnoozeOnChange {
		s.refreshHash(ctx, alertID, o.alert, d)
	}
	s.audit(ctx, AuditEntry{
		SnoozeID:  rec.ID,
		AlertID:   alertID,
		Action:    o.action,
		Timestamp: now,
		UserID:    o.user,
		Reason:    o.reason,
		Duration:  d,
	})
	metrics.SnoozesCreatedTotal.WithLabelValues(DurationBucket(d)).Inc()

	log.Info().
		Str("alert_id", alertID).
		Str("snooze_id", rec.ID).
		Str("action", o.action).
		Dur("duration", d).
		Time("expires_at", rec.ExpiresAt).
		Msg("alert snoozed")
	return rec, nil
}

// refreshHash stores the alert's hash, or re-arms an existing one with the
// new TTL when the alert is not at hand.
func (s *Service) refreshHash(ctx context.Context, alertID string, a *model.Alert, ttl time.Duration) {
	var (
		h   string
		err error
	)
	if a != nil {
		h = AlertHash(a)
	} else {
		var ok bool
		h, ok, err = s.store.Hash(ctx, alertID)
		if err != nil || !ok {
			return
		}
	}
	if err = s.store.SetHash(ctx, alertID, h, ttl); err != nil {
		log.Warn().Err(err).Str("alert_id", alertID).Msg("failed to store alert hash")
	}
}

// audit failures never undo the transition they describe.
func (s *Service) audit(ctx context.Context, e AuditEntry) {
	if err := s.store.AppendAudit(ctx, e, s.cfg.AuditRetention); err != nil {
		log.Warn().Err(err).Str("alert_id", e.AlertID).Str("action", e.Action).Msg("failed to write snooze audit entry")
	}
}

// Unsnooze lifts an active snooze. It reports false when none was active.
func (s *Service) Unsnooze(ctx context.Context, alertID string, opts ...Option) (bool, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	rec, err := s.store.Take(ctx, alertID)
	if err != nil {
		return false, unavailable("unsnooze", err)
	}
	if rec == nil {
		return false, nil
	}
	if err := s.store.DeleteHash(ctx, alertID); err != nil {
		log.Warn().Err(err).Str("alert_id", alertID).Msg("failed to delete alert hash")
	}
	user := o.user
	if user == "" {
		user = rec.CreatedBy
	}
	s.audit(ctx, AuditEntry{
		SnoozeID:  rec.ID,
		AlertID:   alertID,
		Action:    ActionUnsnoozed,
		Timestamp: s.now(),
		UserID:    user,
		Reason:    o.reason,
		Duration:  rec.Duration,
	})
	class := "manual"
	if o.reason == ReasonChanged {
		class = "changed"
	}
	metrics.UnsnoozesTotal.WithLabelValues(class).Inc()
	log.Info().Str("alert_id", alertID).Str("snooze_id", rec.ID).Str("reason", o.reason).Msg("alert unsnoozed")
	return true, nil
}

func (s *Service) IsSnoozed(ctx context.Context, alertID string) (bool, error) {
	_, ok, err := s.store.Remaining(ctx, alertID)
	if err != nil {
		return false, unavailable("is snoozed", err)
	}
	return ok, nil
}

// Get returns the active snooze for alertID, or nil.
func (s *Service) Get(ctx context.Context, alertID string) (*Record, error) {
	rec, err := s.store.Get(ctx, alertID)
	if err != nil {
		return nil, unavailable("get snooze", err)
	}
	return rec, nil
}

// List returns the ids of all snoozed alerts.
func (s *Service) List(ctx context.Context) ([]string, error) {
	ids, err := s.store.ActiveIDs(ctx)
	if err != nil {
		return nil, unavailable("list snoozes", err)
	}
	return ids, nil
}

// Extend re-snoozes alertID for its remaining time plus additional. It
// returns nil when the alert is not snoozed.
func (s *Service) Extend(ctx context.Context, alertID string, additional time.Duration, opts ...Option) (*Record, error) {
	remaining, ok, err := s.store.Remaining(ctx, alertID)
	if err != nil {
		return nil, unavailable("extend snooze", err)
	}
	if !ok {
		return nil, nil
	}
	opts = append([]Option{WithReason(fmt.Sprintf("Extended by %s", additional))}, opts...)
	opts = append(opts, WithReplace(), withAction(ActionExtended))
	return s.Snooze(ctx, alertID, remaining+additional, opts...)
}

// History returns up to limit audit entries for alertID, newest first.
func (s *Service) History(ctx context.Context, alertID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	entries, err := s.store.Audit(ctx, alertID, limit)
	if err != nil {
		return nil, unavailable("snooze history", err)
	}
	return entries, nil
}

// RecordAlertHash stores a's content hash for the lifetime of its snooze.
func (s *Service) RecordAlertHash(ctx context.Context, a *model.Alert) error {
	remaining, ok, err := s.store.Remaining(ctx, a.ID)
	if err != nil {
		return unavailable("record alert hash", err)
	}
	if !ok {
		remaining = s.cfg.DefaultDuration
	}
	if err := s.store.SetHash(ctx, a.ID, AlertHash(a), remaining); err != nil {
		return unavailable("record alert hash", err)
	}
	return nil
}

// CheckAlertChanged reports whether a differs from the content recorded at
// snooze time. It never modifies the snooze.
func (s *Service) CheckAlertChanged(ctx context.Context, a *model.Alert) (bool, error) {
	if !s.cfg.AutoUnsnoozeOnChange {
		return false, nil
	}
	stored, ok, err := s.store.Hash(ctx, a.ID)
	if err != nil {
		return false, unavailable("check alert hash", err)
	}
	if !ok {
		return false, nil
	}
	return stored != AlertHash(a), nil
}

// AutoUnsnoozeIfChanged lifts a's snooze when its content changed.
func (s *Service) AutoUnsnoozeIfChanged(ctx context.Context, a *model.Alert) (bool, error) {
	changed, err := s.CheckAlertChanged(ctx, a)
	if err != nil || !changed {
		return false, err
	}
	return s.Unsnooze(ctx, a.ID, WithReason(ReasonChanged), WithUser("system"))
}

// SweepAudits removes audit entries older than the retention window.
func (s *Service) SweepAudits(ctx context.Context) (int, error) {
	n, err := s.store.PruneAudit(ctx, s.now().Add(-s.cfg.AuditRetention))
	if err != nil {
		return n, unavailable("sweep snooze audits", err)
	}
	if n > 0 {
		log.Info().Int("removed", n).Msg("swept expired snooze audit entries")
	}
	return n, nil
}
