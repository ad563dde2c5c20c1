package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/qiniu/alertiq/internal/alerting/database"
	"github.com/qiniu/alertiq/internal/alerting/model"
	"github.com/qiniu/alertiq/internal/alerting/service/grouping"
	"github.com/qiniu/alertiq/internal/alerting/service/ranker"
	"github.com/qiniu/alertiq/internal/alerting/service/threshold"
)

// Event is one processed firing of an alert.
type Event struct {
	Alert      *model.Alert
	NoiseScore *float64
	Suppressed bool
	Snoozed    bool
	GroupID    string
}

// Outcome is the operator verdict on an alert, recorded after the fact.
type Outcome struct {
	AlertID        string        `json:"alert_id"`
	Acknowledged   bool          `json:"acknowledged"`
	Escalated      bool          `json:"escalated"`
	FalsePositive  bool          `json:"false_positive"`
	ResolutionTime time.Duration `json:"resolution_time"`
	RecordedAt     time.Time     `json:"recorded_at"`
}

// SQLStore keeps alert events and outcomes in Postgres or SQLite. It feeds
// the ranker's historical and service features, the false-negative rate and
// threshold optimization. Timestamps are stored as unix milliseconds.
type SQLStore struct {
	DB *database.Database

	// FNRWindow bounds the outcomes considered by FalseNegativeRate.
	FNRWindow time.Duration
	now       func() time.Time
}

func NewSQLStore(db *database.Database) *SQLStore {
	return &SQLStore{DB: db, FNRWindow: 24 * time.Hour, now: time.Now}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS alert_events (
		id          TEXT PRIMARY KEY,
		alert_id    TEXT NOT NULL,
		name        TEXT NOT NULL,
		service     TEXT NOT NULL,
		severity    TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		labels      TEXT NOT NULL DEFAULT '{}',
		fingerprint TEXT NOT NULL,
		fired_at    BIGINT NOT NULL,
		noise_score DOUBLE PRECISION,
		suppressed  BOOLEAN NOT NULL DEFAULT FALSE,
		snoozed     BOOLEAN NOT NULL DEFAULT FALSE,
		group_id    TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_events_type ON alert_events (name, service, fired_at)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_events_service ON alert_events (service, fired_at)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_events_alert ON alert_events (alert_id)`,
	`CREATE TABLE IF NOT EXISTS alert_outcomes (
		alert_id        TEXT PRIMARY KEY,
		acknowledged    BOOLEAN NOT NULL,
		escalated       BOOLEAN NOT NULL,
		false_positive  BOOLEAN NOT NULL,
		resolution_secs DOUBLE PRECISION NOT NULL DEFAULT 0,
		recorded_at     BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_outcomes_recorded ON alert_outcomes (recorded_at)`,
}

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate history schema: %w", err)
		}
	}
	return nil
}

func ms(t time.Time) int64 { return t.UnixMilli() }

// RecordEvent stores one processed firing.
func (s *SQLStore) RecordEvent(ctx context.Context, e Event) error {
	a := e.Alert
	firedAt := a.FiredAt
	if firedAt.IsZero() {
		firedAt = s.now()
	}
	labels, err := json.Marshal(a.Labels)
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}
	var score sql.NullFloat64
	if e.NoiseScore != nil {
		score = sql.NullFloat64{Float64: *e.NoiseScore, Valid: true}
	}
	const q = `INSERT INTO alert_events
		(id, alert_id, name, service, severity, description, labels, fingerprint, fired_at, noise_score, suppressed, snoozed, group_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err = s.DB.ExecContext(ctx, q,
		uuid.NewString(), a.ID, a.Name, a.ServiceName(), string(a.Severity), a.Description, string(labels),
		grouping.GroupHash(a), ms(firedAt), score, e.Suppressed, e.Snoozed, e.GroupID)
	if err != nil {
		return model.Retryable("record alert event", err)
	}
	return nil
}

// RecordOutcome stores or replaces the verdict for an alert.
func (s *SQLStore) RecordOutcome(ctx context.Context, o Outcome) error {
	if o.AlertID == "" {
		return fmt.Errorf("outcome without alert id")
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = s.now()
	}
	const q = `INSERT INTO alert_outcomes
		(alert_id, acknowledged, escalated, false_positive, resolution_secs, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (alert_id) DO UPDATE SET
			acknowledged = EXCLUDED.acknowledged,
			escalated = EXCLUDED.escalated,
			false_positive = EXCLUDED.false_positive,
			resolution_secs = EXCLUDED.resolution_secs,
			recorded_at = EXCLUDED.recorded_at`
	_, err := s.DB.ExecContext(ctx, q, o.AlertID, o.Acknowledged, o.Escalated, o.FalsePositive, o.ResolutionTime.Seconds(), ms(o.RecordedAt))
	if err != nil {
		return model.Retryable("record alert outcome", err)
	}
	return nil
}

// Historical aggregates the history of alerts sharing a's name and service
// up to a's firing time.
func (s *SQLStore) Historical(ctx context.Context, a *model.Alert) (model.Historical, error) {
	at := a.FiredAt
	if at.IsZero() {
		at = s.now()
	}
	var h model.Historical
	svc := a.ServiceName()

	const counts = `SELECT
			COALESCE(SUM(CASE WHEN fired_at >= $3 THEN 1 ELSE 0 END), 0),
			COUNT(*),
			COALESCE(SUM(CASE WHEN snoozed THEN 1 ELSE 0 END), 0),
			COUNT(DISTINCT fingerprint)
		FROM alert_events
		WHERE name = $1 AND service = $2 AND fired_at >= $4 AND fired_at < $5`
	var c24, c7, snoozed, distinct int64
	err := s.DB.QueryRowContext(ctx, counts, a.Name, svc, ms(at.Add(-24*time.Hour)), ms(at.Add(-7*24*time.Hour)), ms(at)).
		Scan(&c24, &c7, &snoozed, &distinct)
	if err != nil {
		return h, model.Retryable("historical counts", err)
	}
	h.Count24h = float64(c24)
	h.Count7d = float64(c7)
	h.SnoozeCount = float64(snoozed)
	if c7 > 0 {
		h.DuplicateRate = float64(c7-distinct) / float64(c7)
	}

	const outcomes = `SELECT
			COUNT(*),
			CAST(COALESCE(AVG(resolution_secs), 0) AS DOUBLE PRECISION),
			CAST(COALESCE(AVG(CASE WHEN false_positive THEN 1.0 ELSE 0.0 END), 0) AS DOUBLE PRECISION),
			CAST(COALESCE(AVG(CASE WHEN acknowledged THEN 1.0 ELSE 0.0 END), 0) AS DOUBLE PRECISION),
			CAST(COALESCE(AVG(CASE WHEN escalated THEN 1.0 ELSE 0.0 END), 0) AS DOUBLE PRECISION)
		FROM alert_outcomes
		WHERE alert_id IN (SELECT alert_id FROM alert_events WHERE name = $1 AND service = $2 AND fired_at < $3)`
	var n int64
	err = s.DB.QueryRowContext(ctx, outcomes, a.Name, svc, ms(at)).
		Scan(&n, &h.AvgResolutionTime, &h.FalsePositiveRate, &h.AckRate, &h.EscalationRate)
	if err != nil {
		return h, model.Retryable("historical outcomes", err)
	}
	return h, nil
}

// ServiceStats reports the service's hourly alert rate over the last day
// and its false-positive rate over the last 30 days. Without any outcomes
// the false-positive rate is the ranker default.
func (s *SQLStore) ServiceStats(ctx context.Context, service string) (ranker.ServiceStats, error) {
	now := s.now()
	stats := ranker.DefaultServiceStats

	var n int64
	const rate = `SELECT COUNT(*) FROM alert_events WHERE service = $1 AND fired_at >= $2`
	if err := s.DB.QueryRowContext(ctx, rate, service, ms(now.Add(-24*time.Hour))).Scan(&n); err != nil {
		return stats, model.Retryable("service alert rate", err)
	}
	stats.AlertRate = float64(n) / 24

	var outcomes int64
	var fp float64
	const fpq = `SELECT COUNT(*), CAST(COALESCE(AVG(CASE WHEN false_positive THEN 1.0 ELSE 0.0 END), 0) AS DOUBLE PRECISION)
		FROM alert_outcomes
		WHERE recorded_at >= $2
		  AND alert_id IN (SELECT alert_id FROM alert_events WHERE service = $1)`
	if err := s.DB.QueryRowContext(ctx, fpq, service, ms(now.Add(-30*24*time.Hour))).Scan(&outcomes, &fp); err != nil {
		return stats, model.Retryable("service false-positive rate", err)
	}
	if outcomes > 0 {
		stats.FalsePositiveRate = fp
	}
	return stats, nil
}

// FalseNegativeRate is the share of actionable alerts, among outcomes
// recorded within FNRWindow, that had been suppressed. With no actionable
// outcomes it is 0.
func (s *SQLStore) FalseNegativeRate(ctx context.Context) (float64, error) {
	const q = `SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN EXISTS (
				SELECT 1 FROM alert_events e WHERE e.alert_id = o.alert_id AND e.suppressed
			) THEN 1 ELSE 0 END), 0)
		FROM alert_outcomes o
		WHERE NOT o.false_positive AND o.recorded_at >= $1`
	var signal, missed int64
	if err := s.DB.QueryRowContext(ctx, q, ms(s.now().Add(-s.FNRWindow))).Scan(&signal, &missed); err != nil {
		return 0, model.Retryable("false-negative rate", err)
	}
	if signal == 0 {
		return 0, nil
	}
	return float64(missed) / float64(signal), nil
}

// Performance summarizes suppression decisions against outcomes recorded
// since the given time. FalsePositiveRate is the share of surfaced alerts
// judged false positives; Accuracy the share of correct decisions. Fields
// stay nil when there is nothing to measure.
func (s *SQLStore) Performance(ctx context.Context, since time.Time) (threshold.Performance, error) {
	const q = `SELECT
			COALESCE(SUM(CASE WHEN d.suppressed = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN d.suppressed = 0 AND o.false_positive THEN 1 ELSE 0 END), 0),
			COUNT(*),
			COALESCE(SUM(CASE WHEN (d.suppressed = 1) = o.false_positive THEN 1 ELSE 0 END), 0)
		FROM alert_outcomes o
		JOIN (
			SELECT alert_id, MAX(CASE WHEN suppressed THEN 1 ELSE 0 END) AS suppressed
			FROM alert_events GROUP BY alert_id
		) d ON d.alert_id = o.alert_id
		WHERE o.recorded_at >= $1`
	var surfaced, surfacedFP, total, correct int64
	if err := s.DB.QueryRowContext(ctx, q, ms(since)).Scan(&surfaced, &surfacedFP, &total, &correct); err != nil {
		return threshold.Performance{}, model.Retryable("suppression performance", err)
	}
	var p threshold.Performance
	if surfaced > 0 {
		v := float64(surfacedFP) / float64(surfaced)
		p.FalsePositiveRate = &v
	}
	if total > 0 {
		v := float64(correct) / float64(total)
		p.Accuracy = &v
	}
	return p, nil
}

// TrainingSamples returns labelled samples (1 = noise) for alerts fired
// since the given time that have an outcome, most recent firing per alert.
func (s *SQLStore) TrainingSamples(ctx context.Context, since time.Time, limit int) ([]ranker.Sample, []int, error) {
	if limit <= 0 {
		limit = 10000
	}
	const q = `SELECT e.alert_id, e.name, e.service, e.severity, e.description, e.labels, e.fired_at, o.false_positive
		FROM alert_events e
		JOIN alert_outcomes o ON o.alert_id = e.alert_id
		WHERE e.fired_at >= $1
		ORDER BY e.fired_at DESC
		LIMIT $2`
	rows, err := s.DB.QueryContext(ctx, q, ms(since), limit)
	if err != nil {
		return nil, nil, model.Retryable("training samples", err)
	}
	var (
		alerts []*model.Alert
		labels []int
		seen   = map[string]bool{}
	)
	for rows.Next() {
		var (
			a        model.Alert
			severity string
			rawLabel string
			firedAt  int64
			fp       bool
		)
		if err := rows.Scan(&a.ID, &a.Name, &a.Service, &severity, &a.Description, &rawLabel, &firedAt, &fp); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("failed to scan training sample: %w", err)
		}
		if seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		a.Severity = model.Severity(severity)
		a.FiredAt = time.UnixMilli(firedAt).UTC()
		if err := json.Unmarshal([]byte(rawLabel), &a.Labels); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("failed to unmarshal labels of %s: %w", a.ID, err)
		}
		alerts = append(alerts, &a)
		label := 0
		if fp {
			label = 1
		}
		labels = append(labels, label)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, nil, model.Retryable("training samples", err)
	}

	// Rows are closed before the per-sample queries; SQLite runs on one
	// connection.
	samples := make([]ranker.Sample, len(alerts))
	for i, a := range alerts {
		h, err := s.Historical(ctx, a)
		if err != nil {
			return nil, nil, err
		}
		samples[i] = ranker.Sample{Alert: a, Historical: h}
	}
	return samples, labels, nil
}

// RecentAlerts returns the latest firing of each alert fired since the
// given time, newest first. It backs offline similarity index rebuilds.
func (s *SQLStore) RecentAlerts(ctx context.Context, since time.Time, limit int) ([]*model.Alert, error) {
	if limit <= 0 {
		limit = 100000
	}
	const q = `SELECT alert_id, name, service, severity, description, labels, fired_at
		FROM alert_events
		WHERE fired_at >= $1
		ORDER BY fired_at DESC
		LIMIT $2`
	rows, err := s.DB.QueryContext(ctx, q, ms(since), limit)
	if err != nil {
		return nil, model.Retryable("recent alerts", err)
	}
	defer rows.Close()
	var (
		out  []*model.Alert
		seen = map[string]bool{}
	)
	for rows.Next() {
		var (
			a        model.Alert
			severity string
			rawLabel string
			firedAt  int64
		)
		if err := rows.Scan(&a.ID, &a.Name, &a.Service, &severity, &a.Description, &rawLabel, &firedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert event: %w", err)
		}
		if seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		a.Severity = model.Severity(severity)
		a.FiredAt = time.UnixMilli(firedAt).UTC()
		if err := json.Unmarshal([]byte(rawLabel), &a.Labels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal labels of %s: %w", a.ID, err)
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Retryable("recent alerts", err)
	}
	return out, nil
}
