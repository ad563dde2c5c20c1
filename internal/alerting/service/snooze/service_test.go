package snooze

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/alertiq/internal/alerting/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T) (*Service, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewService(NewMemoryStore(clock.Now), DefaultConfig())
	s.now = clock.Now
	return s, clock
}

func TestSnooze_RoundTripAndExpiry(t *testing.T) {
	s, clock := newTestService(t)
	ctx := context.Background()

	rec, err := s.Snooze(ctx, "X", 10*time.Minute, WithReason("deploy"), WithUser("alice"))
	require.NoError(t, err)
	assert.True(t, rec.IsActive)
	assert.Equal(t, rec.CreatedAt.Add(rec.Duration), rec.ExpiresAt)

	ok, err := s.IsSnoozed(ctx, "X")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, "X")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "alice", got.CreatedBy)

	clock.Advance(10 * time.Minute)
	ok, err = s.IsSnoozed(ctx, "X")
	require.NoError(t, err)
	assert.False(t, ok, "expires without an explicit unsnooze")
	got, err = s.Get(ctx, "X")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSnooze_ClampsDuration(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	tests := []struct {
		alert string
		in    time.Duration
		want  time.Duration
	}{
		{"short", time.Second, 5 * time.Minute},
		{"long", 48 * time.Hour, 24 * time.Hour},
		{"default", 0, time.Hour},
		{"exact", 2 * time.Hour, 2 * time.Hour},
	}
	for _, tt := range tests {
		rec, err := s.Snooze(ctx, tt.alert, tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, rec.Duration, tt.alert)
	}
}

func TestSnooze_DoesNotClobberActiveRecord(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	first, err := s.Snooze(ctx, "X", time.Hour)
	require.NoError(t, err)

	_, err = s.Snooze(ctx, "X", 2*time.Hour)
	assert.ErrorIs(t, err, ErrAlreadySnoozed)
	got, _ := s.Get(ctx, "X")
	assert.Equal(t, first.ID, got.ID)

	second, err := s.Snooze(ctx, "X", 2*time.Hour, WithReplace())
	require.NoError(t, err)
	got, _ = s.Get(ctx, "X")
	assert.Equal(t, second.ID, got.ID)
}

func TestExtend_CombinesRemainingAndAdditional(t *testing.T) {
	s, clock := newTestService(t)
	ctx := context.Background()
	_, err := s.Snooze(ctx, "X", 300*time.Second)
	require.NoError(t, err)

	rec, err := s.Extend(ctx, "X", 300*time.Second, WithUser("bob"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.InDelta(t, float64(600*time.Second), float64(rec.Duration), float64(time.Second))
	assert.Equal(t, "Extended by 5m0s", rec.Reason)

	remaining, ok, err := s.store.Remaining(ctx, "X")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, float64(600*time.Second), float64(remaining), float64(time.Second))

	clock.Advance(599 * time.Second)
	ok, _ = s.IsSnoozed(ctx, "X")
	assert.True(t, ok)

	hist, err := s.History(ctx, "X", 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, ActionExtended, hist[0].Action)
	assert.Equal(t, "bob", hist[0].UserID)
	assert.Equal(t, ActionCreated, hist[1].Action)
}

func TestExtend_NotSnoozed(t *testing.T) {
	s, _ := newTestService(t)
	rec, err := s.Extend(context.Background(), "nope", time.Hour)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestUnsnooze(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	_, err := s.Snooze(ctx, "X", time.Hour, WithUser("alice"))
	require.NoError(t, err)

	ok, err := s.Unsnooze(ctx, "X", WithReason("fixed"))
	require.NoError(t, err)
	assert.True(t, ok)
	snoozed, _ := s.IsSnoozed(ctx, "X")
	assert.False(t, snoozed)

	ok, err = s.Unsnooze(ctx, "X")
	require.NoError(t, err)
	assert.False(t, ok)

	hist, err := s.History(ctx, "X", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, ActionUnsnoozed, hist[0].Action)
	assert.Equal(t, "fixed", hist[0].Reason)
	assert.Equal(t, "alice", hist[0].UserID, "falls back to the snooze creator")
	assert.Equal(t, time.Hour, hist[0].Duration)
}

func TestChangeDetection(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	a := &model.Alert{ID: "X", Name: "HighCPU", Severity: model.SeverityWarning, Labels: map[string]string{"service": "api"}}
	_, err := s.Snooze(ctx, a.ID, time.Hour, WithAlert(a))
	require.NoError(t, err)

	changed, err := s.CheckAlertChanged(ctx, a)
	require.NoError(t, err)
	assert.False(t, changed)

	edited := *a
	edited.Severity = model.SeverityCritical
	changed, err = s.CheckAlertChanged(ctx, &edited)
	require.NoError(t, err)
	assert.True(t, changed)
	snoozed, _ := s.IsSnoozed(ctx, a.ID)
	assert.True(t, snoozed, "checking never unsnoozes")

	lifted, err := s.AutoUnsnoozeIfChanged(ctx, &edited)
	require.NoError(t, err)
	assert.True(t, lifted)
	snoozed, _ = s.IsSnoozed(ctx, a.ID)
	assert.False(t, snoozed)

	hist, _ := s.History(ctx, a.ID, 1)
	require.Len(t, hist, 1)
	assert.Equal(t, ReasonChanged, hist[0].Reason)
	assert.Equal(t, "system", hist[0].UserID)

	lifted, err = s.AutoUnsnoozeIfChanged(ctx, &edited)
	require.NoError(t, err)
	assert.False(t, lifted, "hash is gone after unsnooze")
}

func TestChangeDetectionDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoUnsnoozeOnChange = false
	s := NewService(NewMemoryStore(nil), cfg)
	ctx := context.Background()
	a := &model.Alert{ID: "X", Name: "A"}
	_, err := s.Snooze(ctx, a.ID, time.Hour, WithAlert(a))
	require.NoError(t, err)
	a.Name = "B"
	changed, err := s.CheckAlertChanged(ctx, a)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRecordAlertHash(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	a := &model.Alert{ID: "X", Name: "A"}
	_, err := s.Snooze(ctx, a.ID, time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.RecordAlertHash(ctx, a))

	a.Description = "now with details"
	changed, err := s.CheckAlertChanged(ctx, a)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestListAndSweep(t *testing.T) {
	s, clock := newTestService(t)
	ctx := context.Background()
	for _, id := range []string{"b", "a"} {
		_, err := s.Snooze(ctx, id, time.Hour)
		require.NoError(t, err)
	}
	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	n, err := s.SweepAudits(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(31 * 24 * time.Hour)
	ids, _ = s.List(ctx)
	assert.Empty(t, ids)
	n, err = s.SweepAudits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	hist, _ := s.History(ctx, "a", 10)
	assert.Empty(t, hist)
}

type brokenStore struct{ *MemoryStore }

var errDown = errors.New("connection refused")

func (brokenStore) Create(context.Context, *Record, time.Duration) (bool, error) {
	return false, errDown
}

func (brokenStore) Remaining(context.Context, string) (time.Duration, bool, error) {
	return 0, false, errDown
}

func TestStoreFailuresAreRetryable(t *testing.T) {
	s := NewService(brokenStore{NewMemoryStore(nil)}, DefaultConfig())
	_, err := s.Snooze(context.Background(), "X", time.Hour)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, errDown)
	assert.True(t, model.IsRetryable(err))

	_, err = s.IsSnoozed(context.Background(), "X")
	assert.True(t, model.IsRetryable(err))
}

func TestAlertHash(t *testing.T) {
	a := &model.Alert{Name: "A", Labels: map[string]string{"x": "1", "y": "2"}}
	b := &model.Alert{Name: "A", Labels: map[string]string{"y": "2", "x": "1"}, Summary: "ignored"}
	assert.Equal(t, AlertHash(a), AlertHash(b))
	b.Labels["x"] = "3"
	assert.NotEqual(t, AlertHash(a), AlertHash(b))
}

func TestDurationBucket(t *testing.T) {
	assert.Equal(t, "<1h", DurationBucket(5*time.Minute))
	assert.Equal(t, "1h-6h", DurationBucket(time.Hour))
	assert.Equal(t, "6h-24h", DurationBucket(24*time.Hour))
	assert.Equal(t, ">24h", DurationBucket(25*time.Hour))
}

func TestRedisStore(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 0})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer rdb.Close()

	prefix := "alertiq-test:" + uuid.NewString() + ":"
	s := NewService(NewRedisStore(rdb, prefix), DefaultConfig())
	a := &model.Alert{ID: "X", Name: "HighCPU"}
	t.Cleanup(func() {
		iter := rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			rdb.Del(ctx, iter.Val())
		}
	})

	_, err := s.Snooze(ctx, a.ID, 300*time.Second, WithAlert(a))
	require.NoError(t, err)
	_, err = s.Snooze(ctx, a.ID, 300*time.Second)
	assert.ErrorIs(t, err, ErrAlreadySnoozed)

	ok, err := s.IsSnoozed(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := s.Extend(ctx, a.ID, 300*time.Second)
	require.NoError(t, err)
	assert.InDelta(t, float64(600*time.Second), float64(rec.Duration), float64(2*time.Second))

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"X"}, ids)

	a.Severity = model.SeverityCritical
	lifted, err := s.AutoUnsnoozeIfChanged(ctx, a)
	require.NoError(t, err)
	assert.True(t, lifted)

	hist, err := s.History(ctx, a.ID, 10)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, ActionUnsnoozed, hist[0].Action)
	assert.Equal(t, ActionCreated, hist[2].Action)
}
