//go:build integration

package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/qiniu/alertiq/internal/alerting/database"
)

func setupPostgres(t *testing.T) *SQLStore {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("alertiq_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := database.New(ctx, database.Postgres, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewSQLStore(db)
	s.now = func() time.Time { return now }
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestPostgresStore(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	seed(t, s)

	h, err := s.Historical(ctx, cpu("new", 0, "prod"))
	require.NoError(t, err)
	assert.Equal(t, 3.0, h.Count24h)
	assert.Equal(t, 4.0, h.Count7d)
	assert.InDelta(t, 0.5, h.DuplicateRate, 1e-9)
	assert.InDelta(t, 600, h.AvgResolutionTime, 1e-6)

	fnr, err := s.FalseNegativeRate(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, fnr, 1e-9)

	p, err := s.Performance(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.NotNil(t, p.Accuracy)
	assert.InDelta(t, 1.0/3, *p.Accuracy, 1e-9)

	st, err := s.ServiceStats(ctx, "api")
	require.NoError(t, err)
	assert.InDelta(t, 1.0/3, st.FalsePositiveRate, 1e-9)

	samples, labels, err := s.TrainingSamples(ctx, now.Add(-30*24*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, samples, 3)
	assert.Equal(t, []int{0, 0, 1}, labels)
}
