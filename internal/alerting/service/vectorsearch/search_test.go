package vectorsearch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/alertiq/internal/alerting/model"
	"github.com/qiniu/alertiq/internal/alerting/service/encoder"
)

func newSearchEngine(t *testing.T) *SearchEngine {
	t.Helper()
	enc := encoder.NewHashingEncoder(64)
	require.NoError(t, enc.Initialize(context.Background()))
	s, err := NewSearchEngine(enc, Config{Type: IndexFlat})
	require.NoError(t, err)
	return s
}

func TestSearchEngine_RequiresReadyEncoder(t *testing.T) {
	_, err := NewSearchEngine(encoder.NewHashingEncoder(64), Config{})
	assert.ErrorIs(t, err, model.ErrNotReady)
}

func TestSearchEngine_IndexAndSearch(t *testing.T) {
	s := newSearchEngine(t)
	fired := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	alerts := []*model.Alert{
		{ID: "a1", Name: "HighCPU", Description: "CPU usage above 90% on api-7", Severity: model.SeverityWarning, Service: "api", FiredAt: fired},
		{ID: "a2", Name: "HighCPU", Description: "CPU usage above 90% on api-9", Severity: model.SeverityWarning, Service: "api"},
		{ID: "a3", Name: "DiskFull", Description: "disk /var is 98% full", Severity: model.SeverityCritical, Service: "storage"},
	}
	require.NoError(t, s.IndexAlerts(context.Background(), alerts))
	assert.Equal(t, 64, s.Index().Dimension())

	res, err := s.SearchSimilar(context.Background(), "HighCPU CPU usage above 90% on api-7", 3, 0)
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, "a1", res[0].AlertID)
	assert.Equal(t, "a2", res[1].AlertID)
	assert.Equal(t, "api", res[0].Metadata["service"])
	assert.Equal(t, "warning", res[0].Metadata["severity"])
	assert.Equal(t, "2026-03-01T12:00:00Z", res[0].Metadata["fired_at"])
	_, hasFired := res[1].Metadata["fired_at"]
	assert.False(t, hasFired)

	similar, err := s.SimilarToAlert(context.Background(), alerts[0], 1, 0)
	require.NoError(t, err)
	require.Len(t, similar, 1)
	assert.Equal(t, "a2", similar[0].AlertID)

	stats, info := s.PerformanceStats()
	assert.Equal(t, 3, stats.TotalVectors)
	assert.Equal(t, "feature-hashing", info.Model)
}

func TestWrapEngine_DimensionMismatch(t *testing.T) {
	enc := encoder.NewHashingEncoder(32)
	idx, err := NewEngine(Config{Type: IndexFlat, Dimension: 16})
	require.NoError(t, err)
	_, err = WrapEngine(enc, idx)
	var de *DimensionError
	require.ErrorAs(t, err, &de)
}
