package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/alertiq/internal/alerting/model"
	"github.com/qiniu/alertiq/internal/alerting/service/vectorsearch"
	"github.com/qiniu/alertiq/internal/config"
)

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "train", "tune", "rules", "index"})
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestNewEncoderBackends(t *testing.T) {
	ctx := context.Background()
	enc, err := newEncoder(ctx, config.EncoderConfig{Backend: "hashing", Dimension: 32})
	require.NoError(t, err)
	assert.True(t, enc.Ready())
	assert.Equal(t, 32, enc.Dimension())

	_, err = newEncoder(ctx, config.EncoderConfig{Backend: "http"})
	assert.Error(t, err, "http backend needs a url")
	_, err = newEncoder(ctx, config.EncoderConfig{Backend: "onnx"})
	assert.Error(t, err)
}

func TestNewSearchEngineReopensSavedIndex(t *testing.T) {
	ctx := context.Background()
	enc, err := newEncoder(ctx, config.EncoderConfig{Dimension: 32})
	require.NoError(t, err)
	sc := config.SearchConfig{IndexType: "Flat", IndexPath: filepath.Join(t.TempDir(), "alerts")}

	fresh, err := newSearchEngine(enc, sc)
	require.NoError(t, err)
	require.NoError(t, fresh.IndexAlerts(ctx, []*model.Alert{
		{ID: "a1", Name: "HighCPU", Service: "api", Severity: model.SeverityCritical},
	}))
	require.NoError(t, fresh.Index().Save(sc.IndexPath))

	reopened, err := newSearchEngine(enc, sc)
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Index().Stats().LiveVectors)
	assert.Equal(t, vectorsearch.IndexFlat, reopened.Index().Type())

	_, err = newSearchEngine(enc, config.SearchConfig{IndexType: "BTree"})
	assert.Error(t, err)
}

func TestNewRuleEngineAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	doc := `
services:
  api:
    rules:
      - name: cpu
        conditions:
          - {field: name, operator: eq, value: HighCPU}
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	eng, err := newRuleEngine(config.RulesConfig{File: path, DefaultSimilarityThreshold: 0.8, DefaultTimeWindow: "5m"})
	require.NoError(t, err)
	assert.Equal(t, 0.8, eng.Defaults().SimilarityThreshold)
	assert.Equal(t, 5*time.Minute, eng.Defaults().TimeWindow)
	assert.Contains(t, eng.Summary(), "api")

	_, err = newRuleEngine(config.RulesConfig{File: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

func TestNewSnoozeMemoryStore(t *testing.T) {
	svc, err := newSnooze(config.SnoozeConfig{Store: "memory", MinDuration: "1m"}, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, svc.Config().MinDuration)
	assert.True(t, svc.Config().AutoUnsnoozeOnChange)

	_, err = newSnooze(config.SnoozeConfig{Store: "etcd"}, nil)
	assert.Error(t, err)
}
