package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/ocr-gateway/internal/cache"
	"github.com/ChuLiYu/ocr-gateway/internal/config"
	"github.com/ChuLiYu/ocr-gateway/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Metrics.Enabled = false
	cfg.Audio.Dir = t.TempDir()
	cfg.Gemini.Keys = []string{"g1", "g2"}
	return &cfg
}

func TestNewWiresProviders(t *testing.T) {
	cfg := testConfig(t)

	a, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, []string{types.BackendHosted, types.BackendAccurate, types.BackendFast}, a.Registry.Names())

	require.Len(t, a.Rotators, 2)
	assert.Equal(t, "gemini", a.Rotators[0].Provider())
	assert.Equal(t, 2, a.Rotators[0].Keys())
	assert.Equal(t, "ocrspace", a.Rotators[1].Provider())
	assert.Equal(t, 0, a.Rotators[1].Keys())

	assert.Equal(t, 10, a.Limiter.Limit("gemini-2.5-flash-preview-tts"))
	assert.Equal(t, 60, a.Limiter.Limit("ocrspace"))

	assert.IsType(t, &cache.Memory{}, a.Pipeline.Cache)
	assert.Nil(t, a.Metrics)
}

func TestNewWithoutCache(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.Enabled = false

	a, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Nil(t, a.Pipeline.Cache)
}

func TestNewFallsBackWhenRedisUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.RedisURL = "redis://127.0.0.1:1/0"

	a, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &cache.Memory{}, a.Pipeline.Cache)
}

func TestNewWithMetrics(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	cfg := testConfig(t)
	cfg.Metrics.Enabled = true

	a, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.NotNil(t, a.Metrics)
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(context.Background(), nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestRunBatchDegradesUnreadableImages(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)

	missing := filepath.Join(t.TempDir(), "missing.png")
	jobs := []types.Job{
		{ID: "1", Source: missing},
		{ID: "2", Source: missing},
	}
	results := a.RunBatch(context.Background(), jobs)

	require.Len(t, results, 2)
	for i, res := range results {
		assert.Equal(t, jobs[i].ID, res.ID)
		assert.True(t, res.IsDegraded())
		assert.Empty(t, res.AudioPath)
	}
}
