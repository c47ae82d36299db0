package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "store", cfg.Source.Kind)
	assert.Equal(t, 4, cfg.Pipeline.Concurrency)
	assert.Equal(t, 2, cfg.Pipeline.MaxRetries)
	assert.True(t, cfg.Pipeline.CopyEnabled)
	assert.Equal(t, time.Minute, cfg.Pipeline.PerCallTimeout())

	assert.Equal(t, []string{"profiling", "monetization", "competition"}, cfg.Stages.Enabled)
	assert.Equal(t, "profiling", cfg.Stages.Dependencies["monetization"])
	assert.Equal(t, "profiling", cfg.Stages.Dependencies["competition"])

	assert.Greater(t, cfg.Pricing.StageUSD["profiling"], 0.0)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("OPPSCAN_PIPELINE_CONCURRENCY", "9")
	t.Setenv("OPPSCAN_STORE_DRIVER", "postgres")
	t.Setenv("OPPSCAN_SOURCE_KIND", "live")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Pipeline.Concurrency)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "live", cfg.Source.Kind)
}

func TestInitLogger_RejectsBadLevel(t *testing.T) {
	assert.Error(t, InitLogger(LogConfig{Level: "chatty"}))
	assert.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
}
