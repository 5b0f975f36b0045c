package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5, cfg.Dispatch.MaxConcurrent)
	assert.Equal(t, 1000, cfg.Dispatch.MaxQueueDepth)
	assert.Equal(t, 4096, cfg.Context.WindowTokens)
	assert.Equal(t, 3000, cfg.Context.BudgetTokens)
	assert.Equal(t, 5, cfg.Context.TopK)
	assert.Equal(t, 24*time.Hour, cfg.Session.TTL)
	assert.Equal(t, time.Hour, cfg.VKP.PollInterval)
	assert.Equal(t, 7, cfg.VKP.GraceDays)
	assert.Equal(t, time.Hour, cfg.Telemetry.UploadInterval)
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("max_concurrent_inferences", "9")
	t.Setenv("max_queue_depth", "42")
	t.Setenv("retrieval_top_k", "7")
	t.Setenv("session_ttl_seconds", "60")
	t.Setenv("instructional_language", "id")

	cfg := DefaultConfig()
	loadFromEnv(cfg)

	assert.Equal(t, 9, cfg.Dispatch.MaxConcurrent)
	assert.Equal(t, 42, cfg.Dispatch.MaxQueueDepth)
	assert.Equal(t, 7, cfg.Context.TopK)
	assert.Equal(t, 60*time.Second, cfg.Session.TTL)
	assert.Equal(t, "id", cfg.Locale.InstructionalLanguage)
}

func TestValidateRejectsBadDispatchConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dispatch.MaxConcurrent = 0
	cfg.Dispatch.MaxQueueDepth = -1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent")
	assert.Contains(t, err.Error(), "max_queue_depth")
}

func TestValidateRejectsBudgetFloorAboveBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Context.BudgetFloor = cfg.Context.BudgetTokens + 1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "budget_floor_tokens")
}

func TestValidateRequiresModelPathWhenRequired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model.RequireModel = true
	cfg.Model.ModelPath = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model_path")
}

func TestDataDirCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Metadata.Path = dir + "/nested/gateway.db"

	got, err := cfg.DataDir()
	require.NoError(t, err)

	info, err := os.Stat(got)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
