package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := loadConfig(viper.New())
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Engine.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Engine.Cooldown)
	assert.Equal(t, 3, cfg.Engine.MaxRetries)
	assert.Equal(t, "exponential", cfg.Engine.Backoff)
	assert.Equal(t, "memory", cfg.Engine.BreakerStore)
	assert.Equal(t, 15*time.Second, cfg.Stream.KeepAlive)
	assert.Equal(t, time.Second, cfg.Engine.OutboxBaseDelay)
	assert.Equal(t, 10*time.Minute, cfg.Engine.OutboxMaxDelay)
	assert.False(t, cfg.Services.LLM.Configured())
	assert.Empty(t, cfg.Cron.Secret)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	yaml := []byte("engine:\n  failure_threshold: 3\n  backoff: fixed\nservices:\n  llm:\n    url: http://llm.local\n    api_key: file-key\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))

	t.Setenv("ENGINE_FAILURE_THRESHOLD", "7")
	t.Setenv("CRON_SECRET", "s3cret")
	t.Setenv("ENGINE_OUTBOX_MAX_DELAY", "30m")

	cfg, err := loadConfig(viper.New())
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Engine.FailureThreshold)
	assert.Equal(t, "fixed", cfg.Engine.Backoff)
	assert.True(t, cfg.Services.LLM.Configured())
	assert.Equal(t, "s3cret", cfg.Cron.Secret)
	assert.Equal(t, 30*time.Minute, cfg.Engine.OutboxMaxDelay)
}

func TestConfigValidate(t *testing.T) {
	base := func() Config {
		return Config{Engine: EngineConfig{
			FailureThreshold: 5, MaxRetries: 3, Backoff: "fixed", BreakerStore: "memory",
		}, Risk: RiskConfig{FraudThreshold: 0.8, AutoApproveThreshold: 0.2}}
	}

	cfg := base()
	require.NoError(t, cfg.Validate())

	cfg = base()
	cfg.Engine.Backoff = "linear"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Engine.FailureThreshold = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Engine.OutboxBaseDelay = time.Hour
	cfg.Engine.OutboxMaxDelay = time.Minute
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Risk.AutoApproveThreshold = 0.9
	assert.Error(t, cfg.Validate())
}
