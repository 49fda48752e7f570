package config_test

import (
	"path/filepath"
	"testing"
	"time"

	"mediaflow/app/config"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper() *viper.Viper {
	v := viper.New()
	config.BindEnv(v)
	return v
}

func TestLoadFrom(t *testing.T) {
	t.Run("loads default values", func(t *testing.T) {
		cfg, err := config.LoadFrom(newViper())
		require.NoError(t, err)

		assert.Equal(t, "5000", cfg.Server.Port)
		assert.Equal(t, 3, cfg.Queue.Concurrency)
		assert.Equal(t, 500, cfg.Queue.MaxArchived)
		assert.Equal(t, 10, cfg.Pipeline.FrameInterval)
		assert.Equal(t, "sha256", cfg.Pipeline.HashAlgorithm)
		assert.Equal(t, 30*time.Second, cfg.Reconciler.StartupDelay)
		assert.Equal(t, "@every 30m", cfg.Reconciler.Schedule)
		assert.Equal(t, 10*time.Minute, cfg.Transcribe.Timeout)
		assert.Equal(t, filepath.Join("data", "media"), cfg.MediaRoot())
		assert.Equal(t, filepath.Join("data", "mediaflow.db"), cfg.DatabasePath())
	})

	t.Run("environment overrides defaults", func(t *testing.T) {
		t.Setenv("MEDIAFLOW_SERVER_PORT", "9999")
		t.Setenv("MEDIAFLOW_QUEUE_CONCURRENCY", "7")
		t.Setenv("MEDIAFLOW_PIPELINE_HASH_ALGORITHM", "blake2b")
		t.Setenv("MEDIAFLOW_STORAGE_MEDIA_DIR", "/srv/media")

		cfg, err := config.LoadFrom(newViper())
		require.NoError(t, err)

		assert.Equal(t, "9999", cfg.Server.Port)
		assert.Equal(t, 7, cfg.Queue.Concurrency)
		assert.Equal(t, "blake2b", cfg.Pipeline.HashAlgorithm)
		assert.Equal(t, "/srv/media", cfg.MediaRoot())
	})

	t.Run("rejects invalid values", func(t *testing.T) {
		t.Setenv("MEDIAFLOW_QUEUE_CONCURRENCY", "0")
		_, err := config.LoadFrom(newViper())
		assert.Error(t, err)
	})

	t.Run("rejects unknown hash algorithm", func(t *testing.T) {
		t.Setenv("MEDIAFLOW_PIPELINE_HASH_ALGORITHM", "md5")
		_, err := config.LoadFrom(newViper())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "md5")
	})

	t.Run("rejects malformed reconciler schedule", func(t *testing.T) {
		t.Setenv("MEDIAFLOW_RECONCILER_SCHEDULE", "not a schedule")
		_, err := config.LoadFrom(newViper())
		assert.Error(t, err)
	})
}
