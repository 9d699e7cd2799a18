package config_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forkpool/forkpool/internal/config"
)

func TestFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := config.FromEnv()
		require.NoError(t, err)
		require.Equal(t, config.DefaultConcurrency(), cfg.Concurrency)
		require.Empty(t, cfg.Worker)
		require.False(t, cfg.Verbose)
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("FORKPOOL_CONCURRENCY", "3")
		t.Setenv("FORKPOOL_WORKER", "/opt/forkpool/forkpool")
		t.Setenv("FORKPOOL_VERBOSE", "true")

		cfg, err := config.FromEnv()
		require.NoError(t, err)
		require.Equal(t, 3, cfg.Concurrency)
		require.Equal(t, "/opt/forkpool/forkpool", cfg.Worker)
		require.True(t, cfg.Verbose)
	})

	t.Run("non-positive falls back to default", func(t *testing.T) {
		t.Setenv("FORKPOOL_CONCURRENCY", "0")
		cfg, err := config.FromEnv()
		require.NoError(t, err)
		require.Equal(t, config.DefaultConcurrency(), cfg.Concurrency)
	})

	t.Run("garbage is an error", func(t *testing.T) {
		t.Setenv("FORKPOOL_CONCURRENCY", "many")
		_, err := config.FromEnv()
		require.Error(t, err)
	})
}

func TestDefaultConcurrency(t *testing.T) {
	t.Parallel()
	require.GreaterOrEqual(t, config.DefaultConcurrency(), 2)
}
