package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("Defaults", func(t *testing.T) {
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)

		assert.Equal(t, "fs", cfg.Store.Backend)
		assert.Empty(t, cfg.Store.Path)

		assert.Equal(t, 7200, cfg.Jobs.TTL)
		assert.Equal(t, time.Second, cfg.Jobs.PollInterval)
		assert.Equal(t, "@every 1m", cfg.Jobs.SweepSchedule)
		assert.Equal(t, []string{"instance-launch", "instance-update", "instance-terminate"}, cfg.Jobs.Types)

		assert.Equal(t, 4, cfg.Workers)
		assert.Equal(t, 30*time.Second, cfg.Agent.RequestTimeout)
	})

	t.Run("EnvironmentOverrides", func(t *testing.T) {
		t.Setenv("PROVISD_PORT", "9999")
		t.Setenv("PROVISD_LOG_LEVEL", "debug")
		t.Setenv("PROVISD_STORE_BACKEND", "sqlite")
		t.Setenv("PROVISD_JOB_TTL", "60")
		t.Setenv("PROVISD_POLL_INTERVAL", "250ms")
		t.Setenv("PROVISD_AGENT_URL", "http://10.0.0.4:5988")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 9999, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "sqlite", cfg.Store.Backend)
		assert.Equal(t, 60, cfg.Jobs.TTL)
		assert.Equal(t, 250*time.Millisecond, cfg.Jobs.PollInterval)
		assert.Equal(t, "http://10.0.0.4:5988", cfg.Agent.BaseURL)
	})

	t.Run("OverridesBeatEnvironment", func(t *testing.T) {
		t.Setenv("PROVISD_PORT", "9999")

		cfg, err := Load(ctx, map[string]any{
			"server": map[string]any{"port": 7070},
			"jobs":   map[string]any{"types": []string{"volume-create"}},
		})
		require.NoError(t, err)

		assert.Equal(t, 7070, cfg.Server.Port)
		assert.Equal(t, []string{"volume-create"}, cfg.Jobs.Types)
	})

	t.Run("GetConfigReturnsLastLoaded", func(t *testing.T) {
		cfg, err := Load(ctx, map[string]any{
			"server": map[string]any{"port": 6060},
		})
		require.NoError(t, err)
		require.Same(t, cfg, GetConfig())
	})
}

func TestLoadValidation(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name     string
		override map[string]any
	}{
		{"UnknownBackend", map[string]any{"store": map[string]any{"backend": "redis"}}},
		{"S3WithoutBucket", map[string]any{"store": map[string]any{"backend": "s3"}}},
		{"NegativeTTL", map[string]any{"jobs": map[string]any{"ttl": -1}}},
		{"TinyPollInterval", map[string]any{"jobs": map[string]any{"poll_interval": "1ms"}}},
		{"ZeroWorkers", map[string]any{"workers": 0}},
		{"NoTypes", map[string]any{"jobs": map[string]any{"types": []string{}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(ctx, tc.override)
			assert.Error(t, err)
		})
	}
}
