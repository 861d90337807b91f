package app

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join("testdata")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "debug", cfg.Server.LogLevel)

	require.Equal(t, "postgres", cfg.Database.Driver)
	require.True(t, cfg.Database.Postgres.Enabled)
	require.Equal(t, "db.example.com", cfg.Database.Postgres.Host)
	require.Equal(t, 5433, cfg.Database.Postgres.Port)

	require.True(t, cfg.Cache.Redis.Enabled)
	require.Equal(t, "redis.example.com:6380", cfg.Cache.Redis.Address)
	require.Equal(t, 2, cfg.Cache.Redis.DB)
	require.True(t, cfg.Cache.Redis.TLS)
	require.Equal(t, 750*time.Millisecond, cfg.Cache.Redis.Timeout)

	require.Equal(t, 2*time.Minute, cfg.Presence.EntryTTL)
	require.Equal(t, 200, cfg.ChatCache.Capacity)
	require.Equal(t, 25, cfg.ChatCache.ReplayLimit)
	require.Equal(t, 168*time.Hour, cfg.History.Retention)

	require.False(t, cfg.Monitoring.Prometheus.Enabled)

	require.Equal(t, "jwt-secret", cfg.Auth.JWT.Secret)
	require.Equal(t, "teampulse-test", cfg.Auth.JWT.Issuer)
	require.Equal(t, 30*time.Minute, cfg.Auth.JWT.AccessTokenTTL)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 8000, cfg.Server.Port)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.False(t, cfg.Cache.Redis.Enabled)
	require.False(t, cfg.Cache.Redis.TLS)
	require.Equal(t, 5*time.Minute, cfg.Presence.EntryTTL)
	require.Equal(t, 50, cfg.ChatCache.Capacity)
	require.Equal(t, "@hourly", cfg.History.SweepSchedule)
	require.True(t, cfg.Monitoring.Prometheus.Enabled)
	require.Equal(t, 12*time.Hour, cfg.Auth.JWT.AccessTokenTTL)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("TEAMPULSE_SERVER_PORT", "9999")
	t.Setenv("TEAMPULSE_CACHE_REDIS_ENABLED", "true")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 9999, cfg.Server.Port)
	require.True(t, cfg.Cache.Redis.Enabled)
}
