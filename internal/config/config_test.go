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

	assert.Equal(t, DefaultHost, cfg.Server.Host)
	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, 0.5, cfg.RateLimit.DetectionThreshold)
	assert.Equal(t, int64(60_000), cfg.RateLimit.MinCooldownMs)
	assert.Equal(t, int64(300_000), cfg.RateLimit.MaxCooldownMs)
	assert.Equal(t, float64(2), cfg.RateLimit.BackoffMultiplier)
	assert.Equal(t, 20, cfg.RateLimit.HistoryWindowSize)
	assert.Equal(t, 30*time.Second, cfg.Worker.RequestTimeout)
	assert.Equal(t, 1000, cfg.Worker.MaxQueueSize)
	assert.Equal(t, 30*time.Second, cfg.Worker.HealthCheckInterval)
	assert.Equal(t, "./data/statistics.db", cfg.Database.Path)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_WithoutFile(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, DefaultHost, cfg.Server.Host)
}

func TestLoadConfig_WithEnvironmentVariables(t *testing.T) {
	testEnvVars := map[string]string{
		"RPCGATE_SERVER_PORT":    "8080",
		"RPCGATE_SERVER_HOST":    "127.0.0.1",
		"RPCGATE_LOGGING_LEVEL":  "debug",
		"RPCGATE_DATABASE_PATH":  "./testdata/stats.db",
	}

	for key, value := range testEnvVars {
		os.Setenv(key, value)
	}
	defer func() {
		for key := range testEnvVars {
			os.Unsetenv(key)
		}
	}()

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "./testdata/stats.db", cfg.Database.Path)
}

func TestConfigValidate_DefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestConfigValidate_RejectsBadFields(t *testing.T) {
	testCases := []struct {
		name        string
		modify      func(*Config)
		errContains string
	}{
		{
			name:        "port zero",
			modify:      func(c *Config) { c.Server.Port = 0 },
			errContains: "server.port",
		},
		{
			name:        "port above 65535",
			modify:      func(c *Config) { c.Server.Port = 99999 },
			errContains: "server.port",
		},
		{
			name:        "empty host",
			modify:      func(c *Config) { c.Server.Host = "" },
			errContains: "server.host",
		},
		{
			name:        "threshold above 1",
			modify:      func(c *Config) { c.RateLimit.DetectionThreshold = 1.5 },
			errContains: "detectionThreshold",
		},
		{
			name:        "max cooldown below min",
			modify:      func(c *Config) { c.RateLimit.MaxCooldownMs = c.RateLimit.MinCooldownMs - 1 },
			errContains: "minCooldownMs",
		},
		{
			name:        "backoff multiplier too small",
			modify:      func(c *Config) { c.RateLimit.BackoffMultiplier = 1 },
			errContains: "backoffMultiplier",
		},
		{
			name:        "zero queue size",
			modify:      func(c *Config) { c.Worker.MaxQueueSize = 0 },
			errContains: "maxQueueSize",
		},
		{
			name:        "empty database path",
			modify:      func(c *Config) { c.Database.Path = "" },
			errContains: "database.path",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errContains)
		})
	}
}
