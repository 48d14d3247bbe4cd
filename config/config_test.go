package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	viper.Reset()
	t.Chdir(t.TempDir()) // no config.yaml present

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, StartupModeStrict, cfg.StartupMode)
	assert.Equal(t, 8081, cfg.API.Port)
	assert.Equal(t, 3, cfg.Pipeline.Retry.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.Retry.Backoff)
	assert.False(t, cfg.Redis.Enabled)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, "json", cfg.Logging.Format)

	feed, ok := cfg.Pipeline.Queues["feed"]
	require.True(t, ok)
	assert.Equal(t, 4, feed.Workers)
	assert.Equal(t, 10*time.Minute, feed.SoftLimit)
	assert.Equal(t, 20*time.Minute, feed.HardLimit)
}

func TestResolveDataPaths(t *testing.T) {
	var cfg Config
	cfg.DataPaths.DataDir = "/var/lib/sentinelcore"
	cfg.ResolveDataPaths()

	assert.Equal(t, filepath.Join("/var/lib/sentinelcore", "sentinelcore.db"), cfg.DataPaths.SQLitePath)
	assert.Equal(t, filepath.Join("/var/lib/sentinelcore", "modules"), cfg.DataPaths.ModulesDir)

	// Explicit paths are preserved.
	cfg.DataPaths.SQLitePath = "/srv/db/core.db"
	cfg.ResolveDataPaths()
	assert.Equal(t, "/srv/db/core.db", cfg.DataPaths.SQLitePath)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad startup mode", func(c *Config) { c.StartupMode = "casual" }},
		{"bad port", func(c *Config) { c.API.Port = 0 }},
		{"zero retries", func(c *Config) { c.Pipeline.Retry.MaxAttempts = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"hard limit below soft", func(c *Config) {
			c.Pipeline.Queues = map[string]QueueConfig{
				"feed": {SoftLimit: 10 * time.Minute, HardLimit: time.Minute},
			}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func validConfig() *Config {
	var cfg Config
	cfg.StartupMode = StartupModeStrict
	cfg.API.Port = 8081
	cfg.Pipeline.Retry.MaxAttempts = 3
	cfg.Logging.Level = "info"
	return &cfg
}

func TestAPIAddr(t *testing.T) {
	cfg := validConfig()
	cfg.API.Host = "127.0.0.1"
	assert.Equal(t, "127.0.0.1:8081", cfg.APIAddr())
}
