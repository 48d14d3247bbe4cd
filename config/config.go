// Package config loads service configuration from config.yaml plus
// SENTINELCORE_* environment overrides, with defaults that run the whole
// pipeline on a single node with no external services.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StartupMode defines how initialization failures are handled.
type StartupMode string

const (
	// StartupModeStrict fails fast on any initialization error (default).
	StartupModeStrict StartupMode = "strict"
	// StartupModeGraceful starts with degraded functionality, logging warnings.
	StartupModeGraceful StartupMode = "graceful"
)

// DataPaths holds data directory and file path configuration.
type DataPaths struct {
	// DataDir is the base data directory (SENTINELCORE_DATA_DIR, default: ./data)
	DataDir string `mapstructure:"data_dir"`
	// SQLitePath is the SQLite database file path (default: ${DataDir}/sentinelcore.db)
	SQLitePath string `mapstructure:"sqlite_path"`
	// ModulesDir holds module manifest files registered at startup
	// (default: ${DataDir}/modules)
	ModulesDir string `mapstructure:"modules_dir"`
}

// QueueConfig configures one pipeline stage's worker pool and time limits.
type QueueConfig struct {
	Workers           int           `mapstructure:"workers"`
	QueueSize         int           `mapstructure:"queue_size"`
	MaxTasksPerWorker int           `mapstructure:"max_tasks_per_worker"`
	SoftLimit         time.Duration `mapstructure:"soft_limit"`
	HardLimit         time.Duration `mapstructure:"hard_limit"`
}

// Config holds all configuration for the SentinelCore service.
type Config struct {
	StartupMode StartupMode `mapstructure:"startup_mode"`

	DataPaths DataPaths `mapstructure:"data_paths"`

	API struct {
		Host      string `mapstructure:"host"`
		Port      int    `mapstructure:"port"`
		RateLimit struct {
			RequestsPerSecond int `mapstructure:"requests_per_second"`
			Burst             int `mapstructure:"burst"`
		} `mapstructure:"rate_limit"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"api"`

	Redis struct {
		Enabled  bool   `mapstructure:"enabled"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		PoolSize int    `mapstructure:"pool_size"`
	} `mapstructure:"redis"`

	Pipeline struct {
		// Queues maps stage name (feed, enrichment, analysis, response,
		// notification) to its pool configuration. Unlisted stages get
		// defaults.
		Queues map[string]QueueConfig `mapstructure:"queues"`

		Retry struct {
			MaxAttempts int           `mapstructure:"max_attempts"`
			Backoff     time.Duration `mapstructure:"backoff"`
		} `mapstructure:"retry"`

		// LockTTL bounds how long a crashed worker can hold a module's
		// reentrancy lock.
		LockTTL time.Duration `mapstructure:"lock_ttl"`
	} `mapstructure:"pipeline"`

	Scheduler struct {
		Enabled         bool          `mapstructure:"enabled"`
		RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	} `mapstructure:"scheduler"`

	Reconciler struct {
		Enabled  bool          `mapstructure:"enabled"`
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"reconciler"`

	Audit struct {
		// SensitiveKeys extends the built-in redaction list applied to
		// audit entry payloads.
		SensitiveKeys []string `mapstructure:"sensitive_keys"`
	} `mapstructure:"audit"`

	Notifications struct {
		WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
	} `mapstructure:"notifications"`

	Logging struct {
		Level  string `mapstructure:"level"`  // debug, info, warn, error
		Format string `mapstructure:"format"` // json or console
	} `mapstructure:"logging"`
}

func setDefaults() {
	viper.SetDefault("startup_mode", string(StartupModeStrict))

	viper.SetDefault("data_paths.data_dir", "./data")
	viper.SetDefault("data_paths.sqlite_path", "") // Empty = derive from data_dir
	viper.SetDefault("data_paths.modules_dir", "") // Empty = derive from data_dir

	viper.SetDefault("api.host", "0.0.0.0")
	viper.SetDefault("api.port", 8081)
	viper.SetDefault("api.rate_limit.requests_per_second", 100)
	viper.SetDefault("api.rate_limit.burst", 100)
	viper.SetDefault("api.read_timeout", 30*time.Second)
	viper.SetDefault("api.write_timeout", 30*time.Second)
	viper.SetDefault("api.shutdown_timeout", 15*time.Second)

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.addr", "127.0.0.1:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)

	// Feed collection tolerates slow upstreams; response actions are kept
	// on a short leash.
	viper.SetDefault("pipeline.queues.feed.workers", 4)
	viper.SetDefault("pipeline.queues.feed.queue_size", 256)
	viper.SetDefault("pipeline.queues.feed.max_tasks_per_worker", 1000)
	viper.SetDefault("pipeline.queues.feed.soft_limit", 10*time.Minute)
	viper.SetDefault("pipeline.queues.feed.hard_limit", 20*time.Minute)
	viper.SetDefault("pipeline.queues.enrichment.workers", 8)
	viper.SetDefault("pipeline.queues.enrichment.queue_size", 512)
	viper.SetDefault("pipeline.queues.enrichment.max_tasks_per_worker", 1000)
	viper.SetDefault("pipeline.queues.enrichment.soft_limit", 5*time.Minute)
	viper.SetDefault("pipeline.queues.enrichment.hard_limit", 10*time.Minute)
	viper.SetDefault("pipeline.queues.analysis.workers", 4)
	viper.SetDefault("pipeline.queues.analysis.queue_size", 256)
	viper.SetDefault("pipeline.queues.analysis.max_tasks_per_worker", 1000)
	viper.SetDefault("pipeline.queues.analysis.soft_limit", 5*time.Minute)
	viper.SetDefault("pipeline.queues.analysis.hard_limit", 10*time.Minute)
	viper.SetDefault("pipeline.queues.response.workers", 2)
	viper.SetDefault("pipeline.queues.response.queue_size", 128)
	viper.SetDefault("pipeline.queues.response.max_tasks_per_worker", 500)
	viper.SetDefault("pipeline.queues.response.soft_limit", 2*time.Minute)
	viper.SetDefault("pipeline.queues.response.hard_limit", 5*time.Minute)
	viper.SetDefault("pipeline.queues.notification.workers", 2)
	viper.SetDefault("pipeline.queues.notification.queue_size", 128)
	viper.SetDefault("pipeline.queues.notification.max_tasks_per_worker", 500)
	viper.SetDefault("pipeline.queues.notification.soft_limit", 1*time.Minute)
	viper.SetDefault("pipeline.queues.notification.hard_limit", 2*time.Minute)

	viper.SetDefault("pipeline.retry.max_attempts", 3)
	viper.SetDefault("pipeline.retry.backoff", 30*time.Second)
	viper.SetDefault("pipeline.lock_ttl", time.Hour)

	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.refresh_interval", time.Minute)

	viper.SetDefault("reconciler.enabled", true)
	viper.SetDefault("reconciler.interval", time.Minute)

	viper.SetDefault("audit.sensitive_keys", []string{})

	viper.SetDefault("notifications.webhook_timeout", 10*time.Second)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

// LoadConfig loads configuration from file and environment variables.
// A missing config file is not an error; defaults and env vars apply.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()

	viper.SetEnvPrefix("SENTINELCORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, will use defaults and env vars
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	config.ResolveDataPaths()
	return &config, nil
}

// Validate checks cross-field constraints the decoder cannot express.
func (c *Config) Validate() error {
	switch c.StartupMode {
	case StartupModeStrict, StartupModeGraceful:
	default:
		return fmt.Errorf("invalid startup_mode %q (must be strict or graceful)", c.StartupMode)
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api.port %d", c.API.Port)
	}
	if c.Pipeline.Retry.MaxAttempts < 1 {
		return fmt.Errorf("pipeline.retry.max_attempts must be at least 1")
	}
	for stage, q := range c.Pipeline.Queues {
		if q.SoftLimit > 0 && q.HardLimit > 0 && q.HardLimit <= q.SoftLimit {
			return fmt.Errorf("pipeline.queues.%s: hard_limit must exceed soft_limit", stage)
		}
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", c.Logging.Level)
	}
	return nil
}

// ResolveDataPaths derives unset paths from DataDir.
func (c *Config) ResolveDataPaths() {
	dataDir := c.DataPaths.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}
	if c.DataPaths.SQLitePath == "" {
		c.DataPaths.SQLitePath = filepath.Join(dataDir, "sentinelcore.db")
	} else if !filepath.IsAbs(c.DataPaths.SQLitePath) {
		c.DataPaths.SQLitePath = filepath.Clean(c.DataPaths.SQLitePath)
	}
	if c.DataPaths.ModulesDir == "" {
		c.DataPaths.ModulesDir = filepath.Join(dataDir, "modules")
	} else if !filepath.IsAbs(c.DataPaths.ModulesDir) {
		c.DataPaths.ModulesDir = filepath.Clean(c.DataPaths.ModulesDir)
	}
	c.DataPaths.DataDir = dataDir
}

// APIAddr returns the listen address for the HTTP API.
func (c *Config) APIAddr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}
