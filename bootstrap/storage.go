package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/SentinelIQ/SentinelCore/config"
	"github.com/SentinelIQ/SentinelCore/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// InitSQLite opens the embedded database, creating the data directory and
// schema as needed.
func InitSQLite(cfg *config.Config, sugar *zap.SugaredLogger) (*storage.SQLite, error) {
	dir := filepath.Dir(cfg.DataPaths.SQLitePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dir, err)
	}

	sqlite, err := storage.NewSQLite(cfg.DataPaths.SQLitePath, sugar)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite at %s: %w", cfg.DataPaths.SQLitePath, err)
	}
	sugar.Infow("SQLite initialized", "path", cfg.DataPaths.SQLitePath)
	return sqlite, nil
}

// InitRedis connects to redis when enabled. In graceful startup mode a
// connection failure degrades to nil (reentrancy locks fall back to the
// execution store); strict mode fails startup.
func InitRedis(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (redis.UniversalClient, error) {
	if !cfg.Redis.Enabled {
		sugar.Info("Redis disabled, module locks use storage fallback")
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		if cfg.StartupMode == config.StartupModeGraceful {
			sugar.Warnw("Redis unreachable, continuing degraded with storage-fallback locks",
				"addr", cfg.Redis.Addr, "error", err)
			return nil, nil
		}
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}
	sugar.Infow("Redis connected", "addr", cfg.Redis.Addr)
	return client, nil
}
