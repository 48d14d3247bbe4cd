package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/SentinelIQ/SentinelCore/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// lockKeyPrefix namespaces module reentrancy locks in redis.
const lockKeyPrefix = "sentinelcore:modlock:"

// releaseScript deletes the lock only when it is still held by the same run,
// so a slow run cannot release a lock a later run has since acquired.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ModuleLocks serializes runs of non-reentrant modules. The primary guard is
// a redis SET NX lock keyed by module id; when redis is not configured the
// guard degrades to counting active execution records, which is correct for
// a single node and best-effort across nodes.
type ModuleLocks struct {
	client     redis.UniversalClient
	executions storage.ExecutionStore
	ttl        time.Duration
	logger     *zap.SugaredLogger
}

// NewModuleLocks creates the lock manager. client may be nil to run in
// storage-fallback mode. ttl bounds how long a crashed holder can block a
// module; it should exceed the hard execution limit.
func NewModuleLocks(client redis.UniversalClient, executions storage.ExecutionStore, ttl time.Duration, logger *zap.SugaredLogger) *ModuleLocks {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ModuleLocks{client: client, executions: executions, ttl: ttl, logger: logger}
}

// Acquire attempts to take the module lock for runID. Returns false when
// another run currently holds it.
func (l *ModuleLocks) Acquire(ctx context.Context, moduleID, runID string) (bool, error) {
	if l.client != nil {
		ok, err := l.client.SetNX(ctx, lockKeyPrefix+moduleID, runID, l.ttl).Result()
		if err == nil {
			return ok, nil
		}
		l.logger.Warnw("Redis lock unavailable, falling back to storage check",
			"module_id", moduleID, "error", err)
	}

	active, err := l.executions.CountActive(ctx, moduleID)
	if err != nil {
		return false, fmt.Errorf("counting active runs for %s: %w", moduleID, err)
	}
	return active == 0, nil
}

// Release frees the lock if runID still holds it. Safe to call for runs that
// never acquired one; in fallback mode it is a no-op because the active-run
// count clears itself when the record goes terminal.
func (l *ModuleLocks) Release(ctx context.Context, moduleID, runID string) {
	if l.client == nil {
		return
	}
	if err := releaseScript.Run(ctx, l.client, []string{lockKeyPrefix + moduleID}, runID).Err(); err != nil && err != redis.Nil {
		l.logger.Warnw("Failed to release module lock, TTL will reclaim it",
			"module_id", moduleID, "run_id", runID, "error", err)
	}
}
