// Package pipeline moves runs from submission to a terminal execution
// record: dispatcher, per-stage worker pools, execution engine, cron
// scheduler, and the orphan reconciler.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/SentinelIQ/SentinelCore/core"
	"go.uber.org/zap"
)

// QueueSettings configures one stage's worker pool and time limits.
type QueueSettings struct {
	Workers           int
	QueueSize         int
	MaxTasksPerWorker int

	// SoftLimit is delivered to the runner through its context deadline.
	SoftLimit time.Duration
	// HardLimit is enforced by the engine's watchdog: a runner that ignores
	// cancellation is abandoned and its run is failed with a timeout.
	HardLimit time.Duration
}

// DefaultQueueSettings are applied for any stage left unconfigured.
func DefaultQueueSettings() QueueSettings {
	return QueueSettings{
		Workers:           4,
		QueueSize:         256,
		MaxTasksPerWorker: 1000,
		SoftLimit:         5 * time.Minute,
		HardLimit:         10 * time.Minute,
	}
}

// normalized fills zero fields from defaults and keeps the hard limit above
// the soft one.
func (s QueueSettings) normalized() QueueSettings {
	def := DefaultQueueSettings()
	if s.Workers <= 0 {
		s.Workers = def.Workers
	}
	if s.QueueSize <= 0 {
		s.QueueSize = def.QueueSize
	}
	if s.MaxTasksPerWorker < 0 {
		s.MaxTasksPerWorker = def.MaxTasksPerWorker
	}
	if s.SoftLimit <= 0 {
		s.SoftLimit = def.SoftLimit
	}
	if s.HardLimit <= s.SoftLimit {
		s.HardLimit = 2 * s.SoftLimit
	}
	return s
}

// StageQueues owns one worker pool per pipeline stage. Pools never share
// queues, so a saturated enrichment stage cannot starve feed collection.
type StageQueues struct {
	pools    map[core.Stage]*core.WorkerPool
	settings map[core.Stage]QueueSettings
	logger   *zap.SugaredLogger
}

// NewStageQueues builds a pool for every pipeline stage from per-stage
// settings, falling back to defaults for stages not present in the map.
func NewStageQueues(ctx context.Context, perStage map[core.Stage]QueueSettings, logger *zap.SugaredLogger) *StageQueues {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	q := &StageQueues{
		pools:    make(map[core.Stage]*core.WorkerPool, len(core.Stages)),
		settings: make(map[core.Stage]QueueSettings, len(core.Stages)),
		logger:   logger,
	}
	for _, stage := range core.Stages {
		s := perStage[stage].normalized()
		q.settings[stage] = s
		q.pools[stage] = core.NewWorkerPool(ctx, s.Workers, s.QueueSize, s.MaxTasksPerWorker, string(stage), logger)
	}
	return q
}

// Start starts every stage pool.
func (q *StageQueues) Start() error {
	for stage, pool := range q.pools {
		if err := pool.Start(); err != nil {
			return fmt.Errorf("starting %s pool: %w", stage, err)
		}
	}
	return nil
}

// Stop drains and stops every stage pool.
func (q *StageQueues) Stop() {
	for _, pool := range q.pools {
		pool.Stop()
	}
	q.logger.Infow("All stage queues stopped")
}

// Enqueue submits a task to the stage's pool.
func (q *StageQueues) Enqueue(stage core.Stage, task func()) error {
	pool, ok := q.pools[stage]
	if !ok {
		return fmt.Errorf("no queue for stage %q", stage)
	}
	return pool.Submit(task)
}

// Settings returns the effective settings of a stage.
func (q *StageQueues) Settings(stage core.Stage) QueueSettings {
	if s, ok := q.settings[stage]; ok {
		return s
	}
	return DefaultQueueSettings()
}

// MinSoftLimit returns the smallest soft limit across stages. The
// reconciler uses it to bound its candidate fetch before applying each
// record's own stage budget.
func (q *StageQueues) MinSoftLimit() time.Duration {
	min := time.Duration(0)
	for _, s := range q.settings {
		if min == 0 || s.SoftLimit < min {
			min = s.SoftLimit
		}
	}
	if min == 0 {
		min = DefaultQueueSettings().SoftLimit
	}
	return min
}

// Stats returns per-stage pool statistics for the operational API.
func (q *StageQueues) Stats() map[string]core.WorkerPoolStats {
	out := make(map[string]core.WorkerPoolStats, len(q.pools))
	for stage, pool := range q.pools {
		out[string(stage)] = pool.GetStats()
	}
	return out
}
