package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/SentinelIQ/SentinelCore/core"
	"github.com/SentinelIQ/SentinelCore/metrics"
	"github.com/SentinelIQ/SentinelCore/storage"
	"github.com/SentinelIQ/SentinelCore/util/goroutine"
	"go.uber.org/zap"
)

// Reconciler sweeps for orphaned runs: records stuck in running well past
// any plausible execution time, left behind by a crashed worker or process.
// Orphans are failed in place with a timeout message; the compare-and-set
// means a worker that is in fact still alive and finishing simply wins or
// loses the terminal write like any other racer.
type Reconciler struct {
	executions storage.ExecutionStore
	locks      *ModuleLocks
	queues     *StageQueues
	interval   time.Duration
	logger     *zap.SugaredLogger
}

// NewReconciler creates the sweeper. interval defaults to one minute.
func NewReconciler(executions storage.ExecutionStore, locks *ModuleLocks, queues *StageQueues,
	interval time.Duration, logger *zap.SugaredLogger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{
		executions: executions,
		locks:      locks,
		queues:     queues,
		interval:   interval,
		logger:     logger,
	}
}

// Start runs the sweep loop until ctx is canceled.
func (r *Reconciler) Start(ctx context.Context) {
	go func() {
		defer goroutine.Recover("reconciler", r.logger)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := r.Sweep(ctx); err != nil {
					r.logger.Errorw("Reconciliation sweep failed", "error", err)
				} else if n > 0 {
					r.logger.Infow("Reconciliation sweep finished", "orphans_failed", n)
				}
			}
		}
	}()
	r.logger.Infow("Reconciler started", "interval", r.interval)
}

// Sweep fails every orphaned run once and returns how many it claimed.
// A run is orphaned when it has been running past twice its stage's soft
// limit. Candidates are fetched with the smallest stage budget, then each
// record is held against its own stage's budget.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	orphans, err := r.executions.ListOrphans(ctx, now.Add(-2*r.queues.MinSoftLimit()))
	if err != nil {
		return 0, fmt.Errorf("listing orphans: %w", err)
	}

	claimed := 0
	for _, rec := range orphans {
		if rec.StartedAt == nil || now.Sub(*rec.StartedAt) < 2*r.queues.Settings(rec.Stage).SoftLimit {
			continue
		}
		msg := fmt.Sprintf("orphaned: running since %s with no live worker", rec.StartedAt.Format(time.RFC3339))
		won, err := r.executions.Complete(ctx, rec.ID, core.RunFailed, msg, rec.Log, 0, nil, time.Now().UTC())
		if err != nil {
			r.logger.Errorw("Failed to reconcile orphan", "run_id", rec.ID, "error", err)
			continue
		}
		if !won {
			continue
		}
		claimed++
		r.locks.Release(ctx, rec.ModuleID, rec.ID)
		metrics.RunsReconciled.Inc()
		metrics.RunsCompleted.WithLabelValues(string(rec.Stage), string(core.RunFailed)).Inc()
		r.logger.Warnw("Orphaned run failed by reconciler",
			"run_id", rec.ID,
			"module", rec.ModuleName,
			"stage", rec.Stage,
			"tenant_id", rec.TenantID,
			"started_at", rec.StartedAt)
	}
	return claimed, nil
}
