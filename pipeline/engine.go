package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SentinelIQ/SentinelCore/core"
	"github.com/SentinelIQ/SentinelCore/metrics"
	"github.com/SentinelIQ/SentinelCore/registry"
	"github.com/SentinelIQ/SentinelCore/storage"
	"github.com/SentinelIQ/SentinelCore/util"
	"go.uber.org/zap"
)

// RetryPolicy is the fixed retry schedule for transient execution failures.
// Retries reuse the execution record; the attempt counter on the record is
// the single authoritative count and is persisted before each attempt, so a
// crash between attempts never resets it.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy retries transient failures twice after the first
// attempt, with a fixed pause between attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: 30 * time.Second}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	return p
}

// maxLogBytes caps the per-run log buffer persisted on the record.
const maxLogBytes = 64 * 1024

// chainSubmitter is the slice of the dispatcher the engine needs for
// success-chaining.
type chainSubmitter interface {
	SubmitChained(ctx context.Context, tenantID, moduleID string, input core.Payload) (*core.ExecutionRecord, error)
}

// Engine drives one run through its state machine on a stage worker:
// pending -> running -> success|failed, with the fixed retry policy in
// between. All terminal transitions are compare-and-set so a concurrent
// cancel or reconciliation always has exactly one winner.
type Engine struct {
	registry   *registry.Registry
	modules    storage.ModuleStore
	executions storage.ExecutionStore
	queues     *StageQueues
	locks      *ModuleLocks
	retry      RetryPolicy
	chain      chainSubmitter
	logger     *zap.SugaredLogger

	// ctx bounds background work spawned by the engine (watchdogs, chained
	// submissions); it is the process lifetime context.
	ctx context.Context
}

// NewEngine creates the engine. The dispatcher binds itself as the chain
// submitter when it is constructed.
func NewEngine(ctx context.Context, reg *registry.Registry, modules storage.ModuleStore,
	executions storage.ExecutionStore, queues *StageQueues, locks *ModuleLocks,
	retry RetryPolicy, logger *zap.SugaredLogger) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Engine{
		registry:   reg,
		modules:    modules,
		executions: executions,
		queues:     queues,
		locks:      locks,
		retry:      retry.normalized(),
		logger:     logger,
		ctx:        ctx,
	}
}

func (e *Engine) bindSubmitter(c chainSubmitter) { e.chain = c }

// Run executes the record identified by runID. It is invoked on a stage
// worker goroutine and never returns an error: every outcome lands in the
// execution record.
func (e *Engine) Run(runID string) {
	ctx := e.ctx

	rec, err := e.executions.GetExecution(ctx, runID)
	if err != nil {
		e.logger.Errorw("Dequeued run not found, dropping", "run_id", runID, "error", err)
		return
	}
	if rec.Status.Terminal() {
		// Canceled between enqueue and dequeue.
		e.logger.Debugw("Dequeued run already terminal, dropping", "run_id", runID, "status", rec.Status)
		return
	}

	m, err := e.modules.GetModule(ctx, rec.ModuleID)
	if err != nil {
		e.finish(ctx, rec, nil, core.RunFailed, fmt.Sprintf("module %s no longer resolvable: %v", rec.ModuleID, err), 0, nil)
		return
	}
	runner, err := e.registry.Runner(m.Handler)
	if err != nil {
		e.finish(ctx, rec, m, core.RunFailed, fmt.Sprintf("handler %q not registered", m.Handler), 0, nil)
		return
	}

	limits := e.queues.Settings(rec.Stage)
	attempt := rec.Attempt

	for {
		attempt++
		started := time.Now().UTC()

		// The attempt counter is durable before the attempt begins.
		won, err := e.executions.MarkRunning(ctx, rec.ID, started, attempt)
		if err != nil {
			e.logger.Errorw("Failed to mark run running, dropping", "run_id", rec.ID, "error", err)
			e.locks.Release(ctx, rec.ModuleID, rec.ID)
			return
		}
		if !won {
			// Lost to a cancel or the reconciler.
			e.logger.Infow("Run went terminal before attempt, dropping result",
				"run_id", rec.ID, "attempt", attempt)
			e.locks.Release(ctx, rec.ModuleID, rec.ID)
			return
		}
		rec.Attempt = attempt
		if rec.StartedAt == nil {
			// Mirrors the store, which keeps the first attempt's start time.
			rec.StartedAt = &started
		}
		if attempt > 1 {
			rec.AppendLog(fmt.Sprintf("[%s] attempt %d/%d", started.Format(time.RFC3339), attempt, e.retry.MaxAttempts))
			metrics.RunRetries.WithLabelValues(string(rec.Stage)).Inc()
		}

		count, out, execErr := e.execute(runner, m.Config, rec.Input, limits)

		if execErr == nil {
			e.finish(ctx, rec, m, core.RunSuccess, "", count, out)
			e.chainOnSuccess(ctx, rec, m, out)
			return
		}

		rec.AppendLog(fmt.Sprintf("[%s] attempt %d failed: %v", time.Now().UTC().Format(time.RFC3339), attempt, execErr))

		if !core.Retryable(execErr) || attempt >= e.retry.MaxAttempts {
			e.finish(ctx, rec, m, core.RunFailed, execErr.Error(), count, out)
			return
		}

		e.logger.Warnw("Run attempt failed, retrying",
			"run_id", rec.ID,
			"module", rec.ModuleName,
			"attempt", attempt,
			"max_attempts", e.retry.MaxAttempts,
			"backoff", e.retry.Backoff,
			"error", execErr)

		select {
		case <-time.After(e.retry.Backoff):
		case <-ctx.Done():
			e.finish(ctx, rec, m, core.RunFailed, fmt.Sprintf("shutdown during retry backoff: %v", execErr), count, out)
			return
		}
	}
}

// execute runs one attempt under the stage's two time limits. The soft
// limit arrives through the context; the hard limit abandons a runner that
// ignores cancellation, leaving its goroutine to the panic guard.
func (e *Engine) execute(runner core.Runner, cfg map[string]interface{}, input core.Payload, limits QueueSettings) (int, core.Payload, error) {
	runCtx, cancel := context.WithTimeout(e.ctx, limits.SoftLimit)
	defer cancel()

	type result struct {
		count int
		out   core.Payload
		err   error
	}
	resultCh := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- result{err: core.Fatalf("module panicked: %v", r)}
			}
		}()
		count, out, err := runner.Execute(runCtx, cfg, input)
		resultCh <- result{count: count, out: out, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) {
			return res.count, res.out, fmt.Errorf("%w after %s", core.ErrTimeout, limits.SoftLimit)
		}
		return res.count, res.out, res.err
	case <-time.After(limits.HardLimit):
		// The runner goroutine is abandoned; its late result is discarded
		// via the buffered channel and its terminal write would lose the
		// compare-and-set anyway.
		return 0, nil, fmt.Errorf("%w: unresponsive after hard limit %s", core.ErrTimeout, limits.HardLimit)
	}
}

// finish writes the terminal state, updates module counters and metrics,
// and emits the run-completion log line. Losing the terminal compare-and-set
// means a cancel or reconciliation got there first; the result is dropped.
func (e *Engine) finish(ctx context.Context, rec *core.ExecutionRecord, m *core.Module,
	status core.RunStatus, errMsg string, count int, out core.Payload) {

	completed := time.Now().UTC()
	log := util.Truncate(rec.Log, maxLogBytes)

	won, err := e.executions.Complete(ctx, rec.ID, status, errMsg, log, count, out, completed)
	if err != nil {
		e.logger.Errorw("Failed to persist terminal state",
			"run_id", rec.ID, "status", status, "error", err)
		e.locks.Release(ctx, rec.ModuleID, rec.ID)
		return
	}
	if !won {
		e.logger.Infow("Terminal write lost to concurrent transition, result dropped",
			"run_id", rec.ID, "attempted_status", status)
		e.locks.Release(ctx, rec.ModuleID, rec.ID)
		return
	}

	duration := 0.0
	if rec.StartedAt != nil {
		duration = completed.Sub(*rec.StartedAt).Seconds()
	} else {
		started := completed
		rec.StartedAt = &started
	}

	if m != nil {
		if err := e.modules.RecordModuleRun(ctx, m.ID, int64(count), errMsg, completed); err != nil {
			e.logger.Warnw("Failed to update module counters", "module_id", m.ID, "error", err)
		}
	}

	metrics.RunsCompleted.WithLabelValues(string(rec.Stage), string(status)).Inc()
	metrics.RunDuration.WithLabelValues(string(rec.Stage)).Observe(duration)

	e.locks.Release(ctx, rec.ModuleID, rec.ID)

	e.logger.Infow("Run completed",
		"run_id", rec.ID,
		"module_id", rec.ModuleID,
		"module", rec.ModuleName,
		"stage", rec.Stage,
		"tenant_id", rec.TenantID,
		"trigger", rec.Trigger,
		"status", status,
		"attempt", rec.Attempt,
		"duration_seconds", duration,
		"item_count", count,
		"error", errMsg)
}

// chainOnSuccess submits the module's chained successor with this run's
// output as input. Chain failures never retroactively affect the finished
// run; they are logged and dropped.
func (e *Engine) chainOnSuccess(ctx context.Context, rec *core.ExecutionRecord, m *core.Module, out core.Payload) {
	if m.ChainTo == "" || e.chain == nil {
		return
	}
	next, err := e.chain.SubmitChained(ctx, rec.TenantID, m.ChainTo, out)
	if err != nil {
		e.logger.Errorw("Chained submission failed",
			"run_id", rec.ID,
			"module", rec.ModuleName,
			"chain_to", m.ChainTo,
			"error", err)
		return
	}
	e.logger.Infow("Chained run submitted",
		"run_id", rec.ID, "chain_to", m.ChainTo, "chained_run_id", next.ID)
}
