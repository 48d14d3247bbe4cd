package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SentinelIQ/SentinelCore/audit"
	"github.com/SentinelIQ/SentinelCore/authz"
	"github.com/SentinelIQ/SentinelCore/core"
	"github.com/SentinelIQ/SentinelCore/metrics"
	"github.com/SentinelIQ/SentinelCore/registry"
	"github.com/SentinelIQ/SentinelCore/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CancelMessage is the reserved error text written by an administrative
// cancel. The engine's terminal compare-and-set loses against it, so a
// cancel always wins over a late worker result.
const CancelMessage = "cancelled by administrator"

// Dispatcher is the single entry point for starting and stopping runs.
// Every submission passes the permission gate, the reentrancy guard, and
// leaves a durable pending record before anything is enqueued.
type Dispatcher struct {
	registry   *registry.Registry
	modules    storage.ModuleStore
	executions storage.ExecutionStore
	gate       *authz.Gate
	auditor    audit.Recorder
	queues     *StageQueues
	locks      *ModuleLocks
	engine     *Engine
	logger     *zap.SugaredLogger
}

// NewDispatcher wires the dispatcher and binds it to the engine for
// success-chaining.
func NewDispatcher(reg *registry.Registry, modules storage.ModuleStore, executions storage.ExecutionStore,
	gate *authz.Gate, auditor audit.Recorder, queues *StageQueues, locks *ModuleLocks,
	engine *Engine, logger *zap.SugaredLogger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if auditor == nil {
		auditor = audit.NoopRecorder{}
	}
	d := &Dispatcher{
		registry:   reg,
		modules:    modules,
		executions: executions,
		gate:       gate,
		auditor:    auditor,
		queues:     queues,
		locks:      locks,
		engine:     engine,
		logger:     logger,
	}
	engine.bindSubmitter(d)
	return d
}

// Submit validates, authorizes, records, and enqueues one run of moduleID.
// On success the returned record is in the pending state; execution happens
// asynchronously on the module's stage queue.
func (d *Dispatcher) Submit(ctx context.Context, caller core.Caller, moduleID string, trigger core.TriggerSource, input core.Payload) (*core.ExecutionRecord, error) {
	m, err := d.modules.GetModule(ctx, moduleID)
	if err != nil {
		if errors.Is(err, storage.ErrModuleNotFound) {
			return nil, fmt.Errorf("module %q: %w", moduleID, core.ErrNotFound)
		}
		return nil, err
	}

	if err := d.gate.Authorize(ctx, caller, authz.VerbExecute, authz.EntityModule, m); err != nil {
		if caller.TenantID != "" && m.TenantID != core.GlobalTenant && m.TenantID != caller.TenantID {
			return nil, fmt.Errorf("module %q: %w", moduleID, core.ErrNotFound)
		}
		return nil, err
	}
	if !m.Active {
		return nil, fmt.Errorf("module %q is deactivated: %w", m.Name, core.ErrValidation)
	}

	rec := &core.ExecutionRecord{
		ID:          uuid.New().String(),
		ModuleID:    m.ID,
		ModuleName:  m.Name,
		Stage:       m.Stage,
		TenantID:    m.TenantID,
		Trigger:     trigger,
		Status:      core.RunPending,
		TriggeredBy: caller.ID,
		Input:       input,
		CreatedAt:   time.Now().UTC(),
	}
	// Runs of a tenant-scoped caller against a global module stay visible to
	// that tenant only.
	if m.Global() && caller.TenantID != "" {
		rec.TenantID = caller.TenantID
	}

	locked := false
	if !m.Reentrant {
		acquired, err := d.locks.Acquire(ctx, m.ID, rec.ID)
		if err != nil {
			return nil, fmt.Errorf("reentrancy check for %s: %w", m.Name, err)
		}
		if !acquired {
			return nil, fmt.Errorf("module %q: %w", m.Name, core.ErrAlreadyRunning)
		}
		locked = true
	}

	release := func() {
		if locked {
			d.locks.Release(ctx, m.ID, rec.ID)
		}
	}

	if err := d.executions.CreateExecution(ctx, rec); err != nil {
		release()
		return nil, fmt.Errorf("recording submission: %w", err)
	}

	if err := d.queues.Enqueue(m.Stage, func() {
		d.engine.Run(rec.ID)
	}); err != nil {
		// The pending record must not dangle: fail it in place so the
		// caller and the reconciler both see a terminal state.
		now := time.Now().UTC()
		msg := fmt.Sprintf("enqueue failed: %v", err)
		if _, cerr := d.executions.Complete(ctx, rec.ID, core.RunFailed, msg, "", 0, nil, now); cerr != nil {
			d.logger.Errorw("Failed to fail unqueued run", "run_id", rec.ID, "error", cerr)
		}
		release()
		return nil, fmt.Errorf("stage %s queue rejected run: %w", m.Stage, err)
	}

	metrics.RunsSubmitted.WithLabelValues(string(m.Stage), string(trigger)).Inc()
	d.auditor.Record(ctx, audit.Entry{
		ActorID:    caller.ID,
		ActorName:  caller.Name,
		Verb:       "execute",
		EntityType: string(authz.EntityModule),
		EntityID:   m.ID,
		EntityName: m.Name,
		TenantID:   rec.TenantID,
		Metadata: map[string]interface{}{
			"run_id":  rec.ID,
			"trigger": string(trigger),
		},
	})
	d.logger.Infow("Run submitted",
		"run_id", rec.ID,
		"module_id", m.ID,
		"module", m.Name,
		"stage", m.Stage,
		"tenant_id", rec.TenantID,
		"trigger", trigger)
	return rec, nil
}

// Cancel transitions a pending or running run to failed with the reserved
// cancel message. In-flight module code is not interrupted mid-instruction;
// its eventual terminal write loses the compare-and-set and is discarded.
func (d *Dispatcher) Cancel(ctx context.Context, caller core.Caller, runID string) error {
	rec, err := d.executions.GetExecution(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrExecutionNotFound) {
			return fmt.Errorf("run %q: %w", runID, core.ErrNotFound)
		}
		return err
	}
	if err := d.gate.Authorize(ctx, caller, authz.VerbManage, authz.EntityExecution, rec); err != nil {
		if caller.TenantID != "" && rec.TenantID != caller.TenantID {
			return fmt.Errorf("run %q: %w", runID, core.ErrNotFound)
		}
		return err
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("run %q already %s: %w", runID, rec.Status, core.ErrConflict)
	}

	won, err := d.executions.Complete(ctx, runID, core.RunFailed, CancelMessage, rec.Log, 0, nil, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("canceling run %s: %w", runID, err)
	}
	if !won {
		return fmt.Errorf("run %q already terminal: %w", runID, core.ErrConflict)
	}

	d.locks.Release(ctx, rec.ModuleID, runID)
	metrics.RunsCompleted.WithLabelValues(string(rec.Stage), string(core.RunFailed)).Inc()

	d.auditor.Record(ctx, audit.Entry{
		ActorID:    caller.ID,
		ActorName:  caller.Name,
		Verb:       "cancel",
		EntityType: string(authz.EntityExecution),
		EntityID:   runID,
		EntityName: rec.ModuleName,
		TenantID:   rec.TenantID,
	})
	d.logger.Infow("Run canceled", "run_id", runID, "module", rec.ModuleName, "by", caller.Name)
	return nil
}

// GetRun fetches one execution record visible to the caller. Cross-tenant
// reads are reported as not found.
func (d *Dispatcher) GetRun(ctx context.Context, caller core.Caller, runID string) (*core.ExecutionRecord, error) {
	rec, err := d.executions.GetExecution(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrExecutionNotFound) {
			return nil, fmt.Errorf("run %q: %w", runID, core.ErrNotFound)
		}
		return nil, err
	}
	if err := d.gate.Authorize(ctx, caller, authz.VerbView, authz.EntityExecution, rec); err != nil {
		return nil, fmt.Errorf("run %q: %w", runID, core.ErrNotFound)
	}
	return rec, nil
}

// ListRuns returns execution records visible to the caller, newest first.
func (d *Dispatcher) ListRuns(ctx context.Context, caller core.Caller, f storage.ExecutionFilters) ([]*core.ExecutionRecord, int64, error) {
	if err := d.gate.Authorize(ctx, caller, authz.VerbView, authz.EntityExecution, nil); err != nil {
		return nil, 0, err
	}
	if caller.Role != core.RoleSuperuser {
		f.TenantID = caller.TenantID
	}
	return d.executions.ListExecutions(ctx, f)
}

// SubmitChained is the internal entry used by the engine when a successful
// run fans into its chained module. It runs under the system principal
// carrying the originating run's tenant.
func (d *Dispatcher) SubmitChained(ctx context.Context, tenantID, moduleID string, input core.Payload) (*core.ExecutionRecord, error) {
	return d.Submit(ctx, core.SystemCaller(tenantID), moduleID, core.TriggerChained, input)
}
