package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SentinelIQ/SentinelCore/audit"
	"github.com/SentinelIQ/SentinelCore/authz"
	"github.com/SentinelIQ/SentinelCore/core"
	"github.com/SentinelIQ/SentinelCore/registry"
	"github.com/SentinelIQ/SentinelCore/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type testPipeline struct {
	reg        *registry.Registry
	dispatcher *Dispatcher
	engine     *Engine
	modules    *storage.MemoryModuleStore
	executions *storage.MemoryExecutionStore
	auditStore *storage.MemoryAuditStore
	queues     *StageQueues
	locks      *ModuleLocks
}

// newTestPipeline wires an in-memory pipeline with fast limits and zero
// retry backoff. Queues are started; callers may also drive the engine
// synchronously via engine.Run.
func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()
	logger := zap.NewNop().Sugar()
	ctx := context.Background()

	auditStore := storage.NewMemoryAuditStore()
	recorder := audit.NewRecorder(auditStore, nil, logger)
	gate := authz.NewGate(authz.DefaultMatrix(), recorder, logger)
	modules := storage.NewMemoryModuleStore()
	executions := storage.NewMemoryExecutionStore()

	reg, err := registry.New(modules, gate, recorder, logger)
	require.NoError(t, err)

	perStage := make(map[core.Stage]QueueSettings)
	for _, stage := range core.Stages {
		perStage[stage] = QueueSettings{
			Workers:   2,
			QueueSize: 16,
			SoftLimit: 200 * time.Millisecond,
			HardLimit: 500 * time.Millisecond,
		}
	}
	queues := NewStageQueues(ctx, perStage, logger)
	require.NoError(t, queues.Start())
	t.Cleanup(queues.Stop)

	locks := NewModuleLocks(nil, executions, time.Minute, logger)
	engine := NewEngine(ctx, reg, modules, executions, queues, locks, RetryPolicy{MaxAttempts: 3, Backoff: 0}, logger)
	dispatcher := NewDispatcher(reg, modules, executions, gate, recorder, queues, locks, engine, logger)

	return &testPipeline{
		reg:        reg,
		dispatcher: dispatcher,
		engine:     engine,
		modules:    modules,
		executions: executions,
		auditStore: auditStore,
		queues:     queues,
		locks:      locks,
	}
}

// registerModule registers a runner plus a module using it and returns the
// module. Each call uses a unique handler name.
func (p *testPipeline) registerModule(t *testing.T, tenant string, stage core.Stage,
	fn func(ctx context.Context, cfg map[string]interface{}, in core.Payload) (int, core.Payload, error),
	mutate ...func(*core.Module)) *core.Module {
	t.Helper()
	handler := "h-" + uuid.New().String()[:8]
	require.NoError(t, p.reg.RegisterRunner(core.RunnerFunc{Name: handler, Fn: fn}))
	m := &core.Module{
		Name:     "mod-" + handler,
		Stage:    stage,
		TenantID: tenant,
		Handler:  handler,
	}
	for _, f := range mutate {
		f(m)
	}
	caller := core.Caller{ID: "setup", Name: "setup", Role: core.RoleSuperuser}
	m, err := p.reg.Register(context.Background(), caller, m)
	require.NoError(t, err)
	return m
}

// pendingRecord creates a pending execution record directly in storage so
// engine behavior can be tested without queue timing.
func (p *testPipeline) pendingRecord(t *testing.T, m *core.Module, input core.Payload) *core.ExecutionRecord {
	t.Helper()
	rec := &core.ExecutionRecord{
		ID:         uuid.New().String(),
		ModuleID:   m.ID,
		ModuleName: m.Name,
		Stage:      m.Stage,
		TenantID:   m.TenantID,
		Trigger:    core.TriggerManual,
		Status:     core.RunPending,
		Input:      input,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, p.executions.CreateExecution(context.Background(), rec))
	return rec
}

func analyst(tenant string) core.Caller {
	return core.Caller{ID: "u2", Name: "carol", Role: core.RoleAnalyst, TenantID: tenant}
}

func TestSubmitRunsToSuccess(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	m := p.registerModule(t, "acme", core.StageFeed,
		func(ctx context.Context, cfg map[string]interface{}, in core.Payload) (int, core.Payload, error) {
			return 42, core.Payload{"indicators": 42}, nil
		})

	rec, err := p.dispatcher.Submit(ctx, analyst("acme"), m.ID, core.TriggerManual, nil)
	require.NoError(t, err)
	assert.Equal(t, core.RunPending, rec.Status)
	assert.Equal(t, "acme", rec.TenantID)

	require.Eventually(t, func() bool {
		got, err := p.executions.GetExecution(ctx, rec.ID)
		return err == nil && got.Status == core.RunSuccess
	}, 2*time.Second, 10*time.Millisecond)

	got, err := p.executions.GetExecution(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 42, got.ItemCount)
	assert.Equal(t, 1, got.Attempt)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, core.Payload{"indicators": 42}, got.Output)

	mod, err := p.modules.GetModule(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), mod.TotalProcessed)
	assert.NotNil(t, mod.LastRun)

	// Registration + submission are both audited.
	verbs := map[string]bool{}
	for _, e := range p.auditStore.Entries() {
		verbs[e.Verb] = true
	}
	assert.True(t, verbs["execute"])
}

func TestSubmitUnknownModule(t *testing.T) {
	p := newTestPipeline(t)
	_, err := p.dispatcher.Submit(context.Background(), analyst("acme"), "nope", core.TriggerManual, nil)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSubmitDeactivatedModule(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	m := p.registerModule(t, "acme", core.StageFeed,
		func(ctx context.Context, cfg map[string]interface{}, in core.Payload) (int, core.Payload, error) {
			return 0, nil, nil
		})
	su := core.Caller{ID: "root", Name: "root", Role: core.RoleSuperuser}
	require.NoError(t, p.reg.SetActive(ctx, su, m.ID, false))

	_, err := p.dispatcher.Submit(ctx, analyst("acme"), m.ID, core.TriggerManual, nil)
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestSubmitCrossTenantMasksExistence(t *testing.T) {
	p := newTestPipeline(t)
	m := p.registerModule(t, "acme", core.StageFeed,
		func(ctx context.Context, cfg map[string]interface{}, in core.Payload) (int, core.Payload, error) {
			return 0, nil, nil
		})

	_, err := p.dispatcher.Submit(context.Background(), analyst("globex"), m.ID, core.TriggerManual, nil)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.NotErrorIs(t, err, core.ErrPermission)
}

func TestNonReentrantRejectsOverlap(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	block := make(chan struct{})
	m := p.registerModule(t, "acme", core.StageFeed,
		func(ctx context.Context, cfg map[string]interface{}, in core.Payload) (int, core.Payload, error) {
			<-block
			return 0, nil, nil
		})

	first, err := p.dispatcher.Submit(ctx, analyst("acme"), m.ID, core.TriggerManual, nil)
	require.NoError(t, err)

	_, err = p.dispatcher.Submit(ctx, analyst("acme"), m.ID, core.TriggerManual, nil)
	assert.ErrorIs(t, err, core.ErrAlreadyRunning)

	close(block)
	require.Eventually(t, func() bool {
		got, err := p.executions.GetExecution(ctx, first.ID)
		return err == nil && got.Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	// Once terminal, a new submission is accepted again.
	_, err = p.dispatcher.Submit(ctx, analyst("acme"), m.ID, core.TriggerManual, nil)
	assert.NoError(t, err)
}

func TestReentrantAllowsOverlap(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	block := make(chan struct{})
	defer close(block)
	m := p.registerModule(t, "acme", core.StageFeed,
		func(ctx context.Context, cfg map[string]interface{}, in core.Payload) (int, core.Payload, error) {
			<-block
			return 0, nil, nil
		},
		func(m *core.Module) { m.Reentrant = true })

	_, err := p.dispatcher.Submit(ctx, analyst("acme"), m.ID, core.TriggerManual, nil)
	require.NoError(t, err)
	_, err = p.dispatcher.Submit(ctx, analyst("acme"), m.ID, core.TriggerManual, nil)
	assert.NoError(t, err)
}

func TestCancelPendingRun(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	m := p.registerModule(t, "acme", core.StageFeed,
		func(ctx context.Context, cfg map[string]interface{}, in core.Payload) (int, core.Payload, error) {
			return 0, nil, nil
		})
	rec := p.pendingRecord(t, m, nil)

	admin := core.Caller{ID: "u1", Name: "alice", Role: core.RoleAdmin, TenantID: "acme"}
	require.NoError(t, p.dispatcher.Cancel(ctx, admin, rec.ID))

	got, err := p.executions.GetExecution(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunFailed, got.Status)
	assert.Equal(t, CancelMessage, got.Error)

	// Double cancel is a conflict.
	err = p.dispatcher.Cancel(ctx, admin, rec.ID)
	assert.ErrorIs(t, err, core.ErrConflict)

	// A worker dequeuing the canceled run drops it without touching state.
	p.engine.Run(rec.ID)
	got, err = p.executions.GetExecution(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, CancelMessage, got.Error)
}

func TestCancelRequiresManageVerb(t *testing.T) {
	p := newTestPipeline(t)
	m := p.registerModule(t, "acme", core.StageFeed,
		func(ctx context.Context, cfg map[string]interface{}, in core.Payload) (int, core.Payload, error) {
			return 0, nil, nil
		})
	rec := p.pendingRecord(t, m, nil)

	err := p.dispatcher.Cancel(context.Background(), analyst("acme"), rec.ID)
	assert.ErrorIs(t, err, core.ErrPermission)
}

func TestEngineReportsWallClockDuration(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	obsCore, logs := observer.New(zap.InfoLevel)
	engine := NewEngine(ctx, p.reg, p.modules, p.executions, p.queues, p.locks,
		RetryPolicy{MaxAttempts: 1}, zap.New(obsCore).Sugar())

	m := p.registerModule(t, "acme", core.StageFeed,
		func(ctx context.Context, cfg map[string]interface{}, in core.Payload) (int, core.Payload, error) {
			time.Sleep(60 * time.Millisecond)
			return 1, nil, nil
		})
	rec := p.pendingRecord(t, m, nil)
	engine.Run(rec.ID)

	var completed []observer.LoggedEntry
	for _, e := range logs.All() {
		if e.Message == "Run completed" {
			completed = append(completed, e)
		}
	}
	require.Len(t, completed, 1)
	dur, ok := completed[0].ContextMap()["duration_seconds"].(float64)
	require.True(t, ok, "duration_seconds should be a float field")
	assert.Greater(t, dur, 0.05, "terminal log line carries the wall-clock duration")
}

func TestEngineRetriesTransientFailures(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	var calls atomic.Int32
	m := p.registerModule(t, "acme", core.StageEnrichment,
		func(ctx context.Context, cfg map[string]interface{}, in core.Payload) (int, core.Payload, error) {
			if calls.Add(1) < 3 {
				return 0, nil, core.Transientf("upstream 503")
			}
			return 7, nil, nil
		})
	rec := p.pendingRecord(t, m, nil)

	p.engine.Run(rec.ID)

	got, err := p.executions.GetExecution(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunSuccess, got.Status)
	assert.Equal(t, 3, got.Attempt)
	assert.Equal(t, 7, got.ItemCount)
	assert.Contains(t, got.Log, "attempt 1 failed")
}

func TestEngineExhaustsRetries(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	var calls atomic.Int32
	m := p.registerModule(t, "acme", core.StageEnrichment,
		func(ctx context.Context, cfg map[string]interface{}, in core.Payload) (int, core.Payload, error) {
			calls.Add(1)
			return 0, nil, core.Transientf("still down")
		})
	rec := p.pendingRecord(t, m, nil)

	p.engine.Run(rec.ID)

	got, err := p.executions.GetExecution(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunFailed, got.Status)
	assert.Equal(t, 3, got.Attempt)
	assert.Equal(t, int32(3), calls.Load())
}

func TestEngineFatalErrorSkipsRetries(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	var calls atomic.Int32
	m := p.registerModule(t, "acme", core.StageAnalysis,
		func(ctx context.Context, cfg map[string]interface{}, in core.Payload) (int, core.Payload, error) {
			calls.Add(1)
			return 0, nil, core.Fatalf("credentials revoked")
		})
	rec := p.pendingRecord(t, m, nil)

	p.engine.Run(rec.ID)

	got, err := p.executions.GetExecution(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunFailed, got.Status)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, got.Error, "credentials revoked")
}

func TestEnginePanicIsFatal(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	m := p.registerModule(t, "acme", core.StageAnalysis,
		func(ctx context.Context, cfg map[string]interface{}, in core.Payload) (int, core.Payload, error) {
			panic("nil map write")
		})
	rec := p.pendingRecord(t, m, nil)

	p.engine.Run(rec.ID)

	got, err := p.executions.GetExecution(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunFailed, got.Status)
	assert.Contains(t, got.Error, "panicked")
}

func TestEngineSoftLimitTimeout(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	m := p.registerModule(t, "acme", core.StageFeed,
		func(ctx context.Context, cfg map[string]interface{}, in core.Payload) (int, core.Payload, error) {
			<-ctx.Done()
			return 0, nil, ctx.Err()
		})
	rec := p.pendingRecord(t, m, nil)

	p.engine.Run(rec.ID)

	got, err := p.executions.GetExecution(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunFailed, got.Status)
	assert.Equal(t, 1, got.Attempt, "timeouts are not retried")
	assert.Contains(t, got.Error, "timed out")
}

func TestEngineHardLimitAbandonsRunner(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	m := p.registerModule(t, "acme", core.StageFeed,
		func(ctx context.Context, cfg map[string]interface{}, in core.Payload) (int, core.Payload, error) {
			// Ignores cancellation entirely.
			time.Sleep(2 * time.Second)
			return 0, nil, nil
		})
	rec := p.pendingRecord(t, m, nil)

	start := time.Now()
	p.engine.Run(rec.ID)
	elapsed := time.Since(start)

	got, err := p.executions.GetExecution(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunFailed, got.Status)
	assert.Contains(t, got.Error, "hard limit")
	assert.Less(t, elapsed, 1500*time.Millisecond, "engine must not wait for the abandoned runner")
}

func TestEngineChainsOnSuccess(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	var chainedInput atomic.Value
	next := p.registerModule(t, "acme", core.StageEnrichment,
		func(ctx context.Context, cfg map[string]interface{}, in core.Payload) (int, core.Payload, error) {
			chainedInput.Store(in)
			return 1, nil, nil
		})
	first := p.registerModule(t, "acme", core.StageFeed,
		func(ctx context.Context, cfg map[string]interface{}, in core.Payload) (int, core.Payload, error) {
			return 5, core.Payload{"batch": "b-77"}, nil
		},
		func(m *core.Module) { m.ChainTo = next.ID })

	rec := p.pendingRecord(t, first, nil)
	p.engine.Run(rec.ID)

	require.Eventually(t, func() bool {
		runs, _, err := p.executions.ListExecutions(ctx, storage.ExecutionFilters{ModuleID: next.ID})
		return err == nil && len(runs) == 1 && runs[0].Status == core.RunSuccess
	}, 2*time.Second, 10*time.Millisecond)

	runs, _, err := p.executions.ListExecutions(ctx, storage.ExecutionFilters{ModuleID: next.ID})
	require.NoError(t, err)
	assert.Equal(t, core.TriggerChained, runs[0].Trigger)
	assert.Equal(t, core.Payload{"batch": "b-77"}, chainedInput.Load())
}

func TestEngineNoChainOnFailure(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	next := p.registerModule(t, "acme", core.StageEnrichment,
		func(ctx context.Context, cfg map[string]interface{}, in core.Payload) (int, core.Payload, error) {
			return 0, nil, nil
		})
	first := p.registerModule(t, "acme", core.StageFeed,
		func(ctx context.Context, cfg map[string]interface{}, in core.Payload) (int, core.Payload, error) {
			return 0, nil, core.Fatalf("boom")
		},
		func(m *core.Module) { m.ChainTo = next.ID })

	rec := p.pendingRecord(t, first, nil)
	p.engine.Run(rec.ID)

	runs, _, err := p.executions.ListExecutions(ctx, storage.ExecutionFilters{ModuleID: next.ID})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestCancelBeatsLateWorkerResult(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	m := p.registerModule(t, "acme", core.StageFeed,
		func(ctx context.Context, cfg map[string]interface{}, in core.Payload) (int, core.Payload, error) {
			close(started)
			<-release
			return 99, nil, nil
		})
	rec := p.pendingRecord(t, m, nil)

	done := make(chan struct{})
	go func() {
		p.engine.Run(rec.ID)
		close(done)
	}()

	<-started
	admin := core.Caller{ID: "u1", Name: "alice", Role: core.RoleAdmin, TenantID: "acme"}
	require.NoError(t, p.dispatcher.Cancel(ctx, admin, rec.ID))
	close(release)
	<-done

	got, err := p.executions.GetExecution(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunFailed, got.Status)
	assert.Equal(t, CancelMessage, got.Error)
	assert.Equal(t, 0, got.ItemCount, "late success result must be dropped")
}

func TestListRunsScopedToTenant(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	acmeMod := p.registerModule(t, "acme", core.StageFeed,
		func(ctx context.Context, cfg map[string]interface{}, in core.Payload) (int, core.Payload, error) {
			return 0, nil, nil
		})
	globexMod := p.registerModule(t, "globex", core.StageFeed,
		func(ctx context.Context, cfg map[string]interface{}, in core.Payload) (int, core.Payload, error) {
			return 0, nil, nil
		})
	p.pendingRecord(t, acmeMod, nil)
	p.pendingRecord(t, globexMod, nil)

	runs, total, err := p.dispatcher.ListRuns(ctx, analyst("acme"), storage.ExecutionFilters{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, runs, 1)
	assert.Equal(t, "acme", runs[0].TenantID)

	// Cross-tenant single read is masked as not found.
	globexRuns, _, err := p.dispatcher.ListRuns(ctx, analyst("globex"), storage.ExecutionFilters{})
	require.NoError(t, err)
	require.Len(t, globexRuns, 1)
	_, err = p.dispatcher.GetRun(ctx, analyst("acme"), globexRuns[0].ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestReconcilerFailsOrphans(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	m := p.registerModule(t, "acme", core.StageFeed,
		func(ctx context.Context, cfg map[string]interface{}, in core.Payload) (int, core.Payload, error) {
			return 0, nil, nil
		})
	rec := p.pendingRecord(t, m, nil)

	// Simulate a crashed worker: running since far in the past.
	longAgo := time.Now().UTC().Add(-24 * time.Hour)
	won, err := p.executions.MarkRunning(ctx, rec.ID, longAgo, 1)
	require.NoError(t, err)
	require.True(t, won)

	rc := NewReconciler(p.executions, p.locks, p.queues, time.Minute, zap.NewNop().Sugar())
	n, err := rc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := p.executions.GetExecution(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunFailed, got.Status)
	assert.Contains(t, got.Error, "orphaned")

	// Second sweep finds nothing.
	n, err = rc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSchedulerRefreshTracksCatalog(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	m := p.registerModule(t, "acme", core.StageFeed,
		func(ctx context.Context, cfg map[string]interface{}, in core.Payload) (int, core.Payload, error) {
			return 0, nil, nil
		},
		func(m *core.Module) { m.CronSchedule = "*/5 * * * *" })

	s := NewScheduler(p.modules, p.dispatcher, time.Minute, zap.NewNop().Sugar())
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	assert.Equal(t, 1, s.ScheduledCount())

	// Deactivation unschedules on the next refresh.
	su := core.Caller{ID: "root", Name: "root", Role: core.RoleSuperuser}
	require.NoError(t, p.reg.SetActive(ctx, su, m.ID, false))
	require.NoError(t, s.Refresh(ctx))
	assert.Equal(t, 0, s.ScheduledCount())
}

func TestSchedulerFireRecordsSystemTrigger(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	m := p.registerModule(t, "acme", core.StageFeed,
		func(ctx context.Context, cfg map[string]interface{}, in core.Payload) (int, core.Payload, error) {
			return 3, nil, nil
		},
		func(m *core.Module) { m.CronSchedule = "0 * * * *" })

	s := NewScheduler(p.modules, p.dispatcher, time.Minute, zap.NewNop().Sugar())
	s.fire(ctx, m.ID, m.TenantID, m.Name)

	runs, _, err := p.executions.ListExecutions(ctx, storage.ExecutionFilters{ModuleID: m.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, core.TriggerScheduled, runs[0].Trigger)
	assert.Empty(t, runs[0].TriggeredBy, "scheduled runs carry no principal")
	assert.Equal(t, "acme", runs[0].TenantID)
}

func TestSchedulerRefreshBeforeStart(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	p.registerModule(t, "acme", core.StageFeed,
		func(ctx context.Context, cfg map[string]interface{}, in core.Payload) (int, core.Payload, error) {
			return 0, nil, nil
		},
		func(m *core.Module) { m.CronSchedule = "*/5 * * * *" })

	// Refresh is callable on a scheduler that was never started.
	s := NewScheduler(p.modules, p.dispatcher, time.Minute, zap.NewNop().Sugar())
	require.NoError(t, s.Refresh(ctx))
	assert.Equal(t, 1, s.ScheduledCount())
}

func TestSchedulerInvalidCronSkipped(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	p.registerModule(t, "acme", core.StageFeed,
		func(ctx context.Context, cfg map[string]interface{}, in core.Payload) (int, core.Payload, error) {
			return 0, nil, nil
		},
		func(m *core.Module) { m.CronSchedule = "not a cron" })

	s := NewScheduler(p.modules, p.dispatcher, time.Minute, zap.NewNop().Sugar())
	require.NoError(t, s.Refresh(ctx))
	assert.Equal(t, 0, s.ScheduledCount())
}

func TestQueueSettingsNormalization(t *testing.T) {
	s := QueueSettings{SoftLimit: 10 * time.Minute}.normalized()
	assert.Equal(t, 10*time.Minute, s.SoftLimit)
	assert.Equal(t, 20*time.Minute, s.HardLimit, "hard limit defaults to twice soft")
	assert.Greater(t, s.Workers, 0)
}
