package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/SentinelIQ/SentinelCore/core"
	"github.com/SentinelIQ/SentinelCore/storage"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler submits runs for modules carrying a cron expression. Scheduled
// submissions run under the system principal with the module's own tenant,
// and record no triggering user.
type Scheduler struct {
	modules    storage.ModuleStore
	dispatcher *Dispatcher
	refresh    time.Duration
	logger     *zap.SugaredLogger

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID // module id -> cron entry
	specs   map[string]string       // module id -> registered expression
	cancel  context.CancelFunc
	running bool
}

// NewScheduler creates the scheduler. refresh controls how often the module
// catalog is re-read to pick up schedule changes.
func NewScheduler(modules storage.ModuleStore, dispatcher *Dispatcher, refresh time.Duration, logger *zap.SugaredLogger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if refresh <= 0 {
		refresh = time.Minute
	}
	return &Scheduler{
		modules:    modules,
		dispatcher: dispatcher,
		refresh:    refresh,
		logger:     logger,
		cron:       cron.New(),
		entries:    make(map[string]cron.EntryID),
		specs:      make(map[string]string),
	}
}

// Start loads schedules and begins firing. The refresh loop runs until Stop
// or ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.Refresh(loopCtx); err != nil {
		s.logger.Errorw("Initial schedule load failed", "error", err)
	}
	s.cron.Start()

	go s.refreshLoop(loopCtx)
	s.logger.Infow("Scheduler started", "refresh_interval", s.refresh)
	return nil
}

// Stop halts firing and waits for in-flight submission callbacks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.cancel()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Infow("Scheduler stopped")
}

func (s *Scheduler) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.logger.Errorw("Schedule refresh failed", "error", err)
			}
		}
	}
}

// Refresh reconciles cron entries against the current catalog: new or
// changed schedules are (re)registered, deactivated or unscheduled modules
// are removed. Invalid expressions are skipped with a log line rather than
// failing the whole refresh.
func (s *Scheduler) Refresh(ctx context.Context) error {
	mods, err := s.modules.ListModules(ctx, storage.ModuleFilters{ActiveOnly: true, Scheduled: true})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(mods))
	for _, m := range mods {
		seen[m.ID] = true
		if s.specs[m.ID] == m.CronSchedule {
			continue
		}
		if old, ok := s.entries[m.ID]; ok {
			s.cron.Remove(old)
			delete(s.entries, m.ID)
			delete(s.specs, m.ID)
		}

		moduleID, tenantID, name := m.ID, m.TenantID, m.Name
		entryID, err := s.cron.AddFunc(m.CronSchedule, func() {
			s.fire(ctx, moduleID, tenantID, name)
		})
		if err != nil {
			s.logger.Errorw("Invalid cron expression, module not scheduled",
				"module_id", m.ID, "module", m.Name, "cron", m.CronSchedule, "error", err)
			continue
		}
		s.entries[m.ID] = entryID
		s.specs[m.ID] = m.CronSchedule
		s.logger.Infow("Module scheduled", "module_id", m.ID, "module", m.Name, "cron", m.CronSchedule)
	}

	for id, entryID := range s.entries {
		if !seen[id] {
			s.cron.Remove(entryID)
			delete(s.entries, id)
			delete(s.specs, id)
			s.logger.Infow("Module unscheduled", "module_id", id)
		}
	}
	return nil
}

// fire submits one scheduled run. A non-reentrant module still mid-run
// simply skips this tick.
func (s *Scheduler) fire(ctx context.Context, moduleID, tenantID, name string) {
	rec, err := s.dispatcher.Submit(ctx, core.SystemCaller(tenantID), moduleID, core.TriggerScheduled, nil)
	if err != nil {
		if errors.Is(err, core.ErrAlreadyRunning) {
			s.logger.Debugw("Scheduled tick skipped, previous run still active",
				"module_id", moduleID, "module", name)
			return
		}
		s.logger.Errorw("Scheduled submission failed",
			"module_id", moduleID, "module", name, "error", err)
		return
	}
	s.logger.Debugw("Scheduled run submitted",
		"module_id", moduleID, "module", name, "run_id", rec.ID)
}

// ScheduledCount returns how many modules currently hold a cron entry.
func (s *Scheduler) ScheduledCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
