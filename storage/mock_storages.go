package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/SentinelIQ/SentinelCore/audit"
	"github.com/SentinelIQ/SentinelCore/core"
)

// MemoryModuleStore is an in-memory ModuleStore for tests.
type MemoryModuleStore struct {
	mu      sync.RWMutex
	modules map[string]*core.Module
}

// NewMemoryModuleStore creates an empty store.
func NewMemoryModuleStore() *MemoryModuleStore {
	return &MemoryModuleStore{modules: make(map[string]*core.Module)}
}

func (s *MemoryModuleStore) CreateModule(ctx context.Context, m *core.Module) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.modules[m.ID]; exists {
		return fmt.Errorf("module %q: %w", m.ID, ErrDuplicateModule)
	}
	for _, existing := range s.modules {
		if existing.Name == m.Name && existing.TenantID == m.TenantID {
			return fmt.Errorf("module %q: %w", m.Name, ErrDuplicateModule)
		}
	}
	cp := *m
	s.modules[m.ID] = &cp
	return nil
}

func (s *MemoryModuleStore) GetModule(ctx context.Context, id string) (*core.Module, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.modules[id]
	if !ok {
		return nil, fmt.Errorf("module %q: %w", id, ErrModuleNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryModuleStore) ListModules(ctx context.Context, f ModuleFilters) ([]*core.Module, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Module
	for _, m := range s.modules {
		if f.Stage != "" && m.Stage != f.Stage {
			continue
		}
		if f.TenantID != "" {
			if m.TenantID != f.TenantID && !(f.IncludeGlobal && m.TenantID == core.GlobalTenant) {
				continue
			}
		}
		if f.ActiveOnly && !m.Active {
			continue
		}
		if f.Scheduled && m.CronSchedule == "" {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryModuleStore) UpdateModule(ctx context.Context, m *core.Module) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.modules[m.ID]
	if !ok {
		return ErrModuleNotFound
	}
	existing.Name = m.Name
	existing.Description = m.Description
	existing.Config = m.Config
	existing.ConfigSchema = m.ConfigSchema
	existing.Reentrant = m.Reentrant
	existing.CronSchedule = m.CronSchedule
	existing.ChainTo = m.ChainTo
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryModuleStore) SetModuleActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modules[id]
	if !ok {
		return ErrModuleNotFound
	}
	m.Active = active
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryModuleStore) RecordModuleRun(ctx context.Context, id string, items int64, runErr string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modules[id]
	if !ok {
		return ErrModuleNotFound
	}
	t := at
	m.LastRun = &t
	m.LastError = runErr
	if runErr != "" {
		m.ErrorCount++
	}
	m.TotalProcessed += items
	return nil
}

// MemoryExecutionStore is an in-memory ExecutionStore for tests. It honors
// the same compare-and-set semantics as the SQLite implementation.
type MemoryExecutionStore struct {
	mu      sync.RWMutex
	records map[string]*core.ExecutionRecord
}

// NewMemoryExecutionStore creates an empty store.
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{records: make(map[string]*core.ExecutionRecord)}
}

func (s *MemoryExecutionStore) CreateExecution(ctx context.Context, r *core.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.records[r.ID] = &cp
	return nil
}

func (s *MemoryExecutionStore) GetExecution(ctx context.Context, id string) (*core.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("execution %q: %w", id, ErrExecutionNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryExecutionStore) ListExecutions(ctx context.Context, f ExecutionFilters) ([]*core.ExecutionRecord, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*core.ExecutionRecord
	for _, r := range s.records {
		if f.ModuleID != "" && r.ModuleID != f.ModuleID {
			continue
		}
		if f.TenantID != "" && r.TenantID != f.TenantID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Trigger != "" && r.Trigger != f.Trigger {
			continue
		}
		if f.Stage != "" && r.Stage != f.Stage {
			continue
		}
		if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && r.CreatedAt.After(f.Until) {
			continue
		}
		cp := *r
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := int64(len(matched))
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	start := f.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (s *MemoryExecutionStore) MarkRunning(ctx context.Context, id string, startedAt time.Time, attempt int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return false, fmt.Errorf("execution %q: %w", id, ErrExecutionNotFound)
	}
	if r.Status.Terminal() {
		return false, nil
	}
	r.Status = core.RunRunning
	if r.StartedAt == nil {
		t := startedAt
		r.StartedAt = &t
	}
	r.Attempt = attempt
	return true, nil
}

func (s *MemoryExecutionStore) AppendExecutionLog(ctx context.Context, id string, log string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("execution %q: %w", id, ErrExecutionNotFound)
	}
	r.Log = log
	return nil
}

func (s *MemoryExecutionStore) Complete(ctx context.Context, id string, status core.RunStatus, errMsg, log string, itemCount int, output core.Payload, completedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return false, fmt.Errorf("execution %q: %w", id, ErrExecutionNotFound)
	}
	if r.Status.Terminal() {
		return false, nil
	}
	r.Status = status
	r.Error = errMsg
	r.Log = log
	r.ItemCount = itemCount
	r.Output = output
	t := completedAt
	r.CompletedAt = &t
	if r.StartedAt != nil {
		r.DurationSeconds = completedAt.Sub(*r.StartedAt).Seconds()
	}
	return true, nil
}

func (s *MemoryExecutionStore) CountActive(ctx context.Context, moduleID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.records {
		if r.ModuleID == moduleID && !r.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (s *MemoryExecutionStore) ListOrphans(ctx context.Context, cutoff time.Time) ([]*core.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.ExecutionRecord
	for _, r := range s.records {
		if r.Status == core.RunRunning && r.StartedAt != nil && r.StartedAt.Before(cutoff) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// MemoryAuditStore is an in-memory audit.Store for tests.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*audit.Entry
	// FailWrites makes AppendAuditEntry return an error, for testing the
	// recorder's swallow-and-alert behavior.
	FailWrites bool
}

// NewMemoryAuditStore creates an empty store.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (s *MemoryAuditStore) AppendAuditEntry(ctx context.Context, e *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return fmt.Errorf("audit store unavailable")
	}
	cp := *e
	s.entries = append(s.entries, &cp)
	return nil
}

func (s *MemoryAuditStore) ListAuditEntries(ctx context.Context, f audit.Filters) ([]*audit.Entry, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*audit.Entry
	for _, e := range s.entries {
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		if f.EntityType != "" && e.EntityType != f.EntityType {
			continue
		}
		if f.EntityID != "" && e.EntityID != f.EntityID {
			continue
		}
		if f.TenantID != "" && e.TenantID != f.TenantID {
			continue
		}
		if f.Verb != "" && e.Verb != f.Verb {
			continue
		}
		if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && e.CreatedAt.After(f.Until) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, int64(len(out)), nil
}

// Entries returns a snapshot of everything recorded so far.
func (s *MemoryAuditStore) Entries() []*audit.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*audit.Entry, len(s.entries))
	copy(out, s.entries)
	return out
}
