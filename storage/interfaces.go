package storage

import (
	"context"
	"time"

	"github.com/SentinelIQ/SentinelCore/core"
)

// ModuleStore persists module metadata and cumulative counters.
type ModuleStore interface {
	// CreateModule inserts a new module. Returns ErrDuplicateModule when
	// the id, or the (name, tenant) pair, collides.
	CreateModule(ctx context.Context, m *core.Module) error

	// GetModule returns a module by id or ErrModuleNotFound.
	GetModule(ctx context.Context, id string) (*core.Module, error)

	// ListModules returns modules matching the filters.
	ListModules(ctx context.Context, f ModuleFilters) ([]*core.Module, error)

	// UpdateModule replaces mutable module fields (name, description,
	// config, schedule, chaining, reentrancy).
	UpdateModule(ctx context.Context, m *core.Module) error

	// SetModuleActive flips the active flag. Idempotent.
	SetModuleActive(ctx context.Context, id string, active bool) error

	// RecordModuleRun atomically folds one finished run into the module's
	// cumulative counters.
	RecordModuleRun(ctx context.Context, id string, items int64, runErr string, at time.Time) error
}

// ModuleFilters narrows ListModules.
type ModuleFilters struct {
	Stage    core.Stage
	TenantID string
	// IncludeGlobal adds global modules to a tenant-filtered listing.
	IncludeGlobal bool
	ActiveOnly    bool
	Scheduled     bool // only modules with a cron schedule
}

// ExecutionStore persists execution records. Status transitions are
// compare-and-set: a writer only wins while the record is still in a
// non-terminal state, so a reconciliation pass and an active worker can
// never both complete the same run.
type ExecutionStore interface {
	// CreateExecution inserts a new record in pending state.
	CreateExecution(ctx context.Context, r *core.ExecutionRecord) error

	// GetExecution returns a record by id or ErrExecutionNotFound.
	GetExecution(ctx context.Context, id string) (*core.ExecutionRecord, error)

	// ListExecutions returns records matching the filters plus the total
	// count for pagination.
	ListExecutions(ctx context.Context, f ExecutionFilters) ([]*core.ExecutionRecord, int64, error)

	// MarkRunning transitions pending->running (or refreshes a running
	// record on retry) and durably bumps the attempt counter. Returns
	// false when the record is already terminal.
	MarkRunning(ctx context.Context, id string, startedAt time.Time, attempt int) (bool, error)

	// AppendExecutionLog replaces the record's log buffer. Used between
	// retry attempts; terminal log content travels with Complete.
	AppendExecutionLog(ctx context.Context, id string, log string) error

	// Complete transitions the record to a terminal state. Returns false
	// when another writer already won the terminal transition.
	Complete(ctx context.Context, id string, status core.RunStatus, errMsg, log string, itemCount int, output core.Payload, completedAt time.Time) (bool, error)

	// CountActive returns the number of pending or running records for a
	// module. Used as the reentrancy fallback when the lock service is
	// unavailable.
	CountActive(ctx context.Context, moduleID string) (int, error)

	// ListOrphans returns running records whose last transition is older
	// than the cutoff, for the reconciliation pass.
	ListOrphans(ctx context.Context, cutoff time.Time) ([]*core.ExecutionRecord, error)
}

// ExecutionFilters narrows ListExecutions. TenantID is mandatory for
// non-superuser callers; the empty string means no tenant filter and is
// reserved for superuser queries.
type ExecutionFilters struct {
	ModuleID string
	TenantID string
	Status   core.RunStatus
	Trigger  core.TriggerSource
	Stage    core.Stage
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}
