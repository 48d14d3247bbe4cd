// Package audit provides the tamper-evident trail every mutating action in
// the system passes through. Entries are append-only: nothing in this
// subsystem updates or deletes them.
package audit

import (
	"context"
	"time"

	"github.com/SentinelIQ/SentinelCore/metrics"
	"github.com/SentinelIQ/SentinelCore/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Entry is one audit record. Actor is empty for system/scheduled actions,
// in which case ActorName carries a descriptive string instead.
type Entry struct {
	ID         string                 `json:"id"`
	CreatedAt  time.Time              `json:"created_at"`
	ActorID    string                 `json:"actor_id,omitempty"`
	ActorName  string                 `json:"actor_name,omitempty"`
	Verb       string                 `json:"verb"`
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	EntityName string                 `json:"entity_name,omitempty"`
	TenantID   string                 `json:"tenant_id,omitempty"`
	SourceIP   string                 `json:"source_ip,omitempty"`
	UserAgent  string                 `json:"user_agent,omitempty"`
	Changes    map[string]interface{} `json:"changes,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Filters narrows audit queries.
type Filters struct {
	ActorID    string
	EntityType string
	EntityID   string
	TenantID   string
	Verb       string
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

// Store persists audit entries. Append-only by contract.
type Store interface {
	AppendAuditEntry(ctx context.Context, e *Entry) error
	ListAuditEntries(ctx context.Context, f Filters) ([]*Entry, int64, error)
}

// Recorder is the interface every component calls at its point of mutation.
// Record never fails the caller: audit persistence must not block business
// logic, so errors are logged, counted, and swallowed.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// Querier reads the trail back out. Kept separate from Recorder so that the
// write path can be handed around without exposing queries.
type Querier interface {
	Query(ctx context.Context, f Filters) ([]*Entry, int64, error)
}

// SQLRecorder persists entries through a Store, sanitizing sensitive fields
// first.
type SQLRecorder struct {
	store         Store
	logger        *zap.SugaredLogger
	sensitiveKeys []string
}

// NewRecorder creates a recorder. sensitiveKeys extends the built-in
// redaction list from configuration.
func NewRecorder(store Store, sensitiveKeys []string, logger *zap.SugaredLogger) *SQLRecorder {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SQLRecorder{
		store:         store,
		logger:        logger,
		sensitiveKeys: sensitiveKeys,
	}
}

// Record sanitizes and appends one entry. A persistence failure is the one
// place availability beats durability: the failure is logged at error level
// and surfaced through the AuditWriteFailures alert counter, never returned.
func (r *SQLRecorder) Record(ctx context.Context, e Entry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.ActorID == "" && e.ActorName == "" {
		e.ActorName = "system"
	}
	e.Changes = util.SanitizeMap(e.Changes, r.sensitiveKeys)
	e.Metadata = util.SanitizeMap(e.Metadata, r.sensitiveKeys)

	if err := r.store.AppendAuditEntry(ctx, &e); err != nil {
		metrics.AuditWriteFailures.Inc()
		r.logger.Errorw("AUDIT WRITE FAILED - entry dropped",
			"verb", e.Verb,
			"entity_type", e.EntityType,
			"entity_id", e.EntityID,
			"tenant_id", e.TenantID,
			"error", err)
	}
}

// Query implements Querier.
func (r *SQLRecorder) Query(ctx context.Context, f Filters) ([]*Entry, int64, error) {
	return r.store.ListAuditEntries(ctx, f)
}

// NoopRecorder discards all entries. Used in tests and as a fallback when
// audit storage is unavailable at startup in graceful mode.
type NoopRecorder struct{}

func (NoopRecorder) Record(ctx context.Context, e Entry) {}
