package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/SentinelIQ/SentinelCore/audit"
)

// SQLiteAuditStorage implements audit.Store. The table is append-only:
// this type exposes no update or delete path.
type SQLiteAuditStorage struct {
	db *SQLite
}

// NewSQLiteAuditStorage wraps the shared SQLite handle.
func NewSQLiteAuditStorage(db *SQLite) *SQLiteAuditStorage {
	return &SQLiteAuditStorage{db: db}
}

// AppendAuditEntry inserts one entry.
func (s *SQLiteAuditStorage) AppendAuditEntry(ctx context.Context, e *audit.Entry) error {
	changes, err := json.Marshal(e.Changes)
	if err != nil {
		return fmt.Errorf("failed to marshal audit changes: %w", err)
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal audit metadata: %w", err)
	}

	query := `INSERT INTO audit_log
		(id, created_at, actor_id, actor_name, verb, entity_type, entity_id,
		 entity_name, tenant_id, source_ip, user_agent, changes, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.WriteDB.ExecContext(ctx, query,
		e.ID, e.CreatedAt.UTC().Format(time.RFC3339Nano),
		e.ActorID, e.ActorName, e.Verb, e.EntityType, e.EntityID,
		e.EntityName, e.TenantID, e.SourceIP, e.UserAgent,
		string(changes), string(meta))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries returns entries matching the filters, newest first, plus
// the total count.
func (s *SQLiteAuditStorage) ListAuditEntries(ctx context.Context, f audit.Filters) ([]*audit.Entry, int64, error) {
	var (
		conds []string
		args  []interface{}
	)
	if f.ActorID != "" {
		conds = append(conds, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if f.EntityType != "" {
		conds = append(conds, "entity_type = ?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		conds = append(conds, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if f.TenantID != "" {
		conds = append(conds, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.Verb != "" {
		conds = append(conds, "verb = ?")
		args = append(args, f.Verb)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := s.db.ReadDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM audit_log"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit entries: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, created_at, actor_id, actor_name, verb, entity_type,
		entity_id, entity_name, tenant_id, source_ip, user_agent, changes, metadata
		FROM audit_log` + where + " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var out []*audit.Entry
	for rows.Next() {
		var (
			e         audit.Entry
			createdAt string
			changes   string
			meta      string
		)
		if err := rows.Scan(&e.ID, &createdAt, &e.ActorID, &e.ActorName,
			&e.Verb, &e.EntityType, &e.EntityID, &e.EntityName,
			&e.TenantID, &e.SourceIP, &e.UserAgent, &changes, &meta); err != nil {
			return nil, 0, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if err := json.Unmarshal([]byte(changes), &e.Changes); err != nil {
			return nil, 0, fmt.Errorf("corrupt audit changes for %s: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, 0, fmt.Errorf("corrupt audit metadata for %s: %w", e.ID, err)
		}
		out = append(out, &e)
	}
	return out, total, rows.Err()
}
