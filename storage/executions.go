package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/SentinelIQ/SentinelCore/core"
)

// SQLiteExecutionStorage implements ExecutionStore on SQLite. Terminal
// transitions are compare-and-set UPDATEs guarded on the record still being
// non-terminal, so concurrent writers cannot regress a finished run.
type SQLiteExecutionStorage struct {
	db *SQLite
}

// NewSQLiteExecutionStorage wraps the shared SQLite handle.
func NewSQLiteExecutionStorage(db *SQLite) *SQLiteExecutionStorage {
	return &SQLiteExecutionStorage{db: db}
}

const executionColumns = `id, module_id, module_name, stage, tenant_id, trigger_source, status,
	attempt, item_count, log, error, triggered_by, input, output,
	created_at, started_at, completed_at, duration_seconds`

// CreateExecution inserts a record in pending state.
func (s *SQLiteExecutionStorage) CreateExecution(ctx context.Context, r *core.ExecutionRecord) error {
	input, err := json.Marshal(r.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal execution input: %w", err)
	}
	output, err := json.Marshal(r.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal execution output: %w", err)
	}

	query := `INSERT INTO execution_records (` + executionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.WriteDB.ExecContext(ctx, query,
		r.ID, r.ModuleID, r.ModuleName, string(r.Stage), r.TenantID,
		string(r.Trigger), string(r.Status), r.Attempt, r.ItemCount,
		r.Log, r.Error, r.TriggeredBy, string(input), string(output),
		r.CreatedAt.UTC().Format(time.RFC3339Nano),
		nullableTime(r.StartedAt), nullableTime(r.CompletedAt),
		r.DurationSeconds,
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution record: %w", err)
	}
	return nil
}

// GetExecution returns a record by id.
func (s *SQLiteExecutionStorage) GetExecution(ctx context.Context, id string) (*core.ExecutionRecord, error) {
	query := `SELECT ` + executionColumns + ` FROM execution_records WHERE id = ?`
	row := s.db.ReadDB.QueryRowContext(ctx, query, id)
	r, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("execution %q: %w", id, ErrExecutionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read execution record: %w", err)
	}
	return r, nil
}

// ListExecutions returns records matching the filters, newest first, plus
// the total row count for pagination.
func (s *SQLiteExecutionStorage) ListExecutions(ctx context.Context, f ExecutionFilters) ([]*core.ExecutionRecord, int64, error) {
	var (
		conds []string
		args  []interface{}
	)
	if f.ModuleID != "" {
		conds = append(conds, "module_id = ?")
		args = append(args, f.ModuleID)
	}
	if f.TenantID != "" {
		conds = append(conds, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Trigger != "" {
		conds = append(conds, "trigger_source = ?")
		args = append(args, string(f.Trigger))
	}
	if f.Stage != "" {
		conds = append(conds, "stage = ?")
		args = append(args, string(f.Stage))
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
		"SELECT COUNT(*) FROM execution_records"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count execution records: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + executionColumns + ` FROM execution_records` + where +
		" ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list execution records: %w", err)
	}
	defer rows.Close()

	var out []*core.ExecutionRecord
	for rows.Next() {
		r, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan execution record: %w", err)
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// MarkRunning transitions pending->running, or refreshes a running record
// between retry attempts. The attempt counter is written before module code
// runs so queue redelivery after a crash resumes from the durable count.
func (s *SQLiteExecutionStorage) MarkRunning(ctx context.Context, id string, startedAt time.Time, attempt int) (bool, error) {
	query := `UPDATE execution_records
		SET status = ?, started_at = COALESCE(started_at, ?), attempt = ?
		WHERE id = ? AND status IN (?, ?)`
	res, err := s.db.WriteDB.ExecContext(ctx, query,
		string(core.RunRunning), startedAt.UTC().Format(time.RFC3339Nano),
		attempt, id, string(core.RunPending), string(core.RunRunning))
	if err != nil {
		return false, fmt.Errorf("failed to mark execution running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// AppendExecutionLog replaces the log buffer for a record.
func (s *SQLiteExecutionStorage) AppendExecutionLog(ctx context.Context, id string, log string) error {
	res, err := s.db.WriteDB.ExecContext(ctx,
		`UPDATE execution_records SET log = ? WHERE id = ?`, log, id)
	if err != nil {
		return fmt.Errorf("failed to write execution log: %w", err)
	}
	return requireRow(res, ErrExecutionNotFound)
}

// Complete transitions the record to a terminal state. The WHERE clause is
// the whole concurrency story: whichever writer still observes the record
// non-terminal wins, the loser's write affects zero rows.
func (s *SQLiteExecutionStorage) Complete(ctx context.Context, id string, status core.RunStatus, errMsg, log string, itemCount int, output core.Payload, completedAt time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("complete called with non-terminal status %q", status)
	}
	out, err := json.Marshal(output)
	if err != nil {
		return false, fmt.Errorf("failed to marshal execution output: %w", err)
	}

	query := `UPDATE execution_records
		SET status = ?, error = ?, log = ?, item_count = ?, output = ?,
		    completed_at = ?,
		    duration_seconds = CASE
		        WHEN started_at IS NOT NULL
		        THEN (julianday(?) - julianday(started_at)) * 86400.0
		        ELSE 0 END
		WHERE id = ? AND status IN (?, ?)`
	ts := completedAt.UTC().Format(time.RFC3339Nano)
	res, err := s.db.WriteDB.ExecContext(ctx, query,
		string(status), errMsg, log, itemCount, string(out), ts, ts,
		id, string(core.RunPending), string(core.RunRunning))
	if err != nil {
		return false, fmt.Errorf("failed to complete execution record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// CountActive returns the number of non-terminal records for a module.
func (s *SQLiteExecutionStorage) CountActive(ctx context.Context, moduleID string) (int, error) {
	var n int
	err := s.db.ReadDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM execution_records WHERE module_id = ? AND status IN (?, ?)`,
		moduleID, string(core.RunPending), string(core.RunRunning)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active executions: %w", err)
	}
	return n, nil
}

// ListOrphans returns running records that started before the cutoff.
func (s *SQLiteExecutionStorage) ListOrphans(ctx context.Context, cutoff time.Time) ([]*core.ExecutionRecord, error) {
	query := `SELECT ` + executionColumns + ` FROM execution_records
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?`
	rows, err := s.db.ReadDB.QueryContext(ctx, query,
		string(core.RunRunning), cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to list orphaned executions: %w", err)
	}
	defer rows.Close()

	var out []*core.ExecutionRecord
	for rows.Next() {
		r, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanExecution(row scanner) (*core.ExecutionRecord, error) {
	var (
		r           core.ExecutionRecord
		stage       string
		trigger     string
		status      string
		input       string
		output      string
		createdAt   string
		startedAt   sql.NullString
		completedAt sql.NullString
	)
	err := row.Scan(&r.ID, &r.ModuleID, &r.ModuleName, &stage, &r.TenantID,
		&trigger, &status, &r.Attempt, &r.ItemCount, &r.Log, &r.Error,
		&r.TriggeredBy, &input, &output, &createdAt, &startedAt,
		&completedAt, &r.DurationSeconds)
	if err != nil {
		return nil, err
	}

	r.Stage = core.Stage(stage)
	r.Trigger = core.TriggerSource(trigger)
	r.Status = core.RunStatus(status)
	if err := json.Unmarshal([]byte(input), &r.Input); err != nil {
		return nil, fmt.Errorf("corrupt input payload for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(output), &r.Output); err != nil {
		return nil, fmt.Errorf("corrupt output payload for %s: %w", r.ID, err)
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if startedAt.Valid && startedAt.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, startedAt.String); err == nil {
			r.StartedAt = &t
		}
	}
	if completedAt.Valid && completedAt.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
			r.CompletedAt = &t
		}
	}
	return &r, nil
}
