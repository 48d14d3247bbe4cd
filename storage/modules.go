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

// SQLiteModuleStorage implements ModuleStore on SQLite.
type SQLiteModuleStorage struct {
	db *SQLite
}

// NewSQLiteModuleStorage wraps the shared SQLite handle.
func NewSQLiteModuleStorage(db *SQLite) *SQLiteModuleStorage {
	return &SQLiteModuleStorage{db: db}
}

const moduleColumns = `id, name, description, stage, tenant_id, handler, config, config_schema,
	reentrant, cron_schedule, chain_to, active, created_at, updated_at,
	last_run, last_error, error_count, total_processed`

// CreateModule inserts a new module.
func (s *SQLiteModuleStorage) CreateModule(ctx context.Context, m *core.Module) error {
	cfg, err := json.Marshal(m.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal module config: %w", err)
	}

	query := `INSERT INTO modules (` + moduleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.WriteDB.ExecContext(ctx, query,
		m.ID, m.Name, m.Description, string(m.Stage), m.TenantID, m.Handler,
		string(cfg), m.ConfigSchema, boolToInt(m.Reentrant), m.CronSchedule,
		m.ChainTo, boolToInt(m.Active),
		m.CreatedAt.UTC().Format(time.RFC3339Nano),
		m.UpdatedAt.UTC().Format(time.RFC3339Nano),
		nullableTime(m.LastRun), m.LastError, m.ErrorCount, m.TotalProcessed,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("module %q: %w", m.ID, ErrDuplicateModule)
		}
		return fmt.Errorf("failed to insert module: %w", err)
	}
	return nil
}

// GetModule returns a module by id.
func (s *SQLiteModuleStorage) GetModule(ctx context.Context, id string) (*core.Module, error) {
	query := `SELECT ` + moduleColumns + ` FROM modules WHERE id = ?`
	row := s.db.ReadDB.QueryRowContext(ctx, query, id)
	m, err := scanModule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("module %q: %w", id, ErrModuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read module: %w", err)
	}
	return m, nil
}

// ListModules returns modules matching the filters, ordered by name.
func (s *SQLiteModuleStorage) ListModules(ctx context.Context, f ModuleFilters) ([]*core.Module, error) {
	var (
		conds []string
		args  []interface{}
	)
	if f.Stage != "" {
		conds = append(conds, "stage = ?")
		args = append(args, string(f.Stage))
	}
	if f.TenantID != "" {
		if f.IncludeGlobal {
			conds = append(conds, "(tenant_id = ? OR tenant_id = '')")
		} else {
			conds = append(conds, "tenant_id = ?")
		}
		args = append(args, f.TenantID)
	}
	if f.ActiveOnly {
		conds = append(conds, "active = 1")
	}
	if f.Scheduled {
		conds = append(conds, "cron_schedule != ''")
	}

	query := `SELECT ` + moduleColumns + ` FROM modules`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY name"

	rows, err := s.db.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}
	defer rows.Close()

	var out []*core.Module
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan module: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateModule replaces the mutable descriptor fields.
func (s *SQLiteModuleStorage) UpdateModule(ctx context.Context, m *core.Module) error {
	cfg, err := json.Marshal(m.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal module config: %w", err)
	}

	query := `UPDATE modules
		SET name = ?, description = ?, config = ?, config_schema = ?,
		    reentrant = ?, cron_schedule = ?, chain_to = ?, updated_at = ?
		WHERE id = ?`
	res, err := s.db.WriteDB.ExecContext(ctx, query,
		m.Name, m.Description, string(cfg), m.ConfigSchema,
		boolToInt(m.Reentrant), m.CronSchedule, m.ChainTo,
		time.Now().UTC().Format(time.RFC3339Nano), m.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("module %q: %w", m.ID, ErrDuplicateModule)
		}
		return fmt.Errorf("failed to update module: %w", err)
	}
	return requireRow(res, ErrModuleNotFound)
}

// SetModuleActive flips the active flag. Idempotent by design: repeating a
// deactivation is a no-op with a nil error.
func (s *SQLiteModuleStorage) SetModuleActive(ctx context.Context, id string, active bool) error {
	query := `UPDATE modules SET active = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.WriteDB.ExecContext(ctx, query,
		boolToInt(active), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to set module active flag: %w", err)
	}
	return requireRow(res, ErrModuleNotFound)
}

// RecordModuleRun folds a finished run into the cumulative counters with a
// single atomic UPDATE, never read-modify-write in process.
func (s *SQLiteModuleStorage) RecordModuleRun(ctx context.Context, id string, items int64, runErr string, at time.Time) error {
	query := `UPDATE modules
		SET last_run = ?,
		    last_error = ?,
		    error_count = error_count + CASE WHEN ? != '' THEN 1 ELSE 0 END,
		    total_processed = total_processed + ?
		WHERE id = ?`
	res, err := s.db.WriteDB.ExecContext(ctx, query,
		at.UTC().Format(time.RFC3339Nano), runErr, runErr, items, id)
	if err != nil {
		return fmt.Errorf("failed to record module run: %w", err)
	}
	return requireRow(res, ErrModuleNotFound)
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanModule(row scanner) (*core.Module, error) {
	var (
		m          core.Module
		stage      string
		cfg        string
		reentrant  int
		active     int
		createdAt  string
		updatedAt  string
		lastRun    sql.NullString
	)
	err := row.Scan(&m.ID, &m.Name, &m.Description, &stage, &m.TenantID,
		&m.Handler, &cfg, &m.ConfigSchema, &reentrant, &m.CronSchedule,
		&m.ChainTo, &active, &createdAt, &updatedAt, &lastRun,
		&m.LastError, &m.ErrorCount, &m.TotalProcessed)
	if err != nil {
		return nil, err
	}

	m.Stage = core.Stage(stage)
	m.Reentrant = reentrant != 0
	m.Active = active != 0
	if err := json.Unmarshal([]byte(cfg), &m.Config); err != nil {
		return nil, fmt.Errorf("corrupt module config for %s: %w", m.ID, err)
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if lastRun.Valid && lastRun.String != "" {
		t, err := time.Parse(time.RFC3339Nano, lastRun.String)
		if err == nil {
			m.LastRun = &t
		}
	}
	return &m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
