// Package storage persists modules, execution records and the audit trail
// in SQLite. WAL mode with a single-writer pool and a wider read pool keeps
// concurrent readers off the writer's back.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite holds the database connections for pipeline metadata storage.
// Writes go through a MaxOpenConns=1 pool (WAL single writer); reads use a
// separate pool sized for concurrency.
type SQLite struct {
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Path    string
	Logger  *zap.SugaredLogger
}

// configureConnection applies the standard SQLite pragmas to a pool.
func configureConnection(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	// SQLite disables foreign keys by default.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}
	return nil
}

// NewSQLite opens (creating if necessary) the database at path and prepares
// both pools and the schema.
func NewSQLite(path string, logger *zap.SugaredLogger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	writeDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite write pool: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetConnMaxLifetime(0)
	if err := configureConnection(writeDB); err != nil {
		writeDB.Close()
		return nil, err
	}

	readDB, err := sql.Open("sqlite", path)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("failed to open sqlite read pool: %w", err)
	}
	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(10)
	readDB.SetConnMaxIdleTime(5 * time.Minute)
	if err := configureConnection(readDB); err != nil {
		writeDB.Close()
		readDB.Close()
		return nil, err
	}

	s := &SQLite{
		WriteDB: writeDB,
		ReadDB:  readDB,
		Path:    path,
		Logger:  logger,
	}
	if err := s.migrate(); err != nil {
		s.Close()
		return nil, err
	}

	logger.Infow("SQLite storage ready", "path", path)
	return s, nil
}

// migrate creates the schema. Idempotent.
func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS modules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		stage TEXT NOT NULL,
		tenant_id TEXT NOT NULL DEFAULT '',
		handler TEXT NOT NULL,
		config TEXT NOT NULL DEFAULT '{}',
		config_schema TEXT NOT NULL DEFAULT '',
		reentrant INTEGER NOT NULL DEFAULT 0,
		cron_schedule TEXT NOT NULL DEFAULT '',
		chain_to TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		last_run DATETIME,
		last_error TEXT NOT NULL DEFAULT '',
		error_count INTEGER NOT NULL DEFAULT 0,
		total_processed INTEGER NOT NULL DEFAULT 0,
		UNIQUE(name, tenant_id)
	);
	CREATE INDEX IF NOT EXISTS idx_modules_tenant ON modules(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_modules_stage ON modules(stage);

	CREATE TABLE IF NOT EXISTS execution_records (
		id TEXT PRIMARY KEY,
		module_id TEXT NOT NULL REFERENCES modules(id),
		module_name TEXT NOT NULL,
		stage TEXT NOT NULL,
		tenant_id TEXT NOT NULL DEFAULT '',
		trigger_source TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempt INTEGER NOT NULL DEFAULT 0,
		item_count INTEGER NOT NULL DEFAULT 0,
		log TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		triggered_by TEXT NOT NULL DEFAULT '',
		input TEXT NOT NULL DEFAULT '{}',
		output TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		duration_seconds REAL NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_executions_module ON execution_records(module_id);
	CREATE INDEX IF NOT EXISTS idx_executions_tenant ON execution_records(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON execution_records(status);
	CREATE INDEX IF NOT EXISTS idx_executions_created ON execution_records(created_at DESC);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		actor_id TEXT NOT NULL DEFAULT '',
		actor_name TEXT NOT NULL DEFAULT '',
		verb TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL DEFAULT '',
		entity_name TEXT NOT NULL DEFAULT '',
		tenant_id TEXT NOT NULL DEFAULT '',
		source_ip TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		changes TEXT NOT NULL DEFAULT '{}',
		metadata TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_id);
	CREATE INDEX IF NOT EXISTS idx_audit_tenant ON audit_log(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at DESC);
	`
	if _, err := s.WriteDB.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close releases both pools.
func (s *SQLite) Close() error {
	var firstErr error
	if err := s.WriteDB.Close(); err != nil {
		firstErr = err
	}
	if err := s.ReadDB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
