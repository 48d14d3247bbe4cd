package storage

import "errors"

// Storage error constants
var (
	// ErrModuleNotFound is returned when a module is not found
	ErrModuleNotFound = errors.New("module not found")

	// ErrExecutionNotFound is returned when an execution record is not found
	ErrExecutionNotFound = errors.New("execution record not found")

	// ErrDuplicateModule is returned when a module id or (name, tenant)
	// pair collides with an existing module
	ErrDuplicateModule = errors.New("module already exists")

	// ErrDatabaseClosed is returned when attempting to use a closed database
	ErrDatabaseClosed = errors.New("database is closed")

	// ErrNotFound is a generic "not found" error
	ErrNotFound = errors.New("not found")
)
