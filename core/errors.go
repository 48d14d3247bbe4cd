package core

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy for the pipeline. Synchronous-path errors (validation,
// permission, conflict) are surfaced to the caller of submit/cancel;
// execution-time errors are captured into the ExecutionRecord instead.
var (
	// ErrValidation marks malformed configuration or input. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned both for missing entities and for entities
	// the caller may not see, so read paths never leak existence across
	// tenants.
	ErrNotFound = errors.New("not found")

	// ErrPermission marks a denied mutation on an entity the caller is
	// allowed to know about.
	ErrPermission = errors.New("permission denied")

	// ErrConflict marks id collisions and other uniqueness violations.
	ErrConflict = errors.New("conflict")

	// ErrAlreadyRunning is returned when a non-reentrant module is
	// submitted while a prior run is pending or running.
	ErrAlreadyRunning = fmt.Errorf("module already running: %w", ErrConflict)

	// ErrTimeout marks a run that exceeded its stage time limit. Raised by
	// the system, never by module code.
	ErrTimeout = errors.New("execution timed out")
)

// TransientExecutionError marks a module-raised failure eligible for the
// fixed retry policy.
type TransientExecutionError struct {
	Err error
}

func (e *TransientExecutionError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientExecutionError) Unwrap() error { return e.Err }

// Transientf builds a retryable execution error.
func Transientf(format string, args ...interface{}) error {
	return &TransientExecutionError{Err: fmt.Errorf(format, args...)}
}

// FatalExecutionError marks a module-raised failure that skips retries and
// transitions the run directly to failed.
type FatalExecutionError struct {
	Err error
}

func (e *FatalExecutionError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalExecutionError) Unwrap() error { return e.Err }

// Fatalf builds a non-retryable execution error.
func Fatalf(format string, args ...interface{}) error {
	return &FatalExecutionError{Err: fmt.Errorf(format, args...)}
}

// Retryable reports whether an execution error is eligible for retry.
// Fatal, validation and timeout errors are not; everything else, including
// plain errors from module code, is treated as transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var fatal *FatalExecutionError
	if errors.As(err, &fatal) {
		return false
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrTimeout) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
