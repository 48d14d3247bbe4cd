package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("connection reset"), true},
		{"transient", Transientf("feed endpoint returned 503"), true},
		{"fatal", Fatalf("bad credentials"), false},
		{"wrapped fatal", fmt.Errorf("stage failed: %w", Fatalf("bad credentials")), false},
		{"validation", ErrValidation, false},
		{"wrapped validation", fmt.Errorf("input: %w", ErrValidation), false},
		{"timeout", ErrTimeout, false},
		{"wrapped timeout", fmt.Errorf("run: %w", ErrTimeout), false},
		{"canceled", context.Canceled, false},
		{"deadline as plain", context.DeadlineExceeded, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestAlreadyRunningIsConflict(t *testing.T) {
	assert.ErrorIs(t, ErrAlreadyRunning, ErrConflict)
	assert.ErrorIs(t, fmt.Errorf("submit: %w", ErrAlreadyRunning), ErrConflict)
}

func TestTransientAndFatalUnwrap(t *testing.T) {
	inner := errors.New("boom")
	tr := &TransientExecutionError{Err: inner}
	assert.ErrorIs(t, tr, inner)
	assert.Contains(t, tr.Error(), "transient")

	ft := &FatalExecutionError{Err: inner}
	assert.ErrorIs(t, ft, inner)
	assert.Contains(t, ft.Error(), "fatal")
}

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, RunPending.Terminal())
	assert.False(t, RunRunning.Terminal())
	assert.True(t, RunSuccess.Terminal())
	assert.True(t, RunFailed.Terminal())
}

func TestStageValid(t *testing.T) {
	for _, s := range Stages {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, Stage("ingest").Valid())
	assert.False(t, Stage("").Valid())
}

func TestSystemCaller(t *testing.T) {
	c := SystemCaller("acme")
	assert.True(t, c.IsSystem())
	assert.Equal(t, RoleSuperuser, c.Role)
	assert.Equal(t, "acme", c.TenantID)

	human := Caller{ID: "u1", Name: "ops", Role: RoleAdmin}
	assert.False(t, human.IsSystem())
}
