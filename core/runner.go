package core

import (
	"context"
)

// Runner is the fixed capability contract every module variant implements.
// The business logic inside a runner is opaque to the pipeline: the engine
// only cares about the item count, the output payload handed to the next
// stage, and the error classification.
//
// Runners must honor ctx cancellation: the engine delivers the soft time
// limit and administrative cancel through the context, and long-running
// logic is expected to check it at bounded intervals.
type Runner interface {
	// Handler returns the stable name modules reference in their
	// descriptor to select this implementation.
	Handler() string

	// Execute runs the module logic with its validated configuration and
	// the input payload from the triggering stage.
	Execute(ctx context.Context, cfg map[string]interface{}, input Payload) (itemCount int, out Payload, err error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc struct {
	Name string
	Fn   func(ctx context.Context, cfg map[string]interface{}, input Payload) (int, Payload, error)
}

func (r RunnerFunc) Handler() string { return r.Name }

func (r RunnerFunc) Execute(ctx context.Context, cfg map[string]interface{}, input Payload) (int, Payload, error) {
	return r.Fn(ctx, cfg, input)
}
