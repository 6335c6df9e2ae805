// Package module defines the module contract: a named, idempotent unit of
// work with a fixed four-phase lifecycle (check, initialize, execute,
// cleanup), the standard result it must produce, and the per-task-per-target
// context it executes in.
package module

import (
	"context"

	"github.com/steward-sh/steward/pkg/provider"
	"github.com/steward-sh/steward/pkg/render"
	"github.com/steward-sh/steward/pkg/telemetry"
)

// Context is the per-task-per-target execution bundle. It is exclusively
// owned by exactly one task-target execution; no locking is required.
type Context struct {
	// Vars is the variable mapping, mutated by controls and result capture.
	// Keys are unique; values persist beyond the task only through capture.
	Vars map[string]interface{}

	// Logger is the execution's structured logger.
	Logger *telemetry.Logger

	// Provider is the execution provider bound to this target.
	Provider provider.Provider

	// Renderer resolves templated parameters and expressions.
	Renderer *render.Renderer

	// Cond evaluates boolean control expressions.
	Cond *render.Evaluator

	// Tracer records lifecycle phase spans, optional.
	Tracer *telemetry.Tracer

	// CheckMode requests a dry run: modules report what would change
	// without mutating the target.
	CheckMode bool
}

// Module is a named, idempotent unit of work. An instance is created per
// task-target pair, progresses through the lifecycle exactly once, and is
// discarded after cleanup.
type Module interface {
	// Name returns the unique module name.
	Name() string

	// Check validates parameters and target preconditions. It must perform
	// no side effects beyond read-only probes; an error here aborts the task
	// before any mutation.
	Check(ctx context.Context, c *Context) error

	// Initialize allocates module working state (for example, loading
	// configuration from the target) using information gathered in Check.
	Initialize(ctx context.Context, c *Context) error

	// Execute performs the idempotent change and returns the result. A nil
	// result without an error violates the module contract.
	Execute(ctx context.Context, c *Context) (*Result, error)

	// Cleanup releases working state. It always runs, success or failure;
	// its own errors are logged but never surfaced over an earlier error.
	Cleanup(ctx context.Context, c *Context) error
}

// Compensator is an optional capability for modules that can roll back a
// partially applied change. Compensate is invoked when Execute fails, before
// the error propagates; it is best effort and its own errors are swallowed.
type Compensator interface {
	Compensate(ctx context.Context, c *Context)
}
