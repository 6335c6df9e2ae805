package module

import (
	"context"

	"github.com/steward-sh/steward/pkg/telemetry"
)

// Run drives a module instance through its lifecycle:
// check -> initialize -> execute -> cleanup.
//
// Check and Initialize errors abort before any mutation. An Execute error
// first gives the module a chance to compensate (when it implements
// Compensator), then propagates. Cleanup always runs, regardless of which
// phase failed; its errors are logged and suppressed so they never mask the
// original failure.
func Run(ctx context.Context, m Module, c *Context) (*Result, error) {
	logger := c.Logger.WithModule(m.Name())

	defer func() {
		if cleanupErr := m.Cleanup(ctx, c); cleanupErr != nil {
			logger.WithError(cleanupErr).Warn("cleanup failed")
		}
	}()

	if err := runPhase(ctx, c, m.Name(), "check", func() error { return m.Check(ctx, c) }); err != nil {
		return nil, err
	}

	var result *Result
	var execErr error

	if err := runPhase(ctx, c, m.Name(), "initialize", func() error { return m.Initialize(ctx, c) }); err != nil {
		return nil, err
	}

	err := runPhase(ctx, c, m.Name(), "execute", func() error {
		result, execErr = m.Execute(ctx, c)
		return execErr
	})
	if err != nil {
		if comp, ok := m.(Compensator); ok {
			logger.Debug("execute failed, attempting compensation")
			comp.Compensate(ctx, c)
		}
		return nil, err
	}

	if result == nil {
		return nil, NewValidationError("module %q returned no result", m.Name())
	}
	return result, nil
}

// runPhase executes one lifecycle phase inside a trace span when tracing is
// configured.
func runPhase(ctx context.Context, c *Context, moduleName, phase string, fn func() error) error {
	if c.Tracer == nil {
		return fn()
	}
	_, span := c.Tracer.StartModulePhaseSpan(ctx, moduleName, phase)
	defer span.End()
	if err := fn(); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.RecordSuccess(span)
	return nil
}
