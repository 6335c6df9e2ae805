package task

import (
	"context"

	"github.com/steward-sh/steward/pkg/module"
)

// Runner executes declared tasks by composing their controls around the
// module lifecycle.
type Runner struct {
	// Modules resolves module identifiers to factories.
	Modules *module.Registry

	// Controls is the control set applied to every task. Defaults to the
	// standard when/loop/register controls.
	Controls []Control
}

// NewRunner creates a task runner over the given module registry.
func NewRunner(modules *module.Registry) *Runner {
	return &Runner{
		Modules:  modules,
		Controls: DefaultControls(),
	}
}

// Execute runs one task against one task context. The base execution
// function renders the task's raw parameters against the current variables
// (so loop variables are visible), builds a fresh module instance, and
// drives its lifecycle; the configured controls wrap that base.
func (r *Runner) Execute(ctx context.Context, t *Task, c *module.Context) (*module.Result, error) {
	base := func(ctx context.Context, c *module.Context) (*module.Result, error) {
		params, err := r.renderParams(ctx, c, t.Params)
		if err != nil {
			return nil, err
		}
		m, err := r.Modules.Build(t.Module, params)
		if err != nil {
			return nil, err
		}
		return module.Run(ctx, m, c)
	}

	fn := Compose(t, base, r.Controls)
	return fn(ctx, c)
}

// renderParams resolves templated parameter values against the current
// variables. Strings are evaluated; lists and maps are walked recursively;
// other values pass through.
func (r *Runner) renderParams(ctx context.Context, c *module.Context, raw map[string]interface{}) (map[string]interface{}, error) {
	rendered := make(map[string]interface{}, len(raw))
	for key, val := range raw {
		out, err := r.renderValue(ctx, c, val)
		if err != nil {
			return nil, err
		}
		rendered[key] = out
	}
	return rendered, nil
}

func (r *Runner) renderValue(ctx context.Context, c *module.Context, val interface{}) (interface{}, error) {
	switch v := val.(type) {
	case string:
		return c.Renderer.Evaluate(ctx, v, c.Vars)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			rendered, err := r.renderValue(ctx, c, item)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	case map[string]interface{}:
		return r.renderParams(ctx, c, v)
	default:
		return val, nil
	}
}
