// Package task defines the declared unit of work (module reference,
// parameters, targets, control configuration) and the control chain that
// composes preconditions, iteration, and result capture around a module's
// execution function.
package task

import (
	"context"

	"github.com/steward-sh/steward/pkg/module"
)

// Task is one declared unit of work. Tasks are immutable once loaded; control
// composition happens on a derived execution function, never on the task.
type Task struct {
	// Name is the human-readable task name.
	Name string `yaml:"name" validate:"required"`

	// Module is the module identifier to invoke.
	Module string `yaml:"-" validate:"required"`

	// Params are the raw, pre-evaluation module parameters.
	Params map[string]interface{} `yaml:"-"`

	// Targets are the hosts this task applies to.
	Targets []string `yaml:"targets"`

	// When is the precondition expression; empty means unconditional.
	When string `yaml:"when"`

	// Loop is the iteration specification; nil means no iteration.
	Loop *LoopSpec `yaml:"loop"`

	// Register is the variable name capturing the task result; empty means
	// no capture.
	Register string `yaml:"register"`
}

// LoopSpec configures the iteration control.
type LoopSpec struct {
	// For is the collection to iterate: a literal list or map, a scalar, or
	// a string expression evaluated once before iterating.
	For interface{} `yaml:"for" validate:"required"`

	// IndexVar is the variable receiving the entry key. Default "index".
	IndexVar string `yaml:"index_var"`

	// LoopVar is the variable receiving the entry value. Default "item".
	LoopVar string `yaml:"loop_var"`

	// Extended exposes the extended loop metadata record under
	// "<loop_var>_extended".
	Extended bool `yaml:"extended"`

	// ExtendedAllitems includes the full item list in the extended record.
	// Defaults to true; only consulted when Extended is set.
	ExtendedAllitems *bool `yaml:"extended_allitems"`

	// BreakWhen holds expressions evaluated after each iteration; any true
	// expression stops the loop.
	BreakWhen []string `yaml:"break_when"`
}

// indexVar returns the configured or default index variable name.
func (l *LoopSpec) indexVar() string {
	if l.IndexVar != "" {
		return l.IndexVar
	}
	return "index"
}

// loopVar returns the configured or default loop variable name.
func (l *LoopSpec) loopVar() string {
	if l.LoopVar != "" {
		return l.LoopVar
	}
	return "item"
}

// allItems reports whether the extended record includes the full item list.
func (l *LoopSpec) allItems() bool {
	return l.ExtendedAllitems == nil || *l.ExtendedAllitems
}

// ExecFunc is a task's execution function: everything between "run this task
// against this context" and the module result.
type ExecFunc func(ctx context.Context, c *module.Context) (*module.Result, error)
