package task

import (
	"context"
	"fmt"
	"sort"

	"github.com/steward-sh/steward/pkg/module"
)

// Control is a priority-ordered decorator over a task's execution function.
// Apply wraps the previous function ("base") and is invoked only when the
// control's configuration key is present on the task.
type Control struct {
	// Priority orders application; controls are applied ascending, so the
	// highest priority wraps outermost at run time.
	Priority int

	// ConfigKey names the task configuration field enabling this control.
	ConfigKey string

	// Configured reports whether the task declares this control.
	Configured func(t *Task) bool

	// Apply wraps base with the control's behavior.
	Apply func(t *Task, base ExecFunc) ExecFunc
}

// Standard control priorities. The resulting run-time call order is
// register -> loop -> when -> module execution, so the precondition is
// re-evaluated on every iteration and capture sees the aggregated result.
const (
	PriorityWhen     = 10
	PriorityLoop     = 100
	PriorityRegister = 1000
)

// DefaultControls returns the three standard controls.
func DefaultControls() []Control {
	return []Control{
		{
			Priority:   PriorityWhen,
			ConfigKey:  "when",
			Configured: func(t *Task) bool { return t.When != "" },
			Apply:      applyWhen,
		},
		{
			Priority:   PriorityLoop,
			ConfigKey:  "loop",
			Configured: func(t *Task) bool { return t.Loop != nil },
			Apply:      applyLoop,
		},
		{
			Priority:   PriorityRegister,
			ConfigKey:  "register",
			Configured: func(t *Task) bool { return t.Register != "" },
			Apply:      applyRegister,
		},
	}
}

// Compose folds the configured controls over base in ascending priority
// order and returns the composed execution function.
func Compose(t *Task, base ExecFunc, controls []Control) ExecFunc {
	ordered := make([]Control, len(controls))
	copy(ordered, controls)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	fn := base
	for _, ctl := range ordered {
		if ctl.Configured(t) {
			fn = ctl.Apply(t, fn)
		}
	}
	return fn
}

// applyWhen short-circuits the execution when the precondition expression is
// false, returning a skipped result without invoking base.
func applyWhen(t *Task, base ExecFunc) ExecFunc {
	return func(ctx context.Context, c *module.Context) (*module.Result, error) {
		ok, err := c.Cond.Condition(ctx, t.When, c.Vars)
		if err != nil {
			return nil, fmt.Errorf("when condition %q: %w", t.When, err)
		}
		if !ok {
			return &module.Result{Changed: false, Skipped: true}, nil
		}
		return base(ctx, c)
	}
}

// applyRegister captures the base result into the configured variable after
// the base function resolves, then returns the same result unchanged.
func applyRegister(t *Task, base ExecFunc) ExecFunc {
	return func(ctx context.Context, c *module.Context) (*module.Result, error) {
		result, err := base(ctx, c)
		if err != nil {
			return nil, err
		}
		c.Vars[t.Register] = result.AsMap()
		return result, nil
	}
}

// loopEntry is one normalized (key, value) iteration entry.
type loopEntry struct {
	key   interface{}
	value interface{}
}

// applyLoop iterates the base function over the normalized collection,
// aggregating results. Iteration is strictly sequential: entry N+1 never
// starts before entry N's result is available.
func applyLoop(t *Task, base ExecFunc) ExecFunc {
	spec := t.Loop
	return func(ctx context.Context, c *module.Context) (*module.Result, error) {
		entries, err := resolveEntries(ctx, c, spec)
		if err != nil {
			return nil, err
		}

		agg := &module.Result{}
		for i, entry := range entries {
			c.Vars[spec.indexVar()] = entry.key
			c.Vars[spec.loopVar()] = entry.value
			if spec.Extended {
				// Keyed off the loop variable name so it cannot collide
				// with an unrelated user variable.
				c.Vars[spec.loopVar()+"_extended"] = extendedRecord(entries, i, spec.allItems())
			}

			r, err := base(ctx, c)
			if err != nil {
				return nil, err
			}

			agg.Changed = agg.Changed || r.Changed
			agg.Failed = agg.Failed || r.Failed
			if i == 0 {
				agg.Skipped = r.Skipped
			} else {
				agg.Skipped = agg.Skipped && r.Skipped
			}
			r.Item = entry.value
			agg.Results = append(agg.Results, r)

			stop, err := breakRequested(ctx, c, spec.BreakWhen)
			if err != nil {
				return nil, err
			}
			if stop {
				break
			}
		}
		return agg, nil
	}
}

// resolveEntries evaluates a string collection expression once, then
// normalizes the collection into ordered (key, value) entries. Lists
// enumerate positionally, maps by sorted key, plain values as a single
// positional entry.
func resolveEntries(ctx context.Context, c *module.Context, spec *LoopSpec) ([]loopEntry, error) {
	collection := spec.For
	if expr, ok := collection.(string); ok {
		val, err := c.Cond.Eval(ctx, expr, c.Vars)
		if err != nil {
			return nil, fmt.Errorf("loop expression %q: %w", expr, err)
		}
		collection = val
	}

	switch coll := collection.(type) {
	case []interface{}:
		entries := make([]loopEntry, len(coll))
		for i, v := range coll {
			entries[i] = loopEntry{key: i, value: v}
		}
		return entries, nil
	case []string:
		entries := make([]loopEntry, len(coll))
		for i, v := range coll {
			entries[i] = loopEntry{key: i, value: v}
		}
		return entries, nil
	case map[string]interface{}:
		keys := make([]string, 0, len(coll))
		for k := range coll {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		entries := make([]loopEntry, len(keys))
		for i, k := range keys {
			entries[i] = loopEntry{key: k, value: coll[k]}
		}
		return entries, nil
	case nil:
		return nil, nil
	default:
		return []loopEntry{{key: 0, value: collection}}, nil
	}
}

// extendedRecord builds the extended loop metadata for entry i.
func extendedRecord(entries []loopEntry, i int, withAllItems bool) map[string]interface{} {
	n := len(entries)
	record := map[string]interface{}{
		"index":     i + 1,
		"index0":    i,
		"revindex":  n - i,
		"revindex0": n - i - 1,
		"first":     i == 0,
		"last":      i == n-1,
		"length":    n,
	}
	if i > 0 {
		record["previtem"] = entries[i-1].value
	}
	if i < n-1 {
		record["nextitem"] = entries[i+1].value
	}
	if withAllItems {
		items := make([]interface{}, n)
		for j, e := range entries {
			items[j] = e.value
		}
		record["allitems"] = items
	}
	return record
}

// breakRequested evaluates the break_when expressions against the current
// variables; any true expression stops the loop.
func breakRequested(ctx context.Context, c *module.Context, exprs []string) (bool, error) {
	for _, expr := range exprs {
		ok, err := c.Cond.Condition(ctx, expr, c.Vars)
		if err != nil {
			return false, fmt.Errorf("break_when condition %q: %w", expr, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
