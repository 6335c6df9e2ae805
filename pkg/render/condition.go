package render

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Evaluator evaluates boolean control expressions (`when`, `break_when`)
// against task variables. Expressions use Starlark syntax with every task
// variable predeclared by name.
type Evaluator struct {
	timeout time.Duration
}

// NewEvaluator creates a condition evaluator. A zero timeout defaults to 30s.
func NewEvaluator(timeout time.Duration) *Evaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Evaluator{timeout: timeout}
}

// Condition evaluates expr and reports its truth value.
func (e *Evaluator) Condition(ctx context.Context, expr string, vars map[string]interface{}) (bool, error) {
	val, err := e.eval(ctx, expr, vars)
	if err != nil {
		return false, err
	}
	return bool(val.Truth()), nil
}

// Eval evaluates expr and returns its value converted to a Go value. It is
// used for loop collections given as string expressions.
func (e *Evaluator) Eval(ctx context.Context, expr string, vars map[string]interface{}) (interface{}, error) {
	val, err := e.eval(ctx, expr, vars)
	if err != nil {
		return nil, err
	}
	return fromStarlarkValue(val)
}

// identRe matches names usable as Starlark identifiers.
var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func (e *Evaluator) eval(ctx context.Context, expr string, vars map[string]interface{}) (starlark.Value, error) {
	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resultCh := make(chan starlark.Value, 1)
	errCh := make(chan error, 1)

	go func() {
		val, err := evalSync(expr, vars)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- val
	}()

	select {
	case <-evalCtx.Done():
		return nil, fmt.Errorf("expression evaluation timed out after %v", e.timeout)
	case err := <-errCh:
		return nil, err
	case val := <-resultCh:
		return val, nil
	}
}

func evalSync(expr string, vars map[string]interface{}) (starlark.Value, error) {
	thread := &starlark.Thread{
		Name: "steward",
		Print: func(_ *starlark.Thread, _ string) {
			// print() output is suppressed.
		},
	}

	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
	}
	for key, val := range vars {
		if !identRe.MatchString(key) {
			continue
		}
		starlarkVal, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert variable %s: %w", key, err)
		}
		predeclared[key] = starlarkVal
	}

	val, err := starlark.Eval(thread, "condition.star", expr, predeclared)
	if err != nil {
		return nil, fmt.Errorf("expression evaluation failed: %w", err)
	}
	return val, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			starlarkVal, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		// Unconvertible values (module results and the like) degrade to their
		// string form so conditions can still reference them.
		return starlark.String(fmt.Sprint(val)), nil
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			converted, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = converted
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
