package task

import (
	"context"
	"testing"
	"time"

	"github.com/steward-sh/steward/pkg/module"
	"github.com/steward-sh/steward/pkg/render"
)

func newTestContext(vars map[string]interface{}) *module.Context {
	if vars == nil {
		vars = map[string]interface{}{}
	}
	return &module.Context{
		Vars: vars,
		Cond: render.NewEvaluator(5 * time.Second),
	}
}

func countingBase(counter *int, result *module.Result) ExecFunc {
	return func(context.Context, *module.Context) (*module.Result, error) {
		*counter++
		if result != nil {
			r := *result
			return &r, nil
		}
		return &module.Result{Changed: true}, nil
	}
}

func TestWhenShortCircuits(t *testing.T) {
	executions := 0
	task := &Task{Name: "guarded", When: "enabled"}

	fn := Compose(task, countingBase(&executions, nil), DefaultControls())

	c := newTestContext(map[string]interface{}{"enabled": false})
	result, err := fn(context.Background(), c)
	if err != nil {
		t.Fatalf("exec error = %v", err)
	}
	if executions != 0 {
		t.Errorf("expected base to never run, got %d executions", executions)
	}
	if !result.Skipped || result.Changed {
		t.Errorf("expected skipped unchanged result, got %+v", result)
	}

	c = newTestContext(map[string]interface{}{"enabled": true})
	if _, err := fn(context.Background(), c); err != nil {
		t.Fatalf("exec error = %v", err)
	}
	if executions != 1 {
		t.Errorf("expected 1 execution, got %d", executions)
	}
}

func TestWhenErrorPropagates(t *testing.T) {
	executions := 0
	task := &Task{Name: "guarded", When: "no_such_var == 1"}

	fn := Compose(task, countingBase(&executions, nil), DefaultControls())
	if _, err := fn(context.Background(), newTestContext(nil)); err == nil {
		t.Fatal("expected condition error")
	}
	if executions != 0 {
		t.Errorf("expected base to never run, got %d executions", executions)
	}
}

func TestRegisterCapturesResult(t *testing.T) {
	task := &Task{Name: "captured", Register: "outcome"}

	base := func(context.Context, *module.Context) (*module.Result, error) {
		return &module.Result{Changed: true, Msg: "done"}, nil
	}
	fn := Compose(task, base, DefaultControls())

	c := newTestContext(nil)
	if _, err := fn(context.Background(), c); err != nil {
		t.Fatalf("exec error = %v", err)
	}

	captured, ok := c.Vars["outcome"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected captured map, got %T", c.Vars["outcome"])
	}
	if captured["changed"] != true {
		t.Errorf("captured changed = %v, want true", captured["changed"])
	}
	if captured["msg"] != "done" {
		t.Errorf("captured msg = %v, want %q", captured["msg"], "done")
	}
}

func TestLoopIteratesListWithVariables(t *testing.T) {
	task := &Task{
		Name: "looped",
		Loop: &LoopSpec{For: []interface{}{"a", "b", "c"}},
	}

	var seen []string
	base := func(_ context.Context, c *module.Context) (*module.Result, error) {
		seen = append(seen, c.Vars["item"].(string))
		return &module.Result{Changed: c.Vars["item"] == "b"}, nil
	}

	fn := Compose(task, base, DefaultControls())
	result, err := fn(context.Background(), newTestContext(nil))
	if err != nil {
		t.Fatalf("exec error = %v", err)
	}

	if len(seen) != 3 || seen[0] != "a" || seen[2] != "c" {
		t.Errorf("unexpected iteration order: %v", seen)
	}
	if !result.Changed {
		t.Error("expected aggregate changed when any iteration changed")
	}
	if len(result.Results) != 3 {
		t.Fatalf("expected 3 per-entry results, got %d", len(result.Results))
	}
	if result.Results[1].Item != "b" {
		t.Errorf("expected per-entry item, got %v", result.Results[1].Item)
	}
}

func TestLoopBreakWhenStopsEarly(t *testing.T) {
	task := &Task{
		Name: "looped",
		Loop: &LoopSpec{
			For:       []interface{}{"a", "b", "c"},
			BreakWhen: []string{"item == 'b'"},
		},
	}

	executions := 0
	fn := Compose(task, countingBase(&executions, nil), DefaultControls())

	result, err := fn(context.Background(), newTestContext(nil))
	if err != nil {
		t.Fatalf("exec error = %v", err)
	}
	if executions != 2 {
		t.Errorf("expected exactly 2 iterations, got %d", executions)
	}
	if len(result.Results) != 2 {
		t.Errorf("expected 2 per-entry results, got %d", len(result.Results))
	}
}

func TestLoopSkippedAggregation(t *testing.T) {
	// The aggregate is seeded from the first entry and stays skipped only
	// while every entry is skipped.
	tests := []struct {
		name  string
		skips []bool
		want  bool
	}{
		{name: "all skipped", skips: []bool{true, true}, want: true},
		{name: "first skipped only", skips: []bool{true, false}, want: false},
		{name: "none skipped", skips: []bool{false, false}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i := 0
			base := func(context.Context, *module.Context) (*module.Result, error) {
				r := &module.Result{Skipped: tt.skips[i]}
				i++
				return r, nil
			}
			loopTask := &Task{Name: "looped", Loop: &LoopSpec{For: []interface{}{"x", "y"}}}
			fn := Compose(loopTask, base, DefaultControls())

			result, err := fn(context.Background(), newTestContext(nil))
			if err != nil {
				t.Fatalf("exec error = %v", err)
			}
			if result.Skipped != tt.want {
				t.Errorf("aggregate skipped = %v, want %v", result.Skipped, tt.want)
			}
		})
	}
}

func TestLoopMapIteratesSortedKeys(t *testing.T) {
	task := &Task{
		Name: "looped",
		Loop: &LoopSpec{For: map[string]interface{}{
			"charlie": 3,
			"alpha":   1,
			"bravo":   2,
		}},
	}

	var keys []string
	base := func(_ context.Context, c *module.Context) (*module.Result, error) {
		keys = append(keys, c.Vars["index"].(string))
		return &module.Result{}, nil
	}

	fn := Compose(task, base, DefaultControls())
	if _, err := fn(context.Background(), newTestContext(nil)); err != nil {
		t.Fatalf("exec error = %v", err)
	}
	want := []string{"alpha", "bravo", "charlie"}
	for i, k := range want {
		if keys[i] != k {
			t.Fatalf("iteration order = %v, want %v", keys, want)
		}
	}
}

func TestLoopExpressionCollection(t *testing.T) {
	task := &Task{
		Name: "looped",
		Loop: &LoopSpec{For: "[x for x in items if x != 'skip']"},
	}

	var seen []string
	base := func(_ context.Context, c *module.Context) (*module.Result, error) {
		seen = append(seen, c.Vars["item"].(string))
		return &module.Result{}, nil
	}

	fn := Compose(task, base, DefaultControls())
	c := newTestContext(map[string]interface{}{
		"items": []interface{}{"a", "skip", "b"},
	})
	if _, err := fn(context.Background(), c); err != nil {
		t.Fatalf("exec error = %v", err)
	}
	if len(seen) != 2 || seen[0] != "a" || seen[1] != "b" {
		t.Errorf("unexpected iteration: %v", seen)
	}
}

func TestLoopExtendedRecord(t *testing.T) {
	task := &Task{
		Name: "looped",
		Loop: &LoopSpec{
			For:      []interface{}{"a", "b", "c"},
			Extended: true,
		},
	}

	var records []map[string]interface{}
	base := func(_ context.Context, c *module.Context) (*module.Result, error) {
		records = append(records, c.Vars["item_extended"].(map[string]interface{}))
		return &module.Result{}, nil
	}

	fn := Compose(task, base, DefaultControls())
	if _, err := fn(context.Background(), newTestContext(nil)); err != nil {
		t.Fatalf("exec error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}

	first := records[0]
	if first["index"] != 1 || first["index0"] != 0 || first["first"] != true || first["last"] != false {
		t.Errorf("unexpected first record: %v", first)
	}
	if first["revindex"] != 3 || first["length"] != 3 {
		t.Errorf("unexpected first record counts: %v", first)
	}
	if _, ok := first["previtem"]; ok {
		t.Error("first record must not carry previtem")
	}
	if first["nextitem"] != "b" {
		t.Errorf("first nextitem = %v, want b", first["nextitem"])
	}

	last := records[2]
	if last["last"] != true || last["revindex0"] != 0 {
		t.Errorf("unexpected last record: %v", last)
	}
	if _, ok := last["nextitem"]; ok {
		t.Error("last record must not carry nextitem")
	}
	items := first["allitems"].([]interface{})
	if len(items) != 3 {
		t.Errorf("allitems length = %d, want 3", len(items))
	}
}

func TestWhenReevaluatedPerIteration(t *testing.T) {
	// Loop wraps when, so the precondition sees each entry's variables.
	task := &Task{
		Name: "looped",
		When: "item != 'b'",
		Loop: &LoopSpec{For: []interface{}{"a", "b", "c"}},
	}

	executions := 0
	fn := Compose(task, countingBase(&executions, nil), DefaultControls())

	result, err := fn(context.Background(), newTestContext(nil))
	if err != nil {
		t.Fatalf("exec error = %v", err)
	}
	if executions != 2 {
		t.Errorf("expected base to run for 2 of 3 entries, got %d", executions)
	}
	// Three per-entry results: the skipped entry still contributes one.
	if len(result.Results) != 3 {
		t.Errorf("expected 3 per-entry results, got %d", len(result.Results))
	}
	if !result.Results[1].Skipped {
		t.Error("expected middle entry skipped")
	}
}

func TestRegisterSeesLoopAggregate(t *testing.T) {
	task := &Task{
		Name:     "looped",
		Register: "outcome",
		Loop:     &LoopSpec{For: []interface{}{"a", "b"}},
	}

	executions := 0
	fn := Compose(task, countingBase(&executions, nil), DefaultControls())

	c := newTestContext(nil)
	if _, err := fn(context.Background(), c); err != nil {
		t.Fatalf("exec error = %v", err)
	}

	captured := c.Vars["outcome"].(map[string]interface{})
	results, ok := captured["results"].([]interface{})
	if !ok || len(results) != 2 {
		t.Fatalf("expected aggregated capture with 2 results, got %v", captured)
	}
}

func TestLoopScalarSingleEntry(t *testing.T) {
	task := &Task{Name: "looped", Loop: &LoopSpec{For: 42}}

	var items []interface{}
	base := func(_ context.Context, c *module.Context) (*module.Result, error) {
		items = append(items, c.Vars["item"])
		return &module.Result{}, nil
	}

	fn := Compose(task, base, DefaultControls())
	if _, err := fn(context.Background(), newTestContext(nil)); err != nil {
		t.Fatalf("exec error = %v", err)
	}
	if len(items) != 1 || items[0] != 42 {
		t.Errorf("expected single scalar entry, got %v", items)
	}
}

func TestLoopCustomVariableNames(t *testing.T) {
	task := &Task{
		Name: "looped",
		Loop: &LoopSpec{
			For:      []interface{}{"only"},
			IndexVar: "i",
			LoopVar:  "entry",
			Extended: true,
		},
	}

	base := func(_ context.Context, c *module.Context) (*module.Result, error) {
		if c.Vars["entry"] != "only" || c.Vars["i"] != 0 {
			t.Errorf("custom loop variables not set: %v", c.Vars)
		}
		if _, ok := c.Vars["entry_extended"].(map[string]interface{}); !ok {
			t.Errorf("extended record not keyed off the loop variable: %v", c.Vars)
		}
		return &module.Result{}, nil
	}

	fn := Compose(task, base, DefaultControls())
	c := newTestContext(map[string]interface{}{"loop": "user-owned"})
	if _, err := fn(context.Background(), c); err != nil {
		t.Fatalf("exec error = %v", err)
	}
	if c.Vars["loop"] != "user-owned" {
		t.Errorf("user variable clobbered: %v", c.Vars["loop"])
	}
}
