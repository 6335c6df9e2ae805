package engine

import "time"

// Options configures one run.
type Options struct {
	// RunID identifies the run; generated when empty.
	RunID string

	// CheckMode requests a dry run across every task.
	CheckMode bool

	// MaxParallel bounds concurrent task-target executions within one task's
	// fan-out. Defaults to 5.
	MaxParallel int

	// Targets restricts execution to the named targets; empty means every
	// provider the engine was given.
	Targets []string
}

// TargetSummary aggregates task outcomes for one target.
type TargetSummary struct {
	Target  string `json:"target"`
	OK      int    `json:"ok"`
	Changed int    `json:"changed"`
	Skipped int    `json:"skipped"`
	Failed  int    `json:"failed"`
}

// Report is the aggregated outcome of one run.
type Report struct {
	// RunID identifies the run.
	RunID string `json:"run_id"`

	// StartedAt and CompletedAt bound the run.
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`

	// Targets maps target names to their summaries.
	Targets map[string]*TargetSummary `json:"targets"`

	// Failed reports whether any task-target execution failed.
	Failed bool `json:"failed"`
}

// summarize records one task outcome on the target's summary.
func (r *Report) summarize(target string, changed, skipped, failed bool) {
	s, ok := r.Targets[target]
	if !ok {
		s = &TargetSummary{Target: target}
		r.Targets[target] = s
	}
	switch {
	case failed:
		s.Failed++
	case skipped:
		s.Skipped++
	case changed:
		s.Changed++
	default:
		s.OK++
	}
}
