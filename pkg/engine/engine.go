// Package engine orchestrates runs: it executes a playbook's tasks in
// declaration order, fanning each task across its targets through a bounded
// worker pool, and aggregates the run outcome.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/steward-sh/steward/pkg/module"
	"github.com/steward-sh/steward/pkg/playbook"
	"github.com/steward-sh/steward/pkg/policy"
	"github.com/steward-sh/steward/pkg/provider"
	"github.com/steward-sh/steward/pkg/render"
	"github.com/steward-sh/steward/pkg/stores"
	"github.com/steward-sh/steward/pkg/task"
	"github.com/steward-sh/steward/pkg/telemetry"
)

const defaultMaxParallel = 5

// Engine executes playbooks against a set of target providers.
type Engine struct {
	runner   *task.Runner
	renderer *render.Renderer
	cond     *render.Evaluator
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	store    stores.Store
	gate     *policy.Gate
}

// Option customizes an engine.
type Option func(*Engine)

// WithMetrics records run and task metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer records run, task, and module-phase spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithStore persists run history.
func WithStore(s stores.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithPolicyGate gates every task through policy admission before execution.
func WithPolicyGate(g *policy.Gate) Option {
	return func(e *Engine) { e.gate = g }
}

// New creates an engine.
func New(runner *task.Runner, renderer *render.Renderer, cond *render.Evaluator, logger *telemetry.Logger, opts ...Option) *Engine {
	e := &Engine{
		runner:   runner,
		renderer: renderer,
		cond:     cond,
		logger:   logger.NewComponentLogger("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the playbook's tasks in order against the given providers.
// Each task fans out across its targets through a bounded worker pool; the
// next task starts only after the fan-out completes. The first unrecovered
// error aborts the run.
func (e *Engine) Run(ctx context.Context, pb *playbook.Playbook, providers map[string]provider.Provider, opts Options) (*Report, error) {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallel
	}

	logger := e.logger.WithRunID(runID)
	logger.Infof("starting run of %s (%d tasks, %d targets)", pb.Path, len(pb.Tasks), len(providers))

	if e.tracer != nil {
		tctx, runSpan := e.tracer.StartRunSpan(ctx, runID)
		ctx = tctx
		defer runSpan.End()
	}

	report := &Report{
		RunID:     runID,
		StartedAt: time.Now(),
		Targets:   make(map[string]*TargetSummary),
	}

	if e.metrics != nil {
		e.metrics.RecordRunStarted()
	}
	if err := e.createRunRecord(ctx, runID, pb.Path, opts.CheckMode); err != nil {
		return nil, err
	}

	// Each target carries its own variable scope across the whole run, so
	// captured results from earlier tasks stay visible to later ones.
	scopes := make(map[string]map[string]interface{})
	scope := func(target string) map[string]interface{} {
		s, ok := scopes[target]
		if !ok {
			s = maps.Clone(pb.Vars)
			if s == nil {
				s = make(map[string]interface{})
			}
			s["target"] = target
			s["run_id"] = runID
			s["check_mode"] = opts.CheckMode
			scopes[target] = s
		}
		return s
	}

	var runErr error

taskLoop:
	for _, t := range pb.Tasks {
		targets, err := resolveTargets(t, providers, opts.Targets)
		if err != nil {
			runErr = err
			break
		}
		if len(targets) == 0 {
			logger.WithTask(t.Name).Debug("no targets, skipping task")
			continue
		}

		var (
			wg  sync.WaitGroup
			mu  sync.Mutex
			sem = make(chan struct{}, maxParallel)
		)

		for _, target := range targets {
			s := scope(target)
			p := providers[target]

			wg.Add(1)
			sem <- struct{}{}
			go func(target string, p provider.Provider, vars map[string]interface{}) {
				defer wg.Done()
				defer func() { <-sem }()

				result, err := e.executeOne(ctx, runID, t, target, p, vars, opts.CheckMode)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					report.summarize(target, false, false, true)
					report.Failed = true
					if runErr == nil {
						runErr = &TaskError{Task: t.Name, Target: target, Err: err}
					}
					return
				}
				report.summarize(target, result.Changed, result.Skipped, result.Failed)
				if result.Failed {
					report.Failed = true
				}
			}(target, p, s)
		}
		wg.Wait()

		if runErr != nil {
			break taskLoop
		}
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break taskLoop
		default:
		}
	}

	report.CompletedAt = time.Now()
	if runErr != nil || report.Failed {
		report.Failed = true
	}

	e.finalizeRun(ctx, runID, report, runErr)
	logger.Infof("run completed (failed=%t, %s)", report.Failed, report.CompletedAt.Sub(report.StartedAt))

	return report, runErr
}

// executeOne runs one task against one target: policy admission, then the
// composed control chain around the module lifecycle.
func (e *Engine) executeOne(ctx context.Context, runID string, t *task.Task, target string, p provider.Provider, vars map[string]interface{}, checkMode bool) (*module.Result, error) {
	start := time.Now()
	logger := e.logger.WithRunID(runID).WithTask(t.Name).WithTarget(target)

	if e.tracer != nil {
		tctx, span := e.tracer.StartTaskSpan(ctx, t.Name, t.Module, target)
		ctx = tctx
		defer span.End()
	}

	if e.gate != nil {
		decision, err := e.gate.Evaluate(ctx, &policy.Input{
			TaskName:  t.Name,
			Module:    t.Module,
			Params:    t.Params,
			Target:    target,
			CheckMode: checkMode,
		})
		if err != nil {
			return nil, fmt.Errorf("policy evaluation: %w", err)
		}
		for _, v := range decision.Violations {
			if v.Severity == policy.SeverityWarning {
				logger.Warnf("policy %s: %s", v.Policy, v.Message)
			}
		}
		if !decision.Allowed {
			var msgs []string
			for _, v := range decision.Violations {
				if v.Severity == policy.SeverityError {
					msgs = append(msgs, v.Message)
				}
			}
			e.recordTask(ctx, runID, t, target, nil, stores.TaskStatusFailed, start)
			return nil, &PolicyDeniedError{Task: t.Name, Violations: msgs}
		}
	}

	c := &module.Context{
		Vars:      vars,
		Logger:    logger,
		Provider:  p,
		Renderer:  e.renderer,
		Cond:      e.cond,
		Tracer:    e.tracer,
		CheckMode: checkMode,
	}

	result, err := e.runner.Execute(ctx, t, c)

	status := taskStatus(result, err)
	if e.metrics != nil {
		e.metrics.RecordTaskExecuted(t.Module, status, time.Since(start))
	}
	e.recordTask(ctx, runID, t, target, result, stores.TaskStatus(status), start)

	if err != nil {
		logger.WithError(err).Error("task failed")
		return nil, err
	}

	logger.Debugf("task completed (changed=%t, skipped=%t, %s)", result.Changed, result.Skipped, time.Since(start))
	return result, nil
}

// resolveTargets selects the providers a task runs against: the task's
// declared targets, or every provider, optionally restricted to the run's
// target filter. A declared target without a provider is an error.
func resolveTargets(t *task.Task, providers map[string]provider.Provider, filter []string) ([]string, error) {
	allowed := map[string]bool{}
	for _, name := range filter {
		allowed[name] = true
	}

	var targets []string
	if len(t.Targets) > 0 {
		for _, name := range t.Targets {
			if _, ok := providers[name]; !ok {
				return nil, &TaskError{
					Task:   t.Name,
					Target: name,
					Err:    module.NewValidationError("no provider for target %q", name),
				}
			}
			if len(allowed) == 0 || allowed[name] {
				targets = append(targets, name)
			}
		}
	} else {
		for name := range providers {
			if len(allowed) == 0 || allowed[name] {
				targets = append(targets, name)
			}
		}
	}

	sort.Strings(targets)
	return targets, nil
}

// taskStatus classifies a task outcome for metrics and history.
func taskStatus(result *module.Result, err error) string {
	switch {
	case err != nil || (result != nil && result.Failed):
		return string(stores.TaskStatusFailed)
	case result != nil && result.Skipped:
		return string(stores.TaskStatusSkipped)
	case result != nil && result.Changed:
		return string(stores.TaskStatusChanged)
	default:
		return string(stores.TaskStatusOK)
	}
}

func (e *Engine) createRunRecord(ctx context.Context, runID, path string, checkMode bool) error {
	if e.store == nil {
		return nil
	}
	now := time.Now()
	err := e.store.CreateRun(ctx, &stores.Run{
		ID:           runID,
		PlaybookPath: path,
		Status:       stores.RunStatusRunning,
		StartedAt:    now,
		CheckMode:    checkMode,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

func (e *Engine) finalizeRun(ctx context.Context, runID string, report *Report, runErr error) {
	status := stores.RunStatusCompleted
	var errMsg *string
	if runErr != nil {
		status = stores.RunStatusFailed
		msg := runErr.Error()
		errMsg = &msg
	} else if report.Failed {
		status = stores.RunStatusFailed
	}

	if e.metrics != nil {
		e.metrics.RecordRunCompleted(string(status), report.CompletedAt.Sub(report.StartedAt))
	}
	if e.store == nil {
		return
	}
	if err := e.store.UpdateRunStatus(ctx, runID, status, errMsg); err != nil {
		e.logger.WithError(err).Warn("failed to finalize run record")
	}
}

// recordTask persists one task-target outcome. History failures are logged,
// never fatal.
func (e *Engine) recordTask(ctx context.Context, runID string, t *task.Task, target string, result *module.Result, status stores.TaskStatus, start time.Time) {
	if e.store == nil {
		return
	}

	resultJSON := "{}"
	var msg *string
	if result != nil {
		if data, err := json.Marshal(result.AsMap()); err == nil {
			resultJSON = string(data)
		}
		if result.Msg != "" {
			m := result.Msg
			msg = &m
		}
	}

	now := time.Now()
	rec := &stores.TaskRecord{
		ID:          uuid.New().String(),
		RunID:       runID,
		TaskName:    t.Name,
		Module:      t.Module,
		Target:      target,
		Status:      status,
		Message:     msg,
		Result:      resultJSON,
		StartedAt:   start,
		CompletedAt: &now,
		CreatedAt:   now,
	}
	if err := e.store.CreateTaskRecord(ctx, rec); err != nil {
		e.logger.WithError(err).Warn("failed to record task outcome")
	}
}
