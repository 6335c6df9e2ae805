package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"

	"github.com/steward-sh/steward/pkg/telemetry"
)

// Gate admits or rejects tasks before execution by evaluating Rego policies
// against the task input.
type Gate struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   *telemetry.Logger
}

// compiledPolicy pairs a policy with its prepared deny query.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewGate creates a policy gate preloaded with the built-in policies.
func NewGate(logger *telemetry.Logger) (*Gate, error) {
	g := &Gate{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.NewComponentLogger("policy"),
	}

	for _, p := range BuiltinPolicies() {
		if err := g.compile(context.Background(), p); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
	}
	return g, nil
}

// Evaluate runs every enabled policy against the task input. The task is
// admitted unless a violation with error severity is produced.
func (g *Gate) Evaluate(ctx context.Context, input *Input) (*Decision, error) {
	start := time.Now()

	g.mu.RLock()
	defer g.mu.RUnlock()

	var violations []Violation
	var warnings []string

	for _, name := range g.sortedNames() {
		cp := g.policies[name]
		if !cp.policy.Enabled {
			continue
		}

		found, err := g.evaluateOne(ctx, cp, input)
		if err != nil {
			g.logger.WithError(err).Warnf("policy %s evaluation failed", cp.policy.Name)
			warnings = append(warnings, fmt.Sprintf("policy %s evaluation failed: %v", cp.policy.Name, err))
			continue
		}
		violations = append(violations, found...)
	}

	allowed := true
	for i := range violations {
		if violations[i].Severity == SeverityError {
			allowed = false
			break
		}
	}

	g.logger.Debugf("evaluated %d policies for task %q (allowed=%t, violations=%d, %s)",
		len(g.policies), input.TaskName, allowed, len(violations), time.Since(start))

	return &Decision{
		Allowed:     allowed,
		Violations:  violations,
		Warnings:    warnings,
		EvaluatedAt: time.Now(),
	}, nil
}

// Load compiles and registers additional policies, replacing any existing
// policy with the same name.
func (g *Gate) Load(ctx context.Context, policies []Policy) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i := range policies {
		if err := g.compile(ctx, policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}
	g.logger.Infof("loaded %d policies", len(policies))
	return nil
}

// Policies returns every registered policy sorted by name.
func (g *Gate) Policies() []Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Policy, 0, len(g.policies))
	for _, name := range g.sortedNames() {
		out = append(out, *g.policies[name].policy)
	}
	return out
}

// SetEnabled toggles a policy by name.
func (g *Gate) SetEnabled(name string, enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cp, ok := g.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	return nil
}

func (g *Gate) sortedNames() []string {
	names := make([]string, 0, len(g.policies))
	for name := range g.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// compile prepares the policy's deny query for repeated evaluation. Caller
// holds the write lock.
func (g *Gate) compile(ctx context.Context, p Policy) error {
	query := fmt.Sprintf("data.%s.deny", packageName(p.Rego))

	prepared, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return err
	}

	policy := p
	g.policies[p.Name] = &compiledPolicy{
		policy:   &policy,
		query:    prepared,
		compiled: time.Now(),
	}
	g.logger.Debugf("compiled policy %s", p.Name)
	return nil
}

// evaluateOne runs one prepared deny query and converts its results into
// violations.
func (g *Gate) evaluateOne(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denies, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denies {
				violations = append(violations, toViolation(cp.policy, d))
			}
		}
	}
	return violations, nil
}

// toViolation converts one deny result into a Violation. String results use
// the policy's severity; map results may carry their own message and
// severity.
func toViolation(p *Policy, result interface{}) Violation {
	v := Violation{
		Policy:   p.Name,
		Severity: p.Severity,
	}

	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// packageName extracts the package name from Rego source.
func packageName(source string) string {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "steward.policies"
}
