package policy

import "time"

// Severity classifies how a policy violation affects admission.
type Severity string

const (
	// SeverityWarning surfaces the violation without blocking the task.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the task.
	SeverityError Severity = "error"
)

// Policy is one named Rego policy evaluated against task inputs.
type Policy struct {
	// Name uniquely identifies the policy.
	Name string `json:"name"`

	// Description explains what the policy checks.
	Description string `json:"description"`

	// Rego is the policy source. The package must expose a deny rule
	// producing violation messages.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled toggles evaluation without unloading the policy.
	Enabled bool `json:"enabled"`
}

// Input is the document policies evaluate. It describes one task about to
// run against one target.
type Input struct {
	// TaskName is the declared task name.
	TaskName string `json:"task_name"`

	// Module is the module identifier the task invokes.
	Module string `json:"module"`

	// Params are the task's rendered module parameters.
	Params map[string]interface{} `json:"params"`

	// Target is the host the task is about to run against.
	Target string `json:"target"`

	// CheckMode indicates a dry run.
	CheckMode bool `json:"check_mode"`
}

// Violation is one policy finding against a task input.
type Violation struct {
	// Policy names the policy that produced the violation.
	Policy string `json:"policy"`

	// Severity is the effective severity of the finding.
	Severity Severity `json:"severity"`

	// Message describes the violation.
	Message string `json:"message"`
}

// Decision is the aggregated outcome of evaluating every enabled policy.
type Decision struct {
	// Allowed is false when any violation carries error severity.
	Allowed bool `json:"allowed"`

	// Violations lists every finding, blocking or not.
	Violations []Violation `json:"violations"`

	// Warnings lists policies that failed to evaluate.
	Warnings []string `json:"warnings"`

	// EvaluatedAt is when the decision was made.
	EvaluatedAt time.Time `json:"evaluated_at"`
}
