package engine

import (
	"errors"
	"fmt"
)

// TaskError attributes an execution failure to one task on one target.
type TaskError struct {
	// Task is the declared task name.
	Task string

	// Target is the host the task was running against.
	Target string

	// Err is the underlying failure.
	Err error
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	return fmt.Sprintf("task %q on %s: %v", e.Task, e.Target, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *TaskError) Unwrap() error { return e.Err }

// IsTaskError reports whether err wraps a TaskError.
func IsTaskError(err error) bool {
	var te *TaskError
	return errors.As(err, &te)
}

// PolicyDeniedError reports that the admission gate rejected a task before
// any module phase ran.
type PolicyDeniedError struct {
	// Task is the declared task name.
	Task string

	// Violations lists the blocking policy messages.
	Violations []string
}

// Error implements the error interface.
func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("task %q denied by policy: %v", e.Task, e.Violations)
}

// IsPolicyDenied reports whether err wraps a PolicyDeniedError.
func IsPolicyDenied(err error) bool {
	var pe *PolicyDeniedError
	return errors.As(err, &pe)
}
