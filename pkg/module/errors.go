package module

import (
	"errors"
	"fmt"
)

// ValidationError reports bad task or module parameters. It is raised during
// Check and aborts the task before any mutation.
type ValidationError struct {
	// Message is the human-readable validation failure.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation failed: %s: %s", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError creates a validation error.
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// PreconditionError reports a missing target capability, such as an absent
// executable. It is raised during Check, before any mutation.
type PreconditionError struct {
	// Message is the human-readable precondition failure.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *PreconditionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("precondition failed: %s: %s", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *PreconditionError) Unwrap() error { return e.Err }

// NewPreconditionError creates a precondition error.
func NewPreconditionError(format string, args ...interface{}) *PreconditionError {
	return &PreconditionError{Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err wraps a *ValidationError.
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// IsPrecondition reports whether err wraps a *PreconditionError.
func IsPrecondition(err error) bool {
	var e *PreconditionError
	return errors.As(err, &e)
}
