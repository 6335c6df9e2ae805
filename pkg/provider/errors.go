package provider

import (
	"errors"
	"fmt"
)

// ExecError reports a command that ran but exited non-zero. It carries the
// raw provider response for callers that need the captured streams.
type ExecError struct {
	// Command is the command line that failed.
	Command string

	// Response is the raw response, including exit code and streams.
	Response *Response
}

// Error implements the error interface.
func (e *ExecError) Error() string {
	if e.Response.Stderr != "" {
		return fmt.Sprintf("command %q exited with code %d: %s", e.Command, e.Response.Code, e.Response.Stderr)
	}
	return fmt.Sprintf("command %q exited with code %d", e.Command, e.Response.Code)
}

// Failure is a fatal diagnostic reported through Provider.Fail. It terminates
// the current task with the given message.
type Failure struct {
	// Message is the reported failure text.
	Message string
}

// Error implements the error interface.
func (f *Failure) Error() string {
	return f.Message
}

// IsExecError reports whether err wraps an *ExecError.
func IsExecError(err error) bool {
	var e *ExecError
	return errors.As(err, &e)
}

// ResponseOf extracts the provider response from an exec error chain, or nil.
func ResponseOf(err error) *Response {
	var e *ExecError
	if errors.As(err, &e) {
		return e.Response
	}
	return nil
}
