// Package provider defines the execution provider contract: the abstraction
// the task engine uses to run commands against one target host. Providers are
// supplied externally (SSH session, local shell); the engine depends only on
// the contract defined here.
package provider

import (
	"context"
	"io/fs"
)

// Response is the structured result of one provider command execution.
type Response struct {
	// Code is the command's exit code.
	Code int `json:"code"`

	// Stdout is the captured standard output, trailing whitespace trimmed.
	Stdout string `json:"stdout"`

	// Stderr is the captured standard error, trailing whitespace trimmed.
	Stderr string `json:"stderr"`
}

// Provider executes commands against exactly one target.
//
// Exec returns an *ExecError when the command exits non-zero. ExecSafe never
// converts a non-zero exit into an error; it returns the raw response so the
// caller can inspect the exit code. Both return an error for transport-level
// failures (broken session, cancelled context).
type Provider interface {
	// Name identifies the provider kind (e.g. "local", "ssh").
	Name() string

	// Target identifies the host this provider is bound to.
	Target() string

	// Exec runs a command, failing with *ExecError on non-zero exit.
	Exec(ctx context.Context, command string) (*Response, error)

	// ExecSafe runs a command and always returns the raw response.
	ExecSafe(ctx context.Context, command string) (*Response, error)

	// Warn routes a structured warning diagnostic to the provider's logger.
	Warn(ctx context.Context, msg string)

	// Fail records a fatal diagnostic and returns the error terminating the
	// current task.
	Fail(ctx context.Context, msg string) error

	// Close releases the provider's underlying session.
	Close() error
}

// FileWriter is an optional capability for providers that can place file
// content on the target directly instead of going through shell redirection.
type FileWriter interface {
	WriteFile(ctx context.Context, path, content string, mode fs.FileMode) error
}
