package provider

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/steward-sh/steward/pkg/telemetry"
)

// Local executes commands on the controller host through /bin/sh.
type Local struct {
	target  string
	shell   string
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// LocalOption customizes a Local provider.
type LocalOption func(*Local)

// WithShell overrides the shell used to run commands.
func WithShell(shell string) LocalOption {
	return func(l *Local) { l.shell = shell }
}

// WithMetrics records provider call metrics.
func WithMetrics(m *telemetry.Metrics) LocalOption {
	return func(l *Local) { l.metrics = m }
}

// NewLocal creates a provider running commands on the local host.
func NewLocal(logger *telemetry.Logger, opts ...LocalOption) *Local {
	l := &Local{
		target: "localhost",
		shell:  "/bin/sh",
		logger: logger.NewComponentLogger("provider.local"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name identifies the provider kind.
func (l *Local) Name() string { return "local" }

// Target identifies the host this provider is bound to.
func (l *Local) Target() string { return l.target }

// Exec runs a command, failing with *ExecError on non-zero exit.
func (l *Local) Exec(ctx context.Context, command string) (*Response, error) {
	resp, err := l.run(ctx, command)
	if err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, &ExecError{Command: command, Response: resp}
	}
	return resp, nil
}

// ExecSafe runs a command and always returns the raw response.
func (l *Local) ExecSafe(ctx context.Context, command string) (*Response, error) {
	return l.run(ctx, command)
}

func (l *Local) run(ctx context.Context, command string) (*Response, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, l.shell, "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	resp := &Response{
		Stdout: strings.TrimRight(stdout.String(), "\n"),
		Stderr: strings.TrimRight(stderr.String(), "\n"),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			// Command never ran (shell missing, context cancelled).
			l.record("error", start)
			return nil, err
		}
		resp.Code = exitErr.ExitCode()
	}

	l.logger.Debugf("executed %q (exit=%d, %s)", command, resp.Code, time.Since(start))
	l.record("ok", start)
	return resp, nil
}

func (l *Local) record(status string, start time.Time) {
	if l.metrics != nil {
		l.metrics.RecordProviderCall(l.Name(), status, time.Since(start))
	}
}

// Warn routes a warning diagnostic to the provider's logger.
func (l *Local) Warn(_ context.Context, msg string) {
	l.logger.Warn(msg)
}

// Fail records a fatal diagnostic and returns the terminating error.
func (l *Local) Fail(_ context.Context, msg string) error {
	l.logger.Error(msg)
	return &Failure{Message: msg}
}

// WriteFile writes content to a local file path.
func (l *Local) WriteFile(_ context.Context, path, content string, mode fs.FileMode) error {
	if mode == 0 {
		mode = 0o644
	}
	return os.WriteFile(path, []byte(content), mode)
}

// Close releases the provider. The local provider holds no session.
func (l *Local) Close() error { return nil }
