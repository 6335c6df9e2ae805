package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/steward-sh/steward/pkg/provider"
	"github.com/steward-sh/steward/pkg/telemetry"
)

// Client is an execution provider bound to one remote host over SSH. It
// implements the provider contract and places files directly through SFTP.
type Client struct {
	config  *Config
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	mu     sync.Mutex
	client *ssh.Client
	sftp   *sftp.Client
}

// Option customizes an SSH client.
type Option func(*Client)

// WithMetrics records provider call metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates an unconnected SSH provider for the given target.
func NewClient(config *Config, logger *telemetry.Logger, opts ...Option) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	c := &Client{
		config: config,
		logger: logger.NewComponentLogger("provider.ssh"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect establishes the SSH connection. It is safe to call more than once;
// an existing connection is reused.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	clientConfig, err := c.config.buildClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err}
	}

	c.logger.Debugf("connecting to %s as %s", c.config.Address(), c.config.User)

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	done := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", c.config.Address(), clientConfig)
		done <- dialResult{client: client, err: err}
	}()

	select {
	case <-ctx.Done():
		// The dial goroutine closes the client if it lands after cancel.
		go func() {
			if r := <-done; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case r := <-done:
		if r.err != nil {
			return &TransportError{
				Op:          "connect",
				Err:         r.err,
				IsTemporary: !isAuthFailure(r.err),
				IsAuthError: isAuthFailure(r.err),
			}
		}
		c.client = r.client
	}

	c.logger.Infof("connected to %s", c.config.Address())
	return nil
}

// isAuthFailure recognizes the handshake error the ssh package returns when
// every offered auth method is rejected.
func isAuthFailure(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unable to authenticate")
}

// Name identifies the provider kind.
func (c *Client) Name() string { return "ssh" }

// Target identifies the host this provider is bound to.
func (c *Client) Target() string { return c.config.Host }

// Exec runs a command, failing with *provider.ExecError on non-zero exit.
func (c *Client) Exec(ctx context.Context, command string) (*provider.Response, error) {
	resp, err := c.run(ctx, command)
	if err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, &provider.ExecError{Command: command, Response: resp}
	}
	return resp, nil
}

// ExecSafe runs a command and always returns the raw response.
func (c *Client) ExecSafe(ctx context.Context, command string) (*provider.Response, error) {
	return c.run(ctx, command)
}

func (c *Client) run(ctx context.Context, command string) (*provider.Response, error) {
	start := time.Now()

	if err := c.Connect(ctx); err != nil {
		c.record("error", start)
		return nil, err
	}

	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	session, err := client.NewSession()
	if err != nil {
		c.record("error", start)
		return nil, &TransportError{Op: "session", Err: err, IsTemporary: true}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		runErr = ctx.Err()
	case runErr = <-done:
	}

	resp := &provider.Response{
		Stdout: strings.TrimRight(stdout.String(), "\n"),
		Stderr: strings.TrimRight(stderr.String(), "\n"),
	}

	if runErr != nil {
		var exitErr *ssh.ExitError
		if !errors.As(runErr, &exitErr) {
			// Session died before the command finished.
			c.record("error", start)
			return nil, &TransportError{Op: "execute", Err: runErr, IsTemporary: true}
		}
		resp.Code = exitErr.ExitStatus()
	}

	c.logger.Debugf("executed %q on %s (exit=%d, %s)", command, c.config.Host, resp.Code, time.Since(start))
	c.record("ok", start)
	return resp, nil
}

func (c *Client) record(status string, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordProviderCall(c.Name(), status, time.Since(start))
	}
}

// Warn routes a warning diagnostic to the provider's logger.
func (c *Client) Warn(_ context.Context, msg string) {
	c.logger.WithTarget(c.config.Host).Warn(msg)
}

// Fail records a fatal diagnostic and returns the terminating error.
func (c *Client) Fail(_ context.Context, msg string) error {
	c.logger.WithTarget(c.config.Host).Error(msg)
	return &provider.Failure{Message: msg}
}

// WriteFile places content at path on the remote host through SFTP.
func (c *Client) WriteFile(ctx context.Context, path, content string, mode fs.FileMode) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}

	client, err := c.sftpClient()
	if err != nil {
		return err
	}

	f, err := client.Create(path)
	if err != nil {
		return &TransportError{Op: "write-file", Err: err, IsTemporary: true}
	}
	if _, err := f.Write([]byte(content)); err != nil {
		_ = f.Close()
		return &TransportError{Op: "write-file", Err: err, IsTemporary: true}
	}
	if err := f.Close(); err != nil {
		return &TransportError{Op: "write-file", Err: err, IsTemporary: true}
	}

	if mode == 0 {
		mode = 0o644
	}
	if err := client.Chmod(path, mode); err != nil {
		return &TransportError{Op: "write-file", Err: err}
	}

	c.logger.Debugf("wrote %d bytes to %s:%s", len(content), c.config.Host, path)
	return nil
}

// sftpClient returns the lazily created SFTP session over the connection.
func (c *Client) sftpClient() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sftp != nil {
		return c.sftp, nil
	}
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, &TransportError{Op: "sftp", Err: err, IsTemporary: true}
	}
	c.sftp = client
	return client, nil
}

// Close tears down the SFTP session and the SSH connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}
