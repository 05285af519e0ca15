// Package sshexec runs commands and file writes on one host over one
// persistent SSH connection.
package sshexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// =============================================================================
// Executor Interface
// =============================================================================

// Executor is the remote capability the deploy pipeline consumes: typed
// operations over one host. Implementations reuse a single connection
// end-to-end; best-effort semantics belong to the caller (via ExecOk),
// never to the command text.
type Executor interface {
	// Host returns the host this executor is bound to.
	Host() string

	// Exec runs a command and returns its stdout; non-zero exit is an error.
	Exec(ctx context.Context, cmd Command) (string, error)

	// ExecOk runs a command and reports whether it exited zero. A non-zero
	// exit is not an error; transport failures are.
	ExecOk(ctx context.Context, cmd Command) (bool, error)

	// StreamExec runs a command with the given reader piped to its stdin.
	// Used for the local-build image transfer (save | load).
	StreamExec(ctx context.Context, cmd Command, stdin io.Reader) error

	// PathExists reports whether a path exists on the host.
	PathExists(ctx context.Context, path string) (bool, error)

	// WriteFile writes content to a file on the host.
	WriteFile(ctx context.Context, path string, content []byte) error

	// AtomicSymlink points link at target by creating a temporary link and
	// renaming it over the old one, so readers observe either the old or
	// the new target, never a missing link.
	AtomicSymlink(ctx context.Context, target, link string) error

	// SudoExec runs a command with elevated privileges.
	SudoExec(ctx context.Context, cmd Command) (string, error)

	// SudoWriteFile writes a file with elevated privileges.
	SudoWriteFile(ctx context.Context, path string, content []byte) error

	// Close closes the connection.
	Close() error
}

// =============================================================================
// SSH Implementation
// =============================================================================

// Config configures an SSH executor.
type Config struct {
	User           string
	Host           string
	Port           int
	PrivateKeyPath string        // Default: ~/.ssh/id_ed25519
	ConnectTimeout time.Duration // Default: 10 seconds
	CommandTimeout time.Duration // Default: 5 minutes (remote builds are slow)
}

// SSHExecutor implements Executor over golang.org/x/crypto/ssh. One
// *ssh.Client is kept alive for the whole pipeline run; each command
// gets its own session.
type SSHExecutor struct {
	cfg    Config
	signer ssh.Signer
	logger *slog.Logger

	client *ssh.Client
	mu     sync.Mutex // protects client
}

// New creates an executor for one host. The private key is loaded and
// parsed eagerly so key problems surface before the pipeline starts.
func New(cfg Config, logger *slog.Logger) (*SSHExecutor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 5 * time.Minute
	}
	if cfg.PrivateKeyPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		cfg.PrivateKeyPath = home + "/.ssh/id_ed25519"
	}

	keyData, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read SSH private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse SSH private key: %w", err)
	}

	return &SSHExecutor{
		cfg:    cfg,
		signer: signer,
		logger: logger,
	}, nil
}

// Host returns the host this executor is bound to.
func (e *SSHExecutor) Host() string {
	return e.cfg.Host
}

// connect establishes the SSH connection if not already connected.
func (e *SSHExecutor) connect(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil {
		// Check if connection is still alive
		_, _, err := e.client.SendRequest("keepalive@shipit", true, nil)
		if err == nil {
			return nil
		}
		// Connection dead, reconnect
		e.client.Close()
		e.client = nil
	}

	config := &ssh.ClientConfig{
		User:            e.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(e.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // TODO: verify against known_hosts
		Timeout:         e.cfg.ConnectTimeout,
	}

	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrConnectionFailed, addr, err)
	}

	e.client = client
	return nil
}

// Close closes the SSH connection.
func (e *SSHExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil {
		err := e.client.Close()
		e.client = nil
		return err
	}
	return nil
}

// runSession runs one rendered command in a fresh session, optionally
// with stdin, capturing stdout and stderr. Returns the raw session error.
func (e *SSHExecutor) runSession(ctx context.Context, line string, stdin io.Reader) (string, string, error) {
	if err := e.connect(ctx); err != nil {
		return "", "", err
	}

	e.mu.Lock()
	session, err := e.client.NewSession()
	e.mu.Unlock()
	if err != nil {
		return "", "", fmt.Errorf("create SSH session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = stdin
	}

	e.logger.Debug("exec", "host", e.cfg.Host, "cmd", line)

	done := make(chan error, 1)
	go func() {
		done <- session.Run(line)
	}()

	select {
	case <-ctx.Done():
		return stdout.String(), stderr.String(), ctx.Err()
	case <-time.After(e.cfg.CommandTimeout):
		return stdout.String(), stderr.String(), fmt.Errorf("%w after %v: %s", ErrTimeout, e.cfg.CommandTimeout, line)
	case err := <-done:
		return stdout.String(), stderr.String(), err
	}
}

// Exec runs a command and returns its stdout; non-zero exit is an error.
func (e *SSHExecutor) Exec(ctx context.Context, cmd Command) (string, error) {
	line := cmd.Render()
	stdout, stderr, err := e.runSession(ctx, line, nil)
	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			return stdout, &ExecError{
				Host:       e.cfg.Host,
				Command:    line,
				ExitStatus: exitErr.ExitStatus(),
				Stdout:     strings.TrimSpace(stdout),
				Stderr:     strings.TrimSpace(stderr),
				Err:        err,
			}
		}
		return stdout, fmt.Errorf("exec on %s: %w", e.cfg.Host, err)
	}
	return stdout, nil
}

// ExecOk runs a command and reports whether it exited zero.
func (e *SSHExecutor) ExecOk(ctx context.Context, cmd Command) (bool, error) {
	_, _, err := e.runSession(ctx, cmd.Render(), nil)
	if err != nil {
		if _, ok := err.(*ssh.ExitError); ok {
			return false, nil
		}
		return false, fmt.Errorf("exec on %s: %w", e.cfg.Host, err)
	}
	return true, nil
}

// StreamExec runs a command with stdin piped from the given reader.
func (e *SSHExecutor) StreamExec(ctx context.Context, cmd Command, stdin io.Reader) error {
	line := cmd.Render()
	stdout, stderr, err := e.runSession(ctx, line, stdin)
	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			return &ExecError{
				Host:       e.cfg.Host,
				Command:    line,
				ExitStatus: exitErr.ExitStatus(),
				Stdout:     strings.TrimSpace(stdout),
				Stderr:     strings.TrimSpace(stderr),
				Err:        err,
			}
		}
		return fmt.Errorf("exec on %s: %w", e.cfg.Host, err)
	}
	return nil
}

// PathExists reports whether a path exists on the host.
func (e *SSHExecutor) PathExists(ctx context.Context, path string) (bool, error) {
	return e.ExecOk(ctx, Cmd("test", "-e", path))
}

// WriteFile writes content to a file on the host by streaming it to cat.
func (e *SSHExecutor) WriteFile(ctx context.Context, path string, content []byte) error {
	line := "cat > " + Quote(path)
	_, stderr, err := e.runSession(ctx, line, bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("write %s on %s: %w (stderr: %s)", path, e.cfg.Host, err, strings.TrimSpace(stderr))
	}
	return nil
}

// AtomicSymlink points link at target via a temporary link and a rename.
func (e *SSHExecutor) AtomicSymlink(ctx context.Context, target, link string) error {
	tmp := link + "_tmp"
	if _, err := e.Exec(ctx, Cmd("ln", "-sfn", target, tmp)); err != nil {
		return fmt.Errorf("create temp symlink: %w", err)
	}
	if _, err := e.Exec(ctx, Cmd("mv", "-T", "-f", tmp, link)); err != nil {
		return fmt.Errorf("rename symlink over %s: %w", link, err)
	}
	return nil
}

// SudoExec runs a command with elevated privileges.
func (e *SSHExecutor) SudoExec(ctx context.Context, cmd Command) (string, error) {
	sudo := Command{
		Program: "sudo",
		Args:    append([]string{cmd.Program}, cmd.Args...),
		Dir:     cmd.Dir,
	}
	return e.Exec(ctx, sudo)
}

// SudoWriteFile writes a file with elevated privileges by streaming to tee.
func (e *SSHExecutor) SudoWriteFile(ctx context.Context, path string, content []byte) error {
	line := "sudo tee " + Quote(path) + " > /dev/null"
	_, stderr, err := e.runSession(ctx, line, bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("write %s on %s: %w (stderr: %s)", path, e.cfg.Host, err, strings.TrimSpace(stderr))
	}
	return nil
}
