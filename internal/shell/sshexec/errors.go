package sshexec

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrConnectionFailed is returned when the SSH connection cannot be established.
	ErrConnectionFailed = errors.New("ssh connection failed")

	// ErrTimeout is returned when a remote command exceeds the command timeout.
	ErrTimeout = errors.New("remote command timed out")
)

// ExecError wraps a non-zero remote command exit with enough context to
// let the operator re-run the pipeline: host, command, exit status and
// captured output.
type ExecError struct {
	Host       string
	Command    string
	ExitStatus int
	Stdout     string
	Stderr     string
	Err        error
}

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("command failed on %s (exit %d): %s", e.Host, e.ExitStatus, e.Command)
	if e.Stderr != "" {
		msg += "\nstderr: " + e.Stderr
	}
	return msg
}

func (e *ExecError) Unwrap() error {
	return e.Err
}
