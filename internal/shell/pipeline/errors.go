package pipeline

import (
	"errors"
	"fmt"

	"github.com/artpar/shipit/internal/core/deploy"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrNoLock is returned when a host has no shipit.lock: no deploy has
	// ever completed there.
	ErrNoLock = errors.New("no shipit.lock found on host")

	// ErrNoPreviousRelease is returned when a rollback has no explicit
	// target and the lock records no previous release.
	ErrNoPreviousRelease = errors.New("no previous release to roll back to")

	// ErrReleaseNotFound is returned when a rollback target has no
	// release directory on the host.
	ErrReleaseNotFound = errors.New("release directory not found")

	// ErrContainerNotFound is returned when the web service's container
	// cannot be resolved for health checking.
	ErrContainerNotFound = errors.New("could not resolve web service container")

	// ErrUnhealthy is returned when the container reports unhealthy.
	ErrUnhealthy = errors.New("container reported unhealthy")

	// ErrHealthCheckTimeout is returned when the retry budget or the
	// wall-clock timeout is spent without a healthy report.
	ErrHealthCheckTimeout = errors.New("health check timed out")

	// ErrNoTraefikConfig is returned when a stage has no routing config.
	ErrNoTraefikConfig = errors.New("stage has no traefik config")

	// ErrNoCurrentRelease is returned when a host has no current symlink:
	// logs and remote commands need a deployed release to target.
	ErrNoCurrentRelease = errors.New("no current release on host, deploy first")
)

// StepError wraps a fatal pipeline failure with the host and the step it
// occurred in, so the operator can re-run the same pipeline safely.
type StepError struct {
	Host string
	Step deploy.Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d/%d (%s) on %s: %v", e.Step.Index(), deploy.TotalSteps, e.Step, e.Host, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func newStepError(host string, step deploy.Step, err error) *StepError {
	return &StepError{Host: host, Step: step, Err: err}
}
