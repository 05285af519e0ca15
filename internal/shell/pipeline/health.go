package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/artpar/shipit/internal/core/config"
	"github.com/artpar/shipit/internal/core/health"
	"github.com/artpar/shipit/internal/shell/sshexec"
)

// =============================================================================
// Health Checker
// =============================================================================

// HealthChecker polls a release's primary service container until it
// reports healthy, with a bounded retry budget and a hard wall-clock
// timeout. One checker instance serves one deploy or rollback attempt.
type HealthChecker struct {
	exec   sshexec.Executor
	cfg    config.HealthCheckConfig
	logger *slog.Logger

	// seams for tests
	sleep func(time.Duration)
	now   func() time.Time
}

// NewHealthChecker creates a health checker over one host connection.
func NewHealthChecker(exec sshexec.Executor, cfg config.HealthCheckConfig, logger *slog.Logger) *HealthChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthChecker{
		exec:   exec,
		cfg:    cfg,
		logger: logger,
		sleep:  time.Sleep,
		now:    time.Now,
	}
}

// Wait resolves the service's container in the given release directory
// and polls its health status until Healthy, Unhealthy, or the budget
// (retries x interval, capped by the wall-clock timeout) is spent.
//
// Healthy returns nil. Unhealthy and TimedOut both return errors of the
// same failure class: callers compensate identically for either.
func (h *HealthChecker) Wait(ctx context.Context, releasePath, service string) error {
	state := health.Pending
	h.logger.Debug("health check starting",
		"host", h.exec.Host(), "service", service, "state", state.String())

	containerID, err := h.resolveContainer(ctx, releasePath, service)
	if err != nil {
		return err
	}
	state = health.Polling

	deadline := time.Time{}
	if h.cfg.Timeout > 0 {
		deadline = h.now().Add(h.cfg.Timeout)
	}

	for attempt := 1; attempt <= h.cfg.Retries; attempt++ {
		status := h.probe(ctx, containerID)
		state = health.Observe(state, status)

		h.logger.Debug("health probe",
			"host", h.exec.Host(),
			"container", shortID(containerID),
			"status", status,
			"state", state.String(),
			"attempt", attempt,
			"retries", h.cfg.Retries,
		)

		switch state {
		case health.Healthy:
			return nil
		case health.Unhealthy:
			return fmt.Errorf("%w after %d attempt(s)", ErrUnhealthy, attempt)
		}

		if !deadline.IsZero() && !h.now().Before(deadline) {
			state = health.Exhaust(state)
			h.logger.Debug("health check exhausted",
				"host", h.exec.Host(), "state", state.String())
			return fmt.Errorf("%w: wall-clock limit %v reached", ErrHealthCheckTimeout, h.cfg.Timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		h.sleep(h.cfg.Interval)
	}

	state = health.Exhaust(state)
	h.logger.Debug("health check exhausted",
		"host", h.exec.Host(), "state", state.String())
	return fmt.Errorf("%w after %d attempts", ErrHealthCheckTimeout, h.cfg.Retries)
}

// resolveContainer returns the container ID of the service in the
// release's compose project. An empty result is fatal-immediate: the
// pipeline cannot verify a container it cannot find.
func (h *HealthChecker) resolveContainer(ctx context.Context, releasePath, service string) (string, error) {
	out, err := h.exec.Exec(ctx, sshexec.Cmd("docker", "compose", "ps", "-q", service).InDir(releasePath))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrContainerNotFound, err)
	}
	id := strings.TrimSpace(out)
	if id == "" {
		return "", fmt.Errorf("%w: service %q has no container in %s", ErrContainerNotFound, service, releasePath)
	}
	// Multiple replicas: check the first one
	if i := strings.IndexByte(id, '\n'); i >= 0 {
		id = id[:i]
	}
	return id, nil
}

// probe reads one health status observation. A probe failure (container
// restarting, inspect racing with startup) is classified as "keep
// polling", not as a fatal error.
func (h *HealthChecker) probe(ctx context.Context, containerID string) string {
	out, err := h.exec.Exec(ctx, sshexec.Cmd(
		"docker", "inspect", "--format", "{{.State.Health.Status}}", containerID,
	))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
