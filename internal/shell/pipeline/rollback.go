package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/artpar/shipit/internal/core/config"
	"github.com/artpar/shipit/internal/core/deploy"
	"github.com/artpar/shipit/internal/core/release"
	"github.com/artpar/shipit/internal/shell/sshexec"
)

// =============================================================================
// Rollback
// =============================================================================

// Rollbacker restarts an already-deployed release across a stage's
// hosts. No code is pushed and no images are built: the target release
// directory must still exist on each host.
type Rollbacker struct {
	dctx     deploy.Context
	factory  ExecutorFactory
	recorder Recorder // optional
	logger   *slog.Logger
}

func NewRollbacker(dctx deploy.Context, factory ExecutorFactory, recorder Recorder, logger *slog.Logger) *Rollbacker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rollbacker{dctx: dctx, factory: factory, recorder: recorder, logger: logger}
}

// Rollback switches each host of the stage to targetRelease, or to the
// host's recorded previous release when targetRelease is empty. Hosts
// are processed in declaration order and the first failure stops the
// run.
func (r *Rollbacker) Rollback(ctx context.Context, targetRelease string) error {
	if targetRelease != "" && !release.ValidName(targetRelease) {
		return fmt.Errorf("%w: %q is not a release name", ErrReleaseNotFound, targetRelease)
	}

	invocation := uuid.NewString()
	hosts := r.dctx.Stage.Hosts

	r.logger.Info("starting rollback",
		"app", r.dctx.Config.App.Name,
		"stage", r.dctx.StageName,
		"target", targetRelease,
		"hosts", len(hosts),
		"invocation", invocation,
	)

	for _, host := range hosts {
		started := time.Now()
		rolled, err := r.rollbackHost(ctx, host, targetRelease)
		r.record(ctx, HistoryRecord{
			Invocation: invocation,
			Stage:      r.dctx.StageName,
			Host:       host.Address,
			Release:    rolled,
			Action:     ActionRollback,
			Outcome:    outcomeOf(err),
			Detail:     detailOf(err),
			Duration:   time.Since(started),
			StartedAt:  started,
		})
		if err != nil {
			return fmt.Errorf("rollback on %s: %w", host.Address, err)
		}
		r.logger.Info("host rolled back", "host", host.Address, "release", rolled)
	}
	return nil
}

// rollbackHost performs the rollback on one host and returns the
// release it switched to. All validation happens before any container
// is touched: a host that fails validation keeps serving unchanged.
func (r *Rollbacker) rollbackHost(ctx context.Context, host config.HostConfig, targetRelease string) (string, error) {
	exec, err := r.factory(host)
	if err != nil {
		return targetRelease, fmt.Errorf("connect: %w", err)
	}
	defer exec.Close()

	locks := NewLockStore(exec, r.dctx.AppPath())
	lock, err := locks.Read(ctx)
	if err != nil {
		return targetRelease, err
	}
	if lock == nil {
		return targetRelease, ErrNoLock
	}

	target := targetRelease
	if target == "" {
		if lock.PreviousRelease == nil {
			return "", ErrNoPreviousRelease
		}
		target = *lock.PreviousRelease
	}

	targetPath := r.dctx.ReleasesPath() + "/" + target
	exists, err := exec.PathExists(ctx, targetPath)
	if err != nil {
		return target, fmt.Errorf("check release directory: %w", err)
	}
	if !exists {
		return target, fmt.Errorf("%w: %s on %s", ErrReleaseNotFound, target, exec.Host())
	}

	// Stop whatever the current symlink points at. Best-effort: a
	// broken or missing link must not prevent recovery.
	if currentTarget, err := exec.Exec(ctx, sshexec.Cmd("readlink", "-f", r.dctx.CurrentPath())); err == nil {
		if ok, err := exec.ExecOk(ctx, sshexec.Cmd("docker", "compose", "down").InDir(strings.TrimSpace(currentTarget))); err != nil || !ok {
			r.logger.Warn("current release did not stop cleanly", "host", exec.Host(), "error", err)
		}
	}

	if _, err := exec.Exec(ctx, sshexec.Cmd("docker", "compose", "up", "-d").InDir(targetPath)); err != nil {
		return target, fmt.Errorf("start release %s: %w", target, err)
	}

	health := NewHealthChecker(exec, r.dctx.Config.Deploy.HealthCheck, r.logger)
	if err := health.Wait(ctx, targetPath, r.dctx.WebService()); err != nil {
		// The symlink and lock stay on the old release; the target's
		// containers are torn back down.
		if ok, derr := exec.ExecOk(ctx, sshexec.Cmd("docker", "compose", "down").InDir(targetPath)); derr != nil || !ok {
			r.logger.Warn("failed to stop unhealthy rollback target", "host", exec.Host(), "error", derr)
		}
		return target, fmt.Errorf("release %s failed health check: %w", target, err)
	}

	if err := exec.AtomicSymlink(ctx, targetPath, r.dctx.CurrentPath()); err != nil {
		return target, err
	}

	prev := lock.CurrentRelease
	newLock := release.NewLock(target, &prev, lock.GitSHA, lock.SecretsHash, time.Now())
	if err := locks.Write(ctx, newLock); err != nil {
		return target, err
	}
	return target, nil
}

func (r *Rollbacker) record(ctx context.Context, rec HistoryRecord) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.Record(ctx, rec); err != nil {
		r.logger.Warn("failed to record rollback history", "host", rec.Host, "error", err)
	}
}
