package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/artpar/shipit/internal/core/compose"
	"github.com/artpar/shipit/internal/core/deploy"
	"github.com/artpar/shipit/internal/core/release"
	coresecrets "github.com/artpar/shipit/internal/core/secrets"
	"github.com/artpar/shipit/internal/shell/sshexec"
)

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// SecretsProvider is the encrypted-secrets capability the pipeline
// consumes. ContentHash returns (hash, true) when an encrypted blob
// exists for the stage, or ("", false) when the app runs without one.
type SecretsProvider interface {
	ReadDecryptedEnv(stage string) (map[string]string, error)
	ContentHash(stage string) (string, bool, error)
}

// CodePusher pushes the local repository history to a host's bare repo.
// Runs as a local subprocess, not over the remote executor.
type CodePusher interface {
	Push(ctx context.Context, remoteURL, branch string) error
}

// ImageBuilder is the local-build capability: build the compose project
// on the operator's machine, tag images with the release name, and open
// a stream of the tagged images for transfer to the host.
type ImageBuilder interface {
	Build(ctx context.Context) error
	Tag(ctx context.Context, source, target string) error
	Save(ctx context.Context, images []string) (io.ReadCloser, error)
}

// =============================================================================
// Per-Host Pipeline
// =============================================================================

// Pipeline drives one host from "previous release running" to "new
// release running, previous stopped" - or fails leaving the previous
// release untouched. Steps run strictly in order over one connection.
type Pipeline struct {
	dctx    deploy.Context
	exec    sshexec.Executor
	locks   *LockStore
	health  *HealthChecker
	keep    *RetentionPolicy
	secrets SecretsProvider
	pusher  CodePusher
	builder ImageBuilder // nil unless the build mode is local
	built   []compose.BuiltService
	logger  *slog.Logger
	now     func() time.Time
}

// NewPipeline assembles the per-host pipeline. built lists the services
// with build directives (empty for remote builds); builder must be
// non-nil iff the context's build mode is local.
func NewPipeline(
	dctx deploy.Context,
	exec sshexec.Executor,
	secrets SecretsProvider,
	pusher CodePusher,
	builder ImageBuilder,
	built []compose.BuiltService,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		dctx:    dctx,
		exec:    exec,
		locks:   NewLockStore(exec, dctx.AppPath()),
		health:  NewHealthChecker(exec, dctx.Config.Deploy.HealthCheck, logger),
		keep:    NewRetentionPolicy(exec, dctx.Config.Deploy.KeepReleases, dctx.IsLocalBuild(), logger),
		secrets: secrets,
		pusher:  pusher,
		builder: builder,
		built:   built,
		logger:  logger,
		now:     time.Now,
	}
}

// Run executes the twelve pipeline steps against the pipeline's host.
// A failure before the symlink swap leaves the previous release, its
// lock and the current symlink fully intact.
func (p *Pipeline) Run(ctx context.Context, hostAddress string) error {
	// The lock read here captures the pre-cutover state; steps 5 and 11
	// both work from this one snapshot. The lock itself is only
	// rewritten in step 11, after the symlink has moved.
	prevLock, err := p.locks.Read(ctx)
	if err != nil {
		return fmt.Errorf("read lock on %s: %w", p.exec.Host(), err)
	}

	if err := p.createReleaseDir(ctx); err != nil {
		return newStepError(p.exec.Host(), deploy.StepCreateReleaseDir, err)
	}
	if err := p.pushCode(ctx, hostAddress); err != nil {
		return newStepError(p.exec.Host(), deploy.StepPushCode, err)
	}
	if err := p.checkoutCode(ctx); err != nil {
		return newStepError(p.exec.Host(), deploy.StepCheckoutCode, err)
	}
	if err := p.generateOverlay(ctx); err != nil {
		return newStepError(p.exec.Host(), deploy.StepGenerateOverlay, err)
	}
	secretsHash, err := p.linkSharedEnv(ctx, prevLock)
	if err != nil {
		return newStepError(p.exec.Host(), deploy.StepLinkSharedEnv, err)
	}
	if err := p.buildImages(ctx); err != nil {
		return newStepError(p.exec.Host(), deploy.StepBuildImages, err)
	}
	if err := p.startNew(ctx); err != nil {
		return newStepError(p.exec.Host(), deploy.StepStartNew, err)
	}

	if err := p.healthCheck(ctx); err != nil {
		// Fatal-with-compensation: stop only the newly-started release.
		// The previous release and its lock were never touched, so the
		// host keeps exactly one serving release.
		p.stopNewRelease(ctx)
		return newStepError(p.exec.Host(), deploy.StepHealthCheck, err)
	}

	if err := p.stopPrevious(ctx); err != nil {
		return newStepError(p.exec.Host(), deploy.StepStopPrevious, err)
	}
	if err := p.updateSymlink(ctx); err != nil {
		return newStepError(p.exec.Host(), deploy.StepUpdateSymlink, err)
	}
	if err := p.updateLock(ctx, prevLock, secretsHash); err != nil {
		return newStepError(p.exec.Host(), deploy.StepUpdateLock, err)
	}

	// Best-effort: a cleanup failure never turns a successful cutover
	// into a failed deploy.
	p.cleanupReleases(ctx)

	return nil
}

func (p *Pipeline) step(s deploy.Step) {
	p.logger.Info(s.String(),
		"host", p.exec.Host(),
		"step", s.Index(),
		"of", deploy.TotalSteps,
		"release", p.dctx.Release.Name,
	)
}

// =============================================================================
// Steps 1-6: Prepare the Release
// =============================================================================

// createReleaseDir creates the new release's directory. Idempotent:
// re-running a failed deploy recreates nothing.
func (p *Pipeline) createReleaseDir(ctx context.Context) error {
	p.step(deploy.StepCreateReleaseDir)
	_, err := p.exec.Exec(ctx, sshexec.Cmd("mkdir", "-p", p.dctx.ReleasePath()))
	return err
}

// pushCode pushes local git history to the host's bare repository.
func (p *Pipeline) pushCode(ctx context.Context, hostAddress string) error {
	p.step(deploy.StepPushCode)
	return p.pusher.Push(ctx, p.dctx.GitRemoteURL(hostAddress), p.dctx.Config.App.Branch)
}

// checkoutCode checks the pushed branch out into the release directory.
func (p *Pipeline) checkoutCode(ctx context.Context) error {
	p.step(deploy.StepCheckoutCode)
	_, err := p.exec.Exec(ctx, sshexec.Cmd("git",
		"--work-tree="+p.dctx.ReleasePath(),
		"--git-dir="+p.dctx.RepoPath(),
		"checkout", "-f", p.dctx.Config.App.Branch,
	))
	return err
}

// generateOverlay renders and writes the release's compose overlay.
func (p *Pipeline) generateOverlay(ctx context.Context) error {
	p.step(deploy.StepGenerateOverlay)

	traefikCfg := p.dctx.Stage.Traefik
	if traefikCfg == nil {
		return ErrNoTraefikConfig
	}

	hc := p.dctx.Config.Deploy.HealthCheck
	params := compose.OverlayParams{
		AppName:        p.dctx.Config.App.Name,
		WebService:     p.dctx.WebService(),
		Release:        p.dctx.Release.Name,
		Domain:         traefikCfg.Domain,
		TLS:            traefikCfg.TLS,
		Port:           hc.Port,
		HealthPath:     hc.Path,
		HealthCmd:      hc.Cmd,
		HealthInterval: hc.Interval,
		HealthRetries:  hc.Retries,
		SharedEnvPath:  p.dctx.SharedEnvPath(),
	}
	for _, svc := range p.built {
		if svc.Name == p.dctx.WebService() {
			params.WebImage = svc.Image
		} else {
			params.ImageServices = append(params.ImageServices, svc)
		}
	}

	content, err := compose.RenderOverlay(params)
	if err != nil {
		return err
	}
	return p.exec.WriteFile(ctx, p.dctx.ReleasePath()+"/docker-compose.override.yml", []byte(content))
}

// linkSharedEnv materializes secrets into the shared env file when their
// content hash moved since the previous lock, and always links the
// shared file into the new release. Returns the current secrets hash
// for step 11, or nil when the app has no encrypted secrets.
func (p *Pipeline) linkSharedEnv(ctx context.Context, prevLock *release.Lock) (*string, error) {
	p.step(deploy.StepLinkSharedEnv)

	hash, hasSecrets, err := p.secrets.ContentHash(p.dctx.StageName)
	if err != nil {
		return nil, fmt.Errorf("hash secrets: %w", err)
	}

	var hashPtr *string
	if hasSecrets {
		hashPtr = &hash

		needsUpdate := prevLock == nil || prevLock.SecretsHash == nil || *prevLock.SecretsHash != hash
		if needsUpdate {
			env, err := p.secrets.ReadDecryptedEnv(p.dctx.StageName)
			if err != nil {
				return nil, fmt.Errorf("decrypt secrets: %w", err)
			}
			content := coresecrets.SerializeDotenv(env)
			if err := p.exec.WriteFile(ctx, p.dctx.SharedEnvPath(), []byte(content)); err != nil {
				return nil, fmt.Errorf("write shared env: %w", err)
			}
			if _, err := p.exec.Exec(ctx, sshexec.Cmd("chmod", "600", p.dctx.SharedEnvPath())); err != nil {
				return nil, fmt.Errorf("set env permissions: %w", err)
			}
			p.logger.Info("secrets decrypted into shared env", "host", p.exec.Host())
		} else {
			p.logger.Info("secrets unchanged, decryption skipped", "host", p.exec.Host())
		}
	}

	_, err = p.exec.Exec(ctx, sshexec.Cmd("ln", "-sf", p.dctx.SharedEnvPath(), p.dctx.ReleasePath()+"/.env"))
	if err != nil {
		return nil, fmt.Errorf("link shared env: %w", err)
	}
	return hashPtr, nil
}

// buildImages builds the release's images remotely, or builds locally
// and streams the release-tagged images into the host's docker daemon.
func (p *Pipeline) buildImages(ctx context.Context) error {
	p.step(deploy.StepBuildImages)

	if !p.dctx.IsLocalBuild() {
		_, err := p.exec.Exec(ctx, sshexec.Cmd("docker", "compose", "build").InDir(p.dctx.ReleasePath()))
		return err
	}

	if len(p.built) == 0 {
		p.logger.Info("no services with build directives, nothing to build", "host", p.exec.Host())
		return nil
	}

	if err := p.builder.Build(ctx); err != nil {
		return fmt.Errorf("local build: %w", err)
	}

	appName := p.dctx.Config.App.Name
	images := make([]string, 0, len(p.built))
	for _, svc := range p.built {
		source := fmt.Sprintf("%s-%s:latest", appName, svc.Name)
		if err := p.builder.Tag(ctx, source, svc.Image); err != nil {
			return fmt.Errorf("tag %s as %s: %w", source, svc.Image, err)
		}
		images = append(images, svc.Image)
	}

	// Producer/consumer pipe: the local save stream feeds the remote
	// docker load's stdin; this call returns once both sides exit.
	stream, err := p.builder.Save(ctx, images)
	if err != nil {
		return fmt.Errorf("save images: %w", err)
	}
	defer stream.Close()

	if err := p.exec.StreamExec(ctx, sshexec.Cmd("docker", "load"), stream); err != nil {
		return fmt.Errorf("transfer images to %s: %w", p.exec.Host(), err)
	}
	return nil
}

// =============================================================================
// Steps 7-12: Cutover
// =============================================================================

// startNew starts the new release's container group. The previous group
// keeps running: both generations serve until the health check decides.
func (p *Pipeline) startNew(ctx context.Context) error {
	p.step(deploy.StepStartNew)
	_, err := p.exec.Exec(ctx, sshexec.Cmd("docker", "compose", "up", "-d").InDir(p.dctx.ReleasePath()))
	return err
}

func (p *Pipeline) healthCheck(ctx context.Context) error {
	p.step(deploy.StepHealthCheck)
	return p.health.Wait(ctx, p.dctx.ReleasePath(), p.dctx.WebService())
}

// stopNewRelease is the compensation for a failed health check: tear
// down only the release this pipeline started.
func (p *Pipeline) stopNewRelease(ctx context.Context) {
	p.logger.Warn("health check failed, stopping new release",
		"host", p.exec.Host(),
		"release", p.dctx.Release.Name,
	)
	ok, err := p.exec.ExecOk(ctx, sshexec.Cmd("docker", "compose", "down").InDir(p.dctx.ReleasePath()))
	if err != nil || !ok {
		p.logger.Warn("failed to stop new release cleanly", "host", p.exec.Host(), "error", err)
	}
	p.logger.Info("previous release still serving", "host", p.exec.Host())
}

// stopPrevious stops the release the current symlink points at. Only
// reached after the new release passed its health check. Best-effort:
// a first deploy has no current link, and a half-stopped previous group
// must not fail the cutover.
func (p *Pipeline) stopPrevious(ctx context.Context) error {
	p.step(deploy.StepStopPrevious)

	exists, err := p.exec.PathExists(ctx, p.dctx.CurrentPath())
	if err != nil {
		return fmt.Errorf("check current symlink: %w", err)
	}
	if !exists {
		p.logger.Info("no previous release", "host", p.exec.Host())
		return nil
	}

	target, err := p.exec.Exec(ctx, sshexec.Cmd("readlink", "-f", p.dctx.CurrentPath()))
	if err != nil {
		p.logger.Warn("could not resolve current symlink, skipping stop", "host", p.exec.Host(), "error", err)
		return nil
	}

	ok, err := p.exec.ExecOk(ctx, sshexec.Cmd("docker", "compose", "down").InDir(strings.TrimSpace(target)))
	if err != nil {
		return fmt.Errorf("stop previous release: %w", err)
	}
	if !ok {
		p.logger.Warn("previous release did not stop cleanly", "host", p.exec.Host())
	}
	return nil
}

// updateSymlink atomically repoints current at the new release.
func (p *Pipeline) updateSymlink(ctx context.Context) error {
	p.step(deploy.StepUpdateSymlink)
	return p.exec.AtomicSymlink(ctx, p.dctx.ReleasePath(), p.dctx.CurrentPath())
}

// updateLock persists the post-cutover lock. prevLock is the snapshot
// read before step 1.
func (p *Pipeline) updateLock(ctx context.Context, prevLock *release.Lock, secretsHash *string) error {
	p.step(deploy.StepUpdateLock)

	var previous *string
	if prevLock != nil {
		prev := prevLock.CurrentRelease
		previous = &prev
	}

	// Best-effort SHA: a bare repo that cannot answer rev-parse records
	// "unknown" rather than failing a completed cutover.
	gitSHA := "unknown"
	if out, err := p.exec.Exec(ctx, sshexec.Cmd("git", "--git-dir="+p.dctx.RepoPath(), "rev-parse", "HEAD")); err == nil {
		gitSHA = strings.TrimSpace(out)
	}

	lock := release.NewLock(p.dctx.Release.Name, previous, gitSHA, secretsHash, p.now())
	return p.locks.Write(ctx, lock)
}

// cleanupReleases applies the retention policy. Best-effort.
func (p *Pipeline) cleanupReleases(ctx context.Context) {
	p.step(deploy.StepCleanupReleases)

	removed, err := p.keep.Apply(ctx, p.dctx.ReleasesPath(), p.dctx.Release.Name)
	if err != nil {
		p.logger.Warn("release cleanup failed", "host", p.exec.Host(), "error", err)
		return
	}
	p.logger.Info("old releases removed", "host", p.exec.Host(), "count", removed)
}
