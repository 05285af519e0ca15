package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/artpar/shipit/internal/core/config"
	"github.com/artpar/shipit/internal/core/deploy"
	"github.com/artpar/shipit/internal/shell/sshexec"
)

// =============================================================================
// Host Setup
// =============================================================================

// Setup prepares every host of a stage for its first deployment:
// the app directory skeleton and a bare git repository to push to.
// Idempotent, so re-running against prepared hosts is harmless.
type Setup struct {
	dctx    deploy.Context
	factory ExecutorFactory
	logger  *slog.Logger
}

func NewSetup(dctx deploy.Context, factory ExecutorFactory, logger *slog.Logger) *Setup {
	if logger == nil {
		logger = slog.Default()
	}
	return &Setup{dctx: dctx, factory: factory, logger: logger}
}

func (s *Setup) Run(ctx context.Context) error {
	for _, host := range s.dctx.Stage.Hosts {
		if err := s.setupHost(ctx, host); err != nil {
			return fmt.Errorf("setup %s: %w", host.Address, err)
		}
		s.logger.Info("host prepared", "host", host.Address, "app", s.dctx.Config.App.Name)
	}
	return nil
}

func (s *Setup) setupHost(ctx context.Context, host config.HostConfig) error {
	exec, err := s.factory(host)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer exec.Close()

	dirs := []string{
		s.dctx.ReleasesPath(),
		s.dctx.SharedPath(),
	}
	for _, dir := range dirs {
		if _, err := exec.Exec(ctx, sshexec.Cmd("mkdir", "-p", dir)); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	exists, err := exec.PathExists(ctx, s.dctx.RepoPath()+"/HEAD")
	if err != nil {
		return fmt.Errorf("check bare repository: %w", err)
	}
	if !exists {
		if _, err := exec.Exec(ctx, sshexec.Cmd("git", "init", "--bare", s.dctx.RepoPath())); err != nil {
			return fmt.Errorf("init bare repository: %w", err)
		}
		s.logger.Info("bare repository created", "host", exec.Host(), "path", s.dctx.RepoPath())
	}
	return nil
}
