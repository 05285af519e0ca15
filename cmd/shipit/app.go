package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/artpar/shipit/internal/core/config"
	"github.com/artpar/shipit/internal/core/deploy"
	"github.com/artpar/shipit/internal/core/release"
	"github.com/artpar/shipit/internal/shell/secrets"
	"github.com/artpar/shipit/internal/shell/sshexec"
)

// =============================================================================
// Shared Command Environment
// =============================================================================

// appEnv bundles what every command needs: loaded config, the stage it
// targets, a logger and the project root.
type appEnv struct {
	cfg         *config.Config
	stageName   string
	stage       config.StageConfig
	projectRoot string
	logger      *slog.Logger
	keyPath     string
}

// loadEnv loads configuration and resolves the target stage.
func loadEnv(configPath, stageName, sshKeyPath string) (*appEnv, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	stage, err := cfg.Stage(stageName)
	if err != nil {
		return nil, err
	}

	root, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	return &appEnv{
		cfg:         cfg,
		stageName:   stageName,
		stage:       stage,
		projectRoot: root,
		logger:      SetupLogger(cfg.Log),
		keyPath:     sshKeyPath,
	}, nil
}

// deployContext mints the deploy context for one invocation.
func (e *appEnv) deployContext(rel release.Release) deploy.Context {
	return deploy.NewContext(e.cfg, e.stageName, e.stage, rel, e.projectRoot)
}

// executorFactory opens SSH executors for the stage's hosts.
func (e *appEnv) executorFactory() func(host config.HostConfig) (sshexec.Executor, error) {
	return func(host config.HostConfig) (sshexec.Executor, error) {
		return sshexec.New(sshexec.Config{
			User:           e.stage.SSHUser(),
			Host:           host.Address,
			Port:           e.stage.SSHPort(),
			PrivateKeyPath: e.keyPath,
		}, e.logger)
	}
}

// secretsStore opens the project's encrypted secrets store.
func (e *appEnv) secretsStore() (*secrets.Store, error) {
	return secrets.NewStore(secrets.Config{
		ProjectRoot: e.projectRoot,
		AppName:     e.cfg.App.Name,
		Recipients:  e.cfg.Secrets.Recipients,
	}, e.logger)
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
// CLI output defaults to text on stderr; "json" switches to structured
// output for CI log collection.
func SetupLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
