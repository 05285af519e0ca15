package gitops

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/docker/docker/client"
)

// =============================================================================
// Local Image Builder
// =============================================================================

// Builder builds the compose project with the local docker daemon and
// exposes the tagged images as a tar stream for transfer to a host.
type Builder struct {
	projectRoot string
	appName     string
	cli         *client.Client
	logger      *slog.Logger
}

// NewBuilder connects to the local docker daemon. The compose project
// name is pinned to the app name so image names are stable regardless
// of the checkout directory.
func NewBuilder(projectRoot, appName string, logger *slog.Logger) (*Builder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connect to local docker daemon: %w", err)
	}
	return &Builder{
		projectRoot: projectRoot,
		appName:     appName,
		cli:         cli,
		logger:      logger,
	}, nil
}

// Build runs docker compose build in the project root. Compose is
// invoked as a subprocess rather than through the SDK so buildkit,
// build secrets and .env interpolation behave exactly as they do for a
// developer running the same command.
func (b *Builder) Build(ctx context.Context) error {
	b.logger.Info("building images locally", "project", b.appName)

	cmd := exec.CommandContext(ctx, "docker", "compose", "build")
	cmd.Dir = b.projectRoot
	cmd.Env = append(cmd.Environ(), "COMPOSE_PROJECT_NAME="+b.appName)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker compose build: %w: %s", err, strings.TrimSpace(output.String()))
	}
	return nil
}

// Tag points target at the image source names.
func (b *Builder) Tag(ctx context.Context, source, target string) error {
	if err := b.cli.ImageTag(ctx, source, target); err != nil {
		return fmt.Errorf("tag image %s as %s: %w", source, target, err)
	}
	return nil
}

// Save opens a tar stream of the given images, suitable for piping into
// docker load on a host.
func (b *Builder) Save(ctx context.Context, images []string) (io.ReadCloser, error) {
	stream, err := b.cli.ImageSave(ctx, images)
	if err != nil {
		return nil, fmt.Errorf("save images %v: %w", images, err)
	}
	return stream, nil
}

func (b *Builder) Close() error {
	return b.cli.Close()
}
