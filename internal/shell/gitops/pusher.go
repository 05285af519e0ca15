// Package gitops runs the local-machine side of a deploy: pushing the
// project's git history to host bare repositories and building images
// with the local docker daemon.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// =============================================================================
// Code Pusher
// =============================================================================

// Pusher pushes the project repository to a host's bare repo over SSH
// using the operator's local git and SSH agent.
type Pusher struct {
	projectRoot string
	logger      *slog.Logger
}

func NewPusher(projectRoot string, logger *slog.Logger) *Pusher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pusher{projectRoot: projectRoot, logger: logger}
}

// Push force-pushes the local HEAD to the named branch of the remote
// bare repository. Force is required: host repos are write-only mirrors
// and may have diverged after a rollback.
func (p *Pusher) Push(ctx context.Context, remoteURL, branch string) error {
	p.logger.Info("pushing code", "remote", remoteURL, "branch", branch)

	cmd := exec.CommandContext(ctx, "git", "push", "--force", remoteURL, "HEAD:refs/heads/"+branch)
	cmd.Dir = p.projectRoot

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git push to %s: %w: %s", remoteURL, err, strings.TrimSpace(output.String()))
	}
	return nil
}

// HeadSHA returns the commit the local HEAD points at.
func (p *Pusher) HeadSHA(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = p.projectRoot
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse HEAD: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}
