package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/artpar/shipit/internal/core/deploy"
	"github.com/artpar/shipit/internal/shell/sshexec"
)

// =============================================================================
// Remote Console
// =============================================================================

// Logs fetches the tail of container logs from the host's current
// release. An empty service fetches logs for the whole compose project.
func Logs(ctx context.Context, exec sshexec.Executor, dctx deploy.Context, service string, lines int) (string, error) {
	dir, err := currentReleaseDir(ctx, exec, dctx)
	if err != nil {
		return "", err
	}

	cmd := sshexec.Cmd("docker", "compose", "logs", "--tail", strconv.Itoa(lines))
	if service != "" {
		cmd = sshexec.Cmd("docker", "compose", "logs", "--tail", strconv.Itoa(lines), service)
	}
	out, err := exec.Exec(ctx, cmd.InDir(dir))
	if err != nil {
		return "", fmt.Errorf("fetch logs on %s: %w", exec.Host(), err)
	}
	return out, nil
}

// RunCommand executes a one-off command inside the web service's running
// container in the host's current release.
func RunCommand(ctx context.Context, exec sshexec.Executor, dctx deploy.Context, command []string) (string, error) {
	if len(command) == 0 {
		return "", fmt.Errorf("no command specified")
	}

	dir, err := currentReleaseDir(ctx, exec, dctx)
	if err != nil {
		return "", err
	}

	args := append([]string{"compose", "exec", "-T", dctx.WebService()}, command...)
	out, err := exec.Exec(ctx, sshexec.Cmd("docker", args...).InDir(dir))
	if err != nil {
		return "", fmt.Errorf("run command on %s: %w", exec.Host(), err)
	}
	return out, nil
}

// currentReleaseDir resolves the current symlink to the release
// directory it points at.
func currentReleaseDir(ctx context.Context, exec sshexec.Executor, dctx deploy.Context) (string, error) {
	exists, err := exec.PathExists(ctx, dctx.CurrentPath())
	if err != nil {
		return "", fmt.Errorf("check current symlink: %w", err)
	}
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrNoCurrentRelease, exec.Host())
	}

	target, err := exec.Exec(ctx, sshexec.Cmd("readlink", "-f", dctx.CurrentPath()))
	if err != nil {
		return "", fmt.Errorf("resolve current symlink: %w", err)
	}
	return strings.TrimSpace(target), nil
}
