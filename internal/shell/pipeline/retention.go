package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/artpar/shipit/internal/core/release"
	"github.com/artpar/shipit/internal/shell/sshexec"
)

// =============================================================================
// Retention Policy
// =============================================================================

// RetentionPolicy bounds how many release directories remain on a host.
type RetentionPolicy struct {
	exec   sshexec.Executor
	logger *slog.Logger

	// Keep is how many of the newest releases survive cleanup.
	Keep int

	// LocalBuild selects the image removal mode during teardown:
	// locally-built releases carry release-tagged images (compose sees
	// image:, so --rmi all), remotely-built ones only local ones.
	LocalBuild bool
}

// NewRetentionPolicy creates a retention policy over one host connection.
func NewRetentionPolicy(exec sshexec.Executor, keep int, localBuild bool, logger *slog.Logger) *RetentionPolicy {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionPolicy{exec: exec, logger: logger, Keep: keep, LocalBuild: localBuild}
}

// Apply removes release directories beyond the keep count, oldest first,
// never touching the release currentRelease names. Individual teardown
// failures are logged and skipped; Apply only errors when the directory
// listing itself fails. Returns the number of releases removed.
func (r *RetentionPolicy) Apply(ctx context.Context, releasesDir, currentRelease string) (int, error) {
	out, err := r.exec.Exec(ctx, sshexec.Cmd("ls", "-1", releasesDir))
	if err != nil {
		return 0, fmt.Errorf("list releases: %w", err)
	}

	names := parseReleaseListing(out)
	toRemove := releasesToRemove(names, r.Keep, currentRelease)

	removed := 0
	for _, name := range toRemove {
		path := fmt.Sprintf("%s/%s", releasesDir, name)

		// Tear down the release's container group first. Best-effort: the
		// group may never have started, or may already be gone.
		rmiMode := "local"
		if r.LocalBuild {
			rmiMode = "all"
		}
		ok, err := r.exec.ExecOk(ctx, sshexec.Cmd("docker", "compose", "down", "--rmi", rmiMode).InDir(path))
		if err != nil {
			r.logger.Warn("release teardown failed", "host", r.exec.Host(), "release", name, "error", err)
		} else if !ok {
			r.logger.Debug("release had no running containers", "host", r.exec.Host(), "release", name)
		}

		if _, err := r.exec.Exec(ctx, sshexec.Cmd("rm", "-rf", path)); err != nil {
			r.logger.Warn("failed to remove release directory", "host", r.exec.Host(), "release", name, "error", err)
			continue
		}
		removed++
	}

	return removed, nil
}

// parseReleaseListing extracts valid release names from an ls listing,
// skipping anything that is not a release directory.
func parseReleaseListing(out string) []string {
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if release.ValidName(line) {
			names = append(names, line)
		}
	}
	return names
}

// releasesToRemove picks the releases the policy deletes: everything
// past the newest keep entries, minus the current release. Result is
// oldest-first.
func releasesToRemove(names []string, keep int, current string) []string {
	if keep < 0 {
		keep = 0
	}
	sorted := append([]string(nil), names...)
	sort.Sort(sort.Reverse(sort.StringSlice(sorted)))

	if len(sorted) <= keep {
		return nil
	}

	var remove []string
	for _, name := range sorted[keep:] {
		if name == current {
			continue
		}
		remove = append(remove, name)
	}
	// Delete oldest first so an interrupted cleanup leaves the newest
	// extras in place.
	sort.Strings(remove)
	return remove
}
