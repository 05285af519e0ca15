package pipeline

import (
	"context"
	"sort"

	"github.com/artpar/shipit/internal/core/deploy"
	"github.com/artpar/shipit/internal/shell/sshexec"
)

// =============================================================================
// Release Listing
// =============================================================================

// ReleaseInfo is one deployed release on one host.
type ReleaseInfo struct {
	Name    string
	Current bool
}

// HostReleases is the release inventory of a single host.
type HostReleases struct {
	Host     string
	Releases []ReleaseInfo
	GitSHA   string
}

// ListReleases inventories the release directories on one host, newest
// first, marking the release the lock records as current. A host that
// was never deployed to returns an empty listing.
func ListReleases(ctx context.Context, exec sshexec.Executor, dctx deploy.Context) (HostReleases, error) {
	result := HostReleases{Host: exec.Host()}

	exists, err := exec.PathExists(ctx, dctx.ReleasesPath())
	if err != nil {
		return result, err
	}
	if !exists {
		return result, nil
	}

	out, err := exec.Exec(ctx, sshexec.Cmd("ls", "-1", dctx.ReleasesPath()))
	if err != nil {
		return result, err
	}
	names := parseReleaseListing(out)
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	current := ""
	lock, err := NewLockStore(exec, dctx.AppPath()).Read(ctx)
	if err != nil {
		return result, err
	}
	if lock != nil {
		current = lock.CurrentRelease
		result.GitSHA = lock.GitSHA
	}

	for _, name := range names {
		result.Releases = append(result.Releases, ReleaseInfo{
			Name:    name,
			Current: name == current,
		})
	}
	return result, nil
}
