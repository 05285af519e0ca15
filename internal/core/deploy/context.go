// Package deploy defines the immutable per-invocation deploy context and
// the discrete pipeline step enumeration.
// This is part of the Functional Core - all functions are pure with no I/O.
package deploy

import (
	"fmt"

	"github.com/artpar/shipit/internal/core/config"
	"github.com/artpar/shipit/internal/core/release"
)

// Context bundles the resolved configuration, the target stage and one
// Release for a single orchestrator invocation. It is immutable: every
// host targeted by the invocation shares the same Context (and therefore
// the same release name); per-host outcomes stay independent.
type Context struct {
	Config      *config.Config
	StageName   string
	Stage       config.StageConfig
	Release     release.Release
	ProjectRoot string
}

// NewContext composes a deploy context for one invocation.
func NewContext(cfg *config.Config, stageName string, stage config.StageConfig, rel release.Release, projectRoot string) Context {
	return Context{
		Config:      cfg,
		StageName:   stageName,
		Stage:       stage,
		Release:     rel,
		ProjectRoot: projectRoot,
	}
}

// =============================================================================
// Remote Path Derivation
// =============================================================================

// AppPath returns the per-app base directory on a host.
func (c Context) AppPath() string {
	return c.Config.AppPath()
}

// ReleasePath returns this release's directory on a host.
func (c Context) ReleasePath() string {
	return fmt.Sprintf("%s/releases/%s", c.AppPath(), c.Release.Name)
}

// ReleasesPath returns the directory holding all release directories.
func (c Context) ReleasesPath() string {
	return fmt.Sprintf("%s/releases", c.AppPath())
}

// CurrentPath returns the path of the current symlink.
func (c Context) CurrentPath() string {
	return fmt.Sprintf("%s/current", c.AppPath())
}

// SharedPath returns the directory holding cross-release state (.env).
func (c Context) SharedPath() string {
	return fmt.Sprintf("%s/shared", c.AppPath())
}

// SharedEnvPath returns the shared environment file.
func (c Context) SharedEnvPath() string {
	return fmt.Sprintf("%s/shared/.env", c.AppPath())
}

// RepoPath returns the bare git repository used as the code-transfer channel.
func (c Context) RepoPath() string {
	return fmt.Sprintf("%s/repo", c.AppPath())
}

// LockPath returns the lock file path on a host.
func (c Context) LockPath() string {
	return fmt.Sprintf("%s/%s", c.AppPath(), release.LockFileName)
}

// =============================================================================
// Derived Settings
// =============================================================================

// User returns the SSH user deploys run as.
func (c Context) User() string {
	return c.Stage.SSHUser()
}

// WebService returns the compose service that is health-checked.
func (c Context) WebService() string {
	return c.Config.Deploy.WebService
}

// IsLocalBuild reports whether images are built on the operator's machine.
func (c Context) IsLocalBuild() bool {
	return c.Config.Deploy.Build == "local"
}

// ImageNameFor returns the release-tagged image name for a built service.
func (c Context) ImageNameFor(service string) string {
	return fmt.Sprintf("%s-%s:%s", c.Config.App.Name, service, c.Release.Name)
}

// GitRemoteURL returns the push URL for a host's bare repository.
func (c Context) GitRemoteURL(hostAddress string) string {
	return fmt.Sprintf("ssh://%s@%s%s", c.User(), hostAddress, c.RepoPath())
}
