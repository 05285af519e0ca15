package deploy

import (
	"testing"
	"time"

	"github.com/artpar/shipit/internal/core/config"
	"github.com/artpar/shipit/internal/core/release"
	"github.com/stretchr/testify/assert"
)

// =============================================================================
// Test Helpers
// =============================================================================

func testContext(t *testing.T, build string) Context {
	t.Helper()
	cfg := &config.Config{
		App: config.AppConfig{Name: "myapp", Branch: "main"},
		Deploy: config.DeployConfig{
			DeployTo:   "/var/deploy",
			Build:      build,
			WebService: "web",
		},
	}
	stage := config.StageConfig{
		User:  "ops",
		Hosts: []config.HostConfig{{Address: "203.0.113.10"}},
	}
	rel := release.New(time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC))
	return NewContext(cfg, "production", stage, rel, "/home/me/myapp")
}

// =============================================================================
// Path Derivation Tests
// =============================================================================

func TestContext_RemotePaths(t *testing.T) {
	ctx := testContext(t, "remote")

	assert.Equal(t, "/var/deploy/myapp", ctx.AppPath())
	assert.Equal(t, "/var/deploy/myapp/releases", ctx.ReleasesPath())
	assert.Equal(t, "/var/deploy/myapp/releases/20250310-093000", ctx.ReleasePath())
	assert.Equal(t, "/var/deploy/myapp/current", ctx.CurrentPath())
	assert.Equal(t, "/var/deploy/myapp/shared", ctx.SharedPath())
	assert.Equal(t, "/var/deploy/myapp/shared/.env", ctx.SharedEnvPath())
	assert.Equal(t, "/var/deploy/myapp/repo", ctx.RepoPath())
	assert.Equal(t, "/var/deploy/myapp/shipit.lock", ctx.LockPath())
}

func TestContext_DerivedSettings(t *testing.T) {
	ctx := testContext(t, "local")

	assert.Equal(t, "ops", ctx.User())
	assert.Equal(t, "web", ctx.WebService())
	assert.True(t, ctx.IsLocalBuild())
	assert.Equal(t, "myapp-web:20250310-093000", ctx.ImageNameFor("web"))
	assert.Equal(t, "ssh://ops@203.0.113.10/var/deploy/myapp/repo", ctx.GitRemoteURL("203.0.113.10"))
}

func TestContext_RemoteBuild(t *testing.T) {
	ctx := testContext(t, "remote")
	assert.False(t, ctx.IsLocalBuild())
}

// =============================================================================
// Step Tests
// =============================================================================

func TestStep_Names(t *testing.T) {
	assert.Equal(t, "create release directory", StepCreateReleaseDir.String())
	assert.Equal(t, "health check", StepHealthCheck.String())
	assert.Equal(t, "clean up old releases", StepCleanupReleases.String())
	assert.Equal(t, "unknown step", Step(99).String())
}

func TestStep_IndexOrder(t *testing.T) {
	steps := []Step{
		StepCreateReleaseDir, StepPushCode, StepCheckoutCode, StepGenerateOverlay,
		StepLinkSharedEnv, StepBuildImages, StepStartNew, StepHealthCheck,
		StepStopPrevious, StepUpdateSymlink, StepUpdateLock, StepCleanupReleases,
	}

	for i, s := range steps {
		assert.Equal(t, i+1, s.Index())
	}
	assert.Equal(t, TotalSteps, steps[len(steps)-1].Index())
}
