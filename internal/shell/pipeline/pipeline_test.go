package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/shipit/internal/core/compose"
	"github.com/artpar/shipit/internal/core/config"
	"github.com/artpar/shipit/internal/core/deploy"
	"github.com/artpar/shipit/internal/core/release"
)

// =============================================================================
// Test Fixtures
// =============================================================================

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testContext(build string) deploy.Context {
	cfg := &config.Config{
		App: config.AppConfig{Name: "myapp", Branch: "main"},
		Deploy: config.DeployConfig{
			DeployTo:     "/var/deploy",
			KeepReleases: 3,
			Build:        build,
			WebService:   "web",
			HealthCheck: config.HealthCheckConfig{
				Path:     "/health",
				Port:     8080,
				Interval: time.Millisecond,
				Retries:  3,
				Timeout:  time.Minute,
			},
		},
		Stages: map[string]config.StageConfig{
			"production": {
				User:  "deploy",
				Hosts: []config.HostConfig{{Address: "10.0.0.1"}},
				Traefik: &config.TraefikConfig{
					Domain: "myapp.example.com",
					TLS:    true,
				},
			},
		},
	}
	rel := release.Release{Name: "20260830-120000"}
	return deploy.NewContext(cfg, "production", cfg.Stages["production"], rel, "/work/myapp")
}

type fakeSecrets struct {
	env       map[string]string
	hash      string
	has       bool
	readCalls int
}

func (s *fakeSecrets) ReadDecryptedEnv(string) (map[string]string, error) {
	s.readCalls++
	return s.env, nil
}

func (s *fakeSecrets) ContentHash(string) (string, bool, error) {
	return s.hash, s.has, nil
}

type fakePusher struct {
	remotes []string
	err     error
}

func (p *fakePusher) Push(_ context.Context, remoteURL, _ string) error {
	p.remotes = append(p.remotes, remoteURL)
	return p.err
}

type fakeBuilder struct {
	built    bool
	tags     []string
	saved    []string
	buildErr error
}

func (b *fakeBuilder) Build(context.Context) error {
	b.built = true
	return b.buildErr
}

func (b *fakeBuilder) Tag(_ context.Context, source, target string) error {
	b.tags = append(b.tags, source+" -> "+target)
	return nil
}

func (b *fakeBuilder) Save(_ context.Context, images []string) (io.ReadCloser, error) {
	b.saved = images
	return io.NopCloser(strings.NewReader("image-tarball")), nil
}

func newTestPipeline(exec *fakeExecutor, secrets *fakeSecrets) (*Pipeline, deploy.Context) {
	dctx := testContext("remote")
	p := NewPipeline(dctx, exec, secrets, &fakePusher{}, nil, nil, discardLogger())
	return p, dctx
}

func writeLockFixture(t *testing.T, exec *fakeExecutor, dctx deploy.Context, lock release.Lock) {
	t.Helper()
	data, err := release.MarshalLock(lock)
	require.NoError(t, err)
	exec.files[dctx.LockPath()] = string(data)
}

func readLockFixture(t *testing.T, exec *fakeExecutor, dctx deploy.Context) release.Lock {
	t.Helper()
	content, ok := exec.files[dctx.LockPath()]
	require.True(t, ok, "lock file should exist")
	lock, err := release.UnmarshalLock([]byte(content))
	require.NoError(t, err)
	return lock
}

// =============================================================================
// Forward Pipeline
// =============================================================================

func TestPipelineFirstDeploy(t *testing.T) {
	exec := newFakeExecutor("10.0.0.1")
	secrets := &fakeSecrets{has: false}
	p, dctx := newTestPipeline(exec, secrets)

	err := p.Run(context.Background(), "10.0.0.1")
	require.NoError(t, err)

	// Release directory created and code checked out into it.
	assert.True(t, exec.dirs[dctx.ReleasePath()])
	assert.True(t, exec.ran("git --work-tree="+dctx.ReleasePath()))

	// Overlay written into the release directory.
	overlay, ok := exec.files[dctx.ReleasePath()+"/docker-compose.override.yml"]
	require.True(t, ok)
	assert.Contains(t, overlay, "traefik.http.routers.myapp-web-20260830-120000")
	assert.Contains(t, overlay, "myapp.example.com")

	// Cutover happened: symlink points at the new release.
	assert.Equal(t, dctx.ReleasePath(), exec.links[dctx.CurrentPath()])

	// First deploy records no previous release and no secrets hash.
	lock := readLockFixture(t, exec, dctx)
	assert.Equal(t, "20260830-120000", lock.CurrentRelease)
	assert.Nil(t, lock.PreviousRelease)
	assert.Nil(t, lock.SecretsHash)
	assert.Equal(t, "1a2b3c4d", lock.GitSHA)
}

func TestPipelineSecondDeployRecordsPrevious(t *testing.T) {
	exec := newFakeExecutor("10.0.0.1")
	secrets := &fakeSecrets{has: false}
	p, dctx := newTestPipeline(exec, secrets)

	oldRelease := dctx.ReleasesPath() + "/20260829-090000"
	exec.dirs[oldRelease] = true
	exec.links[dctx.CurrentPath()] = oldRelease
	writeLockFixture(t, exec, dctx, release.NewLock("20260829-090000", nil, "deadbeef", nil, time.Now()))

	err := p.Run(context.Background(), "10.0.0.1")
	require.NoError(t, err)

	// The running previous release was stopped before the cutover.
	assert.True(t, exec.ran("cd "+oldRelease+" && docker compose down"))

	lock := readLockFixture(t, exec, dctx)
	assert.Equal(t, "20260830-120000", lock.CurrentRelease)
	require.NotNil(t, lock.PreviousRelease)
	assert.Equal(t, "20260829-090000", *lock.PreviousRelease)
}

func TestPipelineSymlinkWrittenBeforeLock(t *testing.T) {
	exec := newFakeExecutor("10.0.0.1")
	p, dctx := newTestPipeline(exec, &fakeSecrets{})

	require.NoError(t, p.Run(context.Background(), "10.0.0.1"))

	symlinkAt, lockAt := -1, -1
	for i, line := range exec.transcript {
		if strings.HasPrefix(line, "symlink "+dctx.CurrentPath()) {
			symlinkAt = i
		}
		if line == "write "+dctx.LockPath() {
			lockAt = i
		}
	}
	require.GreaterOrEqual(t, symlinkAt, 0)
	require.GreaterOrEqual(t, lockAt, 0)
	assert.Less(t, symlinkAt, lockAt, "lock must only be written after the symlink swap")
}

func TestPipelineHealthFailureCompensates(t *testing.T) {
	exec := newFakeExecutor("10.0.0.1")
	p, dctx := newTestPipeline(exec, &fakeSecrets{})

	oldRelease := dctx.ReleasesPath() + "/20260829-090000"
	exec.dirs[oldRelease] = true
	exec.links[dctx.CurrentPath()] = oldRelease
	writeLockFixture(t, exec, dctx, release.NewLock("20260829-090000", nil, "deadbeef", nil, time.Now()))
	exec.healthSeq = []string{"starting", "unhealthy"}

	err := p.Run(context.Background(), "10.0.0.1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnhealthy)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, deploy.StepHealthCheck, stepErr.Step)
	assert.Equal(t, "10.0.0.1", stepErr.Host)

	// Only the new release was torn down.
	assert.True(t, exec.ran("cd "+dctx.ReleasePath()+" && docker compose down"))
	assert.False(t, exec.ran("cd "+oldRelease+" && docker compose down"))

	// Symlink and lock still describe the previous release.
	assert.Equal(t, oldRelease, exec.links[dctx.CurrentPath()])
	lock := readLockFixture(t, exec, dctx)
	assert.Equal(t, "20260829-090000", lock.CurrentRelease)
}

func TestPipelineHealthTimeoutCompensates(t *testing.T) {
	exec := newFakeExecutor("10.0.0.1")
	p, dctx := newTestPipeline(exec, &fakeSecrets{})
	exec.healthSeq = []string{"starting"} // never becomes healthy

	err := p.Run(context.Background(), "10.0.0.1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHealthCheckTimeout)

	assert.True(t, exec.ran("cd "+dctx.ReleasePath()+" && docker compose down"))
	_, hasLock := exec.files[dctx.LockPath()]
	assert.False(t, hasLock, "no lock may be written on a failed first deploy")
}

func TestPipelineFailedStepStopsRun(t *testing.T) {
	exec := newFakeExecutor("10.0.0.1")
	p, dctx := newTestPipeline(exec, &fakeSecrets{})
	exec.failOn("git --work-tree=", errors.New("checkout failed"))

	err := p.Run(context.Background(), "10.0.0.1")
	require.Error(t, err)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, deploy.StepCheckoutCode, stepErr.Step)

	// Nothing after the failed step ran.
	assert.False(t, exec.ran("cd "+dctx.ReleasePath()+" && docker compose up"))
	_, hasLock := exec.files[dctx.LockPath()]
	assert.False(t, hasLock)
}

func TestPipelineRequiresTraefikConfig(t *testing.T) {
	exec := newFakeExecutor("10.0.0.1")
	dctx := testContext("remote")
	stage := dctx.Stage
	stage.Traefik = nil
	dctx = deploy.NewContext(dctx.Config, dctx.StageName, stage, dctx.Release, dctx.ProjectRoot)

	p := NewPipeline(dctx, exec, &fakeSecrets{}, &fakePusher{}, nil, nil, discardLogger())
	err := p.Run(context.Background(), "10.0.0.1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoTraefikConfig)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, deploy.StepGenerateOverlay, stepErr.Step)
}

func TestPipelinePushesToHostRemote(t *testing.T) {
	exec := newFakeExecutor("10.0.0.1")
	dctx := testContext("remote")
	pusher := &fakePusher{}
	p := NewPipeline(dctx, exec, &fakeSecrets{}, pusher, nil, nil, discardLogger())

	require.NoError(t, p.Run(context.Background(), "10.0.0.1"))
	require.Len(t, pusher.remotes, 1)
	assert.Equal(t, "ssh://deploy@10.0.0.1/var/deploy/myapp/repo", pusher.remotes[0])
}

// =============================================================================
// Secrets Handling
// =============================================================================

func TestPipelineDecryptsSecretsOnHashChange(t *testing.T) {
	exec := newFakeExecutor("10.0.0.1")
	secrets := &fakeSecrets{
		env:  map[string]string{"DATABASE_URL": "postgres://db/app"},
		hash: "hash-v2",
		has:  true,
	}
	p, dctx := newTestPipeline(exec, secrets)

	oldHash := "hash-v1"
	writeLockFixture(t, exec, dctx, release.NewLock("20260829-090000", nil, "deadbeef", &oldHash, time.Now()))

	require.NoError(t, p.Run(context.Background(), "10.0.0.1"))

	assert.Equal(t, 1, secrets.readCalls)
	assert.Equal(t, "DATABASE_URL=postgres://db/app\n", exec.files[dctx.SharedEnvPath()])
	assert.True(t, exec.ran("chmod 600 "+dctx.SharedEnvPath()))

	lock := readLockFixture(t, exec, dctx)
	require.NotNil(t, lock.SecretsHash)
	assert.Equal(t, "hash-v2", *lock.SecretsHash)
}

func TestPipelineSkipsDecryptionWhenHashUnchanged(t *testing.T) {
	exec := newFakeExecutor("10.0.0.1")
	secrets := &fakeSecrets{hash: "hash-v1", has: true}
	p, dctx := newTestPipeline(exec, secrets)

	sameHash := "hash-v1"
	writeLockFixture(t, exec, dctx, release.NewLock("20260829-090000", nil, "deadbeef", &sameHash, time.Now()))
	exec.files[dctx.SharedEnvPath()] = "DATABASE_URL=postgres://db/app\n"

	require.NoError(t, p.Run(context.Background(), "10.0.0.1"))

	assert.Equal(t, 0, secrets.readCalls, "unchanged secrets must not be decrypted")
	// The release still links the shared env file.
	assert.Equal(t, dctx.SharedEnvPath(), exec.links[dctx.ReleasePath()+"/.env"])

	lock := readLockFixture(t, exec, dctx)
	require.NotNil(t, lock.SecretsHash)
	assert.Equal(t, "hash-v1", *lock.SecretsHash)
}

// =============================================================================
// Build Modes
// =============================================================================

func TestPipelineRemoteBuild(t *testing.T) {
	exec := newFakeExecutor("10.0.0.1")
	p, dctx := newTestPipeline(exec, &fakeSecrets{})

	require.NoError(t, p.Run(context.Background(), "10.0.0.1"))
	assert.True(t, exec.ran("cd "+dctx.ReleasePath()+" && docker compose build"))
}

func TestPipelineLocalBuildStreamsImages(t *testing.T) {
	exec := newFakeExecutor("10.0.0.1")
	dctx := testContext("local")
	builder := &fakeBuilder{}
	built := []compose.BuiltService{
		{Name: "web", Image: "myapp-web:20260830-120000"},
		{Name: "worker", Image: "myapp-worker:20260830-120000"},
	}
	p := NewPipeline(dctx, exec, &fakeSecrets{}, &fakePusher{}, builder, built, discardLogger())

	require.NoError(t, p.Run(context.Background(), "10.0.0.1"))

	assert.True(t, builder.built)
	assert.Contains(t, builder.tags, "myapp-web:latest -> myapp-web:20260830-120000")
	assert.Contains(t, builder.tags, "myapp-worker:latest -> myapp-worker:20260830-120000")
	assert.Equal(t, []string{"myapp-web:20260830-120000", "myapp-worker:20260830-120000"}, builder.saved)

	// Tarball streamed into docker load, no remote build.
	assert.True(t, exec.ran("docker load"))
	assert.Equal(t, "image-tarball", exec.streamed)
	assert.False(t, exec.ran("cd "+dctx.ReleasePath()+" && docker compose build"))
}

// =============================================================================
// Retention
// =============================================================================

func TestPipelineCleanupFailureDoesNotFailDeploy(t *testing.T) {
	exec := newFakeExecutor("10.0.0.1")
	p, dctx := newTestPipeline(exec, &fakeSecrets{})
	exec.failOn("ls -1 "+dctx.ReleasesPath(), errors.New("listing failed"))

	err := p.Run(context.Background(), "10.0.0.1")
	assert.NoError(t, err, "cleanup is best-effort")
}
