package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/shipit/internal/core/deploy"
)

func consoleHost(dctx deploy.Context, releasePath string) *fakeExecutor {
	exec := newFakeExecutor("10.0.0.1")
	exec.links[dctx.CurrentPath()] = releasePath
	exec.dirs[releasePath] = true
	return exec
}

func TestLogsRunInCurrentRelease(t *testing.T) {
	dctx := testContext("remote")
	releasePath := dctx.ReleasesPath() + "/20260829-090000"
	exec := consoleHost(dctx, releasePath)
	exec.outputs["cd "+releasePath+" && docker compose logs"] = "web  | listening on :8080\n"

	out, err := Logs(context.Background(), exec, dctx, "", 200)
	require.NoError(t, err)
	assert.Equal(t, "web  | listening on :8080\n", out)
	assert.True(t, exec.ran("cd "+releasePath+" && docker compose logs --tail 200"))
}

func TestLogsScopedToService(t *testing.T) {
	dctx := testContext("remote")
	releasePath := dctx.ReleasesPath() + "/20260829-090000"
	exec := consoleHost(dctx, releasePath)

	_, err := Logs(context.Background(), exec, dctx, "worker", 50)
	require.NoError(t, err)
	assert.True(t, exec.ran("cd "+releasePath+" && docker compose logs --tail 50 worker"))
}

func TestLogsWithoutCurrentRelease(t *testing.T) {
	dctx := testContext("remote")
	exec := newFakeExecutor("10.0.0.1")

	_, err := Logs(context.Background(), exec, dctx, "", 200)
	assert.ErrorIs(t, err, ErrNoCurrentRelease)
}

func TestRunCommandExecsInWebService(t *testing.T) {
	dctx := testContext("remote")
	releasePath := dctx.ReleasesPath() + "/20260829-090000"
	exec := consoleHost(dctx, releasePath)
	exec.outputs["cd "+releasePath+" && docker compose exec"] = "ok\n"

	out, err := RunCommand(context.Background(), exec, dctx, []string{"bin/rails", "db:migrate"})
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)
	assert.True(t, exec.ran("cd "+releasePath+" && docker compose exec -T web bin/rails db:migrate"))
}

func TestRunCommandRequiresCommand(t *testing.T) {
	dctx := testContext("remote")
	exec := newFakeExecutor("10.0.0.1")

	_, err := RunCommand(context.Background(), exec, dctx, nil)
	assert.Error(t, err)
}

func TestRunCommandWithoutCurrentRelease(t *testing.T) {
	dctx := testContext("remote")
	exec := newFakeExecutor("10.0.0.1")

	_, err := RunCommand(context.Background(), exec, dctx, []string{"sh"})
	assert.ErrorIs(t, err, ErrNoCurrentRelease)
}
