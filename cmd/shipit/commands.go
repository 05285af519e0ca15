package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/artpar/shipit/internal/core/compose"
	"github.com/artpar/shipit/internal/core/release"
	coresecrets "github.com/artpar/shipit/internal/core/secrets"
	"github.com/artpar/shipit/internal/shell/gitops"
	"github.com/artpar/shipit/internal/shell/history"
	"github.com/artpar/shipit/internal/shell/pipeline"
)

// composeFileNames are tried in order when locating the project's
// compose file.
var composeFileNames = []string{"docker-compose.yml", "docker-compose.yaml", "compose.yml", "compose.yaml"}

func commandFlags(name string) (*flag.FlagSet, *string, *string, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "path to shipit.yaml (default: auto-discover)")
	stage := fs.String("stage", "production", "target stage")
	sshKey := fs.String("ssh-key", "", "SSH private key path (default: ~/.ssh/id_ed25519)")
	return fs, configPath, stage, sshKey
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func fail(err error) int {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return ExitDeployError
}

// =============================================================================
// setup
// =============================================================================

func cmdSetup(args []string) int {
	fs, configPath, stage, sshKey := commandFlags("setup")
	fs.Parse(args)

	env, err := loadEnv(*configPath, *stage, *sshKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}

	ctx, cancel := signalContext()
	defer cancel()

	dctx := env.deployContext(release.New(time.Now().UTC()))
	setup := pipeline.NewSetup(dctx, env.executorFactory(), env.logger)
	if err := setup.Run(ctx); err != nil {
		return fail(err)
	}
	fmt.Printf("stage %s ready: %d host(s) prepared\n", env.stageName, len(env.stage.Hosts))
	return ExitSuccess
}

// =============================================================================
// deploy
// =============================================================================

func cmdDeploy(args []string) int {
	fs, configPath, stage, sshKey := commandFlags("deploy")
	fs.Parse(args)

	env, err := loadEnv(*configPath, *stage, *sshKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}

	ctx, cancel := signalContext()
	defer cancel()

	rel := release.New(time.Now().UTC())
	dctx := env.deployContext(rel)

	built, err := detectBuiltServices(env, dctx.ImageNameFor)
	if err != nil {
		return fail(err)
	}

	secretsStore, err := env.secretsStore()
	if err != nil {
		return fail(err)
	}

	var builder pipeline.ImageBuilder
	if dctx.IsLocalBuild() {
		b, err := gitops.NewBuilder(env.projectRoot, env.cfg.App.Name, env.logger)
		if err != nil {
			return fail(err)
		}
		defer b.Close()
		builder = b
	}

	recorder, closeRecorder := openRecorder(env)
	defer closeRecorder()

	deployer := pipeline.NewDeployer(
		dctx,
		env.executorFactory(),
		secretsStore,
		gitops.NewPusher(env.projectRoot, env.logger),
		builder,
		built,
		recorder,
		env.logger,
	)
	if err := deployer.Deploy(ctx); err != nil {
		return fail(err)
	}
	fmt.Printf("deployed %s to %s\n", rel.Name, env.stageName)
	return ExitSuccess
}

// detectBuiltServices reads the project compose file and pins a
// release-tagged image name to every service with a build directive.
func detectBuiltServices(env *appEnv, imageName func(string) string) ([]compose.BuiltService, error) {
	for _, name := range composeFileNames {
		content, err := os.ReadFile(filepath.Join(env.projectRoot, name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		return compose.DetectBuiltServices(string(content), imageName)
	}
	return nil, fmt.Errorf("no compose file found in %s (tried %v)", env.projectRoot, composeFileNames)
}

// openRecorder opens the history database. History is an aid, not a
// requirement: when it cannot be opened the deploy proceeds unrecorded.
func openRecorder(env *appEnv) (pipeline.Recorder, func()) {
	dsn := env.cfg.History.DSN
	if dsn == "" {
		return nil, func() {}
	}
	if !filepath.IsAbs(dsn) {
		dsn = filepath.Join(env.projectRoot, dsn)
	}
	store, err := history.Open(dsn)
	if err != nil {
		env.logger.Warn("history database unavailable", "dsn", dsn, "error", err)
		return nil, func() {}
	}
	return store, func() { store.Close() }
}

// =============================================================================
// rollback
// =============================================================================

func cmdRollback(args []string) int {
	fs, configPath, stage, sshKey := commandFlags("rollback")
	target := fs.String("release", "", "release to roll back to (default: the previous release)")
	fs.Parse(args)

	env, err := loadEnv(*configPath, *stage, *sshKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}

	ctx, cancel := signalContext()
	defer cancel()

	recorder, closeRecorder := openRecorder(env)
	defer closeRecorder()

	dctx := env.deployContext(release.New(time.Now().UTC()))
	rollbacker := pipeline.NewRollbacker(dctx, env.executorFactory(), recorder, env.logger)
	if err := rollbacker.Rollback(ctx, *target); err != nil {
		return fail(err)
	}
	fmt.Printf("rolled back %s\n", env.stageName)
	return ExitSuccess
}

// =============================================================================
// releases
// =============================================================================

func cmdReleases(args []string) int {
	fs, configPath, stage, sshKey := commandFlags("releases")
	fs.Parse(args)

	env, err := loadEnv(*configPath, *stage, *sshKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}

	ctx, cancel := signalContext()
	defer cancel()

	dctx := env.deployContext(release.New(time.Now().UTC()))
	factory := env.executorFactory()

	for _, host := range env.stage.Hosts {
		exec, err := factory(host)
		if err != nil {
			return fail(err)
		}
		listing, err := pipeline.ListReleases(ctx, exec, dctx)
		exec.Close()
		if err != nil {
			return fail(err)
		}

		fmt.Println(hostHeader(listing))
		if len(listing.Releases) == 0 {
			fmt.Println("  (no releases)")
			continue
		}
		for _, rel := range listing.Releases {
			marker := "  "
			if rel.Current {
				marker = "* "
			}
			fmt.Printf("  %s%s\n", marker, rel.Name)
		}
	}
	return ExitSuccess
}

// hostHeader formats a host's listing header, including the deployed
// git revision when the host's lock records one.
func hostHeader(listing pipeline.HostReleases) string {
	if listing.GitSHA != "" {
		return fmt.Sprintf("%s (git %s):", listing.Host, listing.GitSHA)
	}
	return listing.Host + ":"
}

// =============================================================================
// logs
// =============================================================================

func cmdLogs(args []string) int {
	fs, configPath, stage, sshKey := commandFlags("logs")
	service := fs.String("service", "", "limit logs to one compose service")
	lines := fs.Int("lines", 100, "number of log lines to show")
	fs.Parse(args)

	env, err := loadEnv(*configPath, *stage, *sshKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}

	ctx, cancel := signalContext()
	defer cancel()

	dctx := env.deployContext(release.New(time.Now().UTC()))
	exec, err := env.executorFactory()(env.stage.Hosts[0])
	if err != nil {
		return fail(err)
	}
	defer exec.Close()

	out, err := pipeline.Logs(ctx, exec, dctx, *service, *lines)
	if err != nil {
		return fail(err)
	}
	fmt.Print(out)
	return ExitSuccess
}

// =============================================================================
// run
// =============================================================================

func cmdRun(args []string) int {
	fs, configPath, stage, sshKey := commandFlags("run")
	fs.Parse(args)

	command := fs.Args()
	if len(command) == 0 {
		fmt.Fprintln(os.Stderr, "usage: shipit run [flags] <command> [args...]")
		return ExitUsageError
	}

	env, err := loadEnv(*configPath, *stage, *sshKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}

	ctx, cancel := signalContext()
	defer cancel()

	dctx := env.deployContext(release.New(time.Now().UTC()))
	exec, err := env.executorFactory()(env.stage.Hosts[0])
	if err != nil {
		return fail(err)
	}
	defer exec.Close()

	out, err := pipeline.RunCommand(ctx, exec, dctx, command)
	if err != nil {
		return fail(err)
	}
	fmt.Print(out)
	return ExitSuccess
}

// =============================================================================
// history
// =============================================================================

func cmdHistory(args []string) int {
	fs, configPath, stage, sshKey := commandFlags("history")
	limit := fs.Int("n", 20, "number of records to show")
	fs.Parse(args)

	env, err := loadEnv(*configPath, *stage, *sshKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}

	recorder, closeRecorder := openRecorder(env)
	defer closeRecorder()
	store, ok := recorder.(*history.Store)
	if !ok {
		fmt.Fprintln(os.Stderr, "error: no history database configured")
		return ExitConfigError
	}

	records, err := store.Recent(context.Background(), env.stageName, *limit)
	if err != nil {
		return fail(err)
	}
	for _, rec := range records {
		fmt.Printf("%s  %-8s  %-7s  %-15s  %s  (%s)\n",
			rec.StartedAt.Local().Format("2006-01-02 15:04:05"),
			rec.Action,
			rec.Outcome,
			rec.Host,
			rec.Release,
			rec.Duration.Round(time.Millisecond),
		)
	}
	return ExitSuccess
}

// =============================================================================
// secrets
// =============================================================================

const secretsUsage = `Usage:
  shipit secrets init  [flags]              generate the age identity
  shipit secrets set   [flags] KEY=VALUE    set one secret
  shipit secrets unset [flags] KEY          remove one secret
  shipit secrets show  [flags]              print decrypted secrets
`

func cmdSecrets(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, secretsUsage)
		return ExitUsageError
	}
	sub, rest := args[0], args[1:]

	fs, configPath, stage, sshKey := commandFlags("secrets " + sub)
	fs.Parse(rest)

	env, err := loadEnv(*configPath, *stage, *sshKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}
	store, err := env.secretsStore()
	if err != nil {
		return fail(err)
	}

	switch sub {
	case "init":
		recipient, err := store.InitIdentity()
		if err != nil {
			return fail(err)
		}
		fmt.Printf("identity created; public recipient:\n%s\n", recipient)
		fmt.Println("add it to secrets.recipients in shipit.yaml to share access")
		return ExitSuccess

	case "set":
		if fs.NArg() != 1 {
			fmt.Fprint(os.Stderr, secretsUsage)
			return ExitUsageError
		}
		key, value, found := splitKeyValue(fs.Arg(0))
		if !found {
			fmt.Fprintln(os.Stderr, "error: expected KEY=VALUE")
			return ExitUsageError
		}
		if err := store.Set(env.stageName, key, value); err != nil {
			return fail(err)
		}
		return ExitSuccess

	case "unset":
		if fs.NArg() != 1 {
			fmt.Fprint(os.Stderr, secretsUsage)
			return ExitUsageError
		}
		if err := store.Unset(env.stageName, fs.Arg(0)); err != nil {
			return fail(err)
		}
		return ExitSuccess

	case "show":
		values, err := store.ReadSecrets(env.stageName)
		if err != nil {
			return fail(err)
		}
		fmt.Print(coresecrets.SerializeDotenv(values))
		return ExitSuccess

	default:
		fmt.Fprintf(os.Stderr, "unknown secrets command %q\n\n%s", sub, secretsUsage)
		return ExitUsageError
	}
}

func splitKeyValue(arg string) (key, value string, found bool) {
	return strings.Cut(arg, "=")
}
