// Command shipit deploys containerized applications to SSH-reachable
// hosts with zero-downtime cutover and one-command rollback.
package main

import (
	"fmt"
	"os"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const (
	ExitSuccess     = 0
	ExitConfigError = 1
	ExitDeployError = 2
	ExitUsageError  = 64
)

const usage = `shipit - zero-downtime deployment over SSH

Usage:
  shipit <command> [flags]

Commands:
  setup      prepare stage hosts for their first deployment
  deploy     deploy the current branch to a stage
  rollback   switch a stage back to an earlier release
  releases   list the releases present on each host
  logs       show container logs from the current release
  run        run a one-off command in the web service container
  history    show recent deploy and rollback outcomes
  secrets    manage encrypted stage secrets
  version    print version information

Run "shipit <command> -h" for command flags.
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return ExitUsageError
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "setup":
		return cmdSetup(rest)
	case "deploy":
		return cmdDeploy(rest)
	case "rollback":
		return cmdRollback(rest)
	case "releases":
		return cmdReleases(rest)
	case "logs":
		return cmdLogs(rest)
	case "run":
		return cmdRun(rest)
	case "history":
		return cmdHistory(rest)
	case "secrets":
		return cmdSecrets(rest)
	case "version", "-version", "--version":
		fmt.Printf("shipit %s (built %s)\n", Version, BuildTime)
		return ExitSuccess
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		return ExitUsageError
	}
}
