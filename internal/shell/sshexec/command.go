package sshexec

import (
	"regexp"
	"strings"
)

// Command is a structured remote command: a program and its argument
// vector. Commands are rendered to a shell line only at the transport
// boundary, with every argument quoted, so callers never construct ad
// hoc command strings.
type Command struct {
	Program string
	Args    []string

	// Dir, when set, is the remote working directory the command runs in.
	Dir string
}

// Cmd builds a Command.
func Cmd(program string, args ...string) Command {
	return Command{Program: program, Args: args}
}

// InDir returns a copy of the command that runs in the given remote directory.
func (c Command) InDir(dir string) Command {
	c.Dir = dir
	return c
}

var safeArg = regexp.MustCompile(`^[a-zA-Z0-9_./:=@%^+,-]+$`)

// Quote quotes a single shell argument.
func Quote(arg string) string {
	if arg != "" && safeArg.MatchString(arg) {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

// Render renders the command to the shell line executed on the remote.
func (c Command) Render() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, Quote(c.Program))
	for _, a := range c.Args {
		parts = append(parts, Quote(a))
	}
	line := strings.Join(parts, " ")
	if c.Dir != "" {
		line = "cd " + Quote(c.Dir) + " && " + line
	}
	return line
}

// String returns the rendered shell line, for logs and error messages.
func (c Command) String() string {
	return c.Render()
}
