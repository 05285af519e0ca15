package pipeline

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/artpar/shipit/internal/shell/sshexec"
)

// fakeExecutor scripts a host: it records every rendered command and
// answers from in-memory file, symlink and directory maps plus a
// scripted sequence of container health statuses.
type fakeExecutor struct {
	mu sync.Mutex

	host       string
	files      map[string]string
	links      map[string]string
	dirs       map[string]bool
	transcript []string

	// failures maps a rendered-command prefix to the error Exec returns.
	failures map[string]error
	// notOK maps a rendered-command prefix to a non-zero exit for ExecOk.
	notOK map[string]bool
	// outputs maps a rendered-command prefix to scripted stdout.
	outputs map[string]string

	// healthSeq is consumed one status per docker inspect call; once
	// drained the last status repeats.
	healthSeq []string
	container string

	streamed string
	closed   bool
}

func newFakeExecutor(host string) *fakeExecutor {
	return &fakeExecutor{
		host:      host,
		files:     map[string]string{},
		links:     map[string]string{},
		dirs:      map[string]bool{},
		failures:  map[string]error{},
		notOK:     map[string]bool{},
		outputs:   map[string]string{},
		container: "cafebabe0042",
	}
}

func (f *fakeExecutor) Host() string { return f.host }

func (f *fakeExecutor) ran(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, line := range f.transcript {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

func (f *fakeExecutor) failOn(prefix string, err error) { f.failures[prefix] = err }

func (f *fakeExecutor) Exec(_ context.Context, cmd sshexec.Command) (string, error) {
	line := cmd.Render()
	f.mu.Lock()
	f.transcript = append(f.transcript, line)
	f.mu.Unlock()

	for prefix, err := range f.failures {
		if strings.HasPrefix(line, prefix) {
			return "", err
		}
	}
	for prefix, out := range f.outputs {
		if strings.HasPrefix(line, prefix) {
			return out, nil
		}
	}

	args := cmd.Args
	switch cmd.Program {
	case "mkdir":
		f.dirs[args[len(args)-1]] = true
	case "ln":
		// ln -sf target link
		f.links[args[len(args)-1]] = args[len(args)-2]
	case "cat":
		content, ok := f.files[args[0]]
		if !ok {
			return "", fmt.Errorf("cat: %s: no such file", args[0])
		}
		return content, nil
	case "readlink":
		target, ok := f.links[args[len(args)-1]]
		if !ok {
			return "", fmt.Errorf("readlink: %s: no such link", args[len(args)-1])
		}
		return target + "\n", nil
	case "ls":
		listing, ok := f.outputs["ls "+args[len(args)-1]]
		if !ok {
			var names []string
			for dir := range f.dirs {
				if strings.HasPrefix(dir, args[len(args)-1]+"/") {
					names = append(names, strings.TrimPrefix(dir, args[len(args)-1]+"/"))
				}
			}
			return strings.Join(names, "\n"), nil
		}
		return listing, nil
	case "rm":
		delete(f.dirs, args[len(args)-1])
	case "git":
		for _, a := range args {
			if a == "rev-parse" {
				return "1a2b3c4d\n", nil
			}
		}
	case "docker":
		if len(args) >= 3 && args[0] == "compose" && args[1] == "ps" && args[2] == "-q" {
			return f.container + "\n", nil
		}
		if args[0] == "inspect" {
			return f.nextHealth() + "\n", nil
		}
	}
	return "", nil
}

func (f *fakeExecutor) nextHealth() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.healthSeq) == 0 {
		return "healthy"
	}
	status := f.healthSeq[0]
	if len(f.healthSeq) > 1 {
		f.healthSeq = f.healthSeq[1:]
	}
	return status
}

func (f *fakeExecutor) ExecOk(ctx context.Context, cmd sshexec.Command) (bool, error) {
	line := cmd.Render()
	for prefix := range f.notOK {
		if strings.HasPrefix(line, prefix) {
			f.mu.Lock()
			f.transcript = append(f.transcript, line)
			f.mu.Unlock()
			return false, nil
		}
	}
	if _, err := f.Exec(ctx, cmd); err != nil {
		return false, err
	}
	return true, nil
}

func (f *fakeExecutor) StreamExec(_ context.Context, cmd sshexec.Command, stdin io.Reader) error {
	line := cmd.Render()
	f.mu.Lock()
	f.transcript = append(f.transcript, line)
	f.mu.Unlock()
	for prefix, err := range f.failures {
		if strings.HasPrefix(line, prefix) {
			return err
		}
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return err
	}
	f.streamed = string(data)
	return nil
}

func (f *fakeExecutor) PathExists(_ context.Context, path string) (bool, error) {
	if err, ok := f.failures["exists "+path]; ok {
		return false, err
	}
	_, isFile := f.files[path]
	_, isLink := f.links[path]
	return isFile || isLink || f.dirs[path], nil
}

func (f *fakeExecutor) WriteFile(_ context.Context, path string, content []byte) error {
	if err, ok := f.failures["write "+path]; ok {
		return err
	}
	f.mu.Lock()
	f.transcript = append(f.transcript, "write "+path)
	f.files[path] = string(content)
	f.mu.Unlock()
	return nil
}

func (f *fakeExecutor) AtomicSymlink(_ context.Context, target, link string) error {
	if err, ok := f.failures["symlink "+link]; ok {
		return err
	}
	f.mu.Lock()
	f.transcript = append(f.transcript, fmt.Sprintf("symlink %s -> %s", link, target))
	f.links[link] = target
	f.mu.Unlock()
	return nil
}

func (f *fakeExecutor) SudoExec(ctx context.Context, cmd sshexec.Command) (string, error) {
	return f.Exec(ctx, cmd)
}

func (f *fakeExecutor) SudoWriteFile(ctx context.Context, path string, content []byte) error {
	return f.WriteFile(ctx, path, content)
}

func (f *fakeExecutor) Close() error {
	f.closed = true
	return nil
}
