// Package pipeline drives the per-host deploy procedure: the twelve-step
// forward pipeline, the rollback engine, the health-check loop, the lock
// store and the release retention policy. Everything here talks to a
// host through the sshexec.Executor capability.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/artpar/shipit/internal/core/release"
	"github.com/artpar/shipit/internal/shell/sshexec"
)

// =============================================================================
// Lock Store
// =============================================================================

// LockStore reads and writes the shipit.lock record on one host.
type LockStore struct {
	exec    sshexec.Executor
	appPath string
}

// NewLockStore creates a lock store for the app path on one host.
func NewLockStore(exec sshexec.Executor, appPath string) *LockStore {
	return &LockStore{exec: exec, appPath: appPath}
}

func (s *LockStore) path() string {
	return fmt.Sprintf("%s/%s", s.appPath, release.LockFileName)
}

// Read returns the host's lock, or nil when no lock exists (a host that
// has never completed a deploy).
func (s *LockStore) Read(ctx context.Context) (*release.Lock, error) {
	exists, err := s.exec.PathExists(ctx, s.path())
	if err != nil {
		return nil, fmt.Errorf("check lock file: %w", err)
	}
	if !exists {
		return nil, nil
	}

	content, err := s.exec.Exec(ctx, sshexec.Cmd("cat", s.path()))
	if err != nil {
		return nil, fmt.Errorf("read lock file: %w", err)
	}

	lock, err := release.UnmarshalLock([]byte(strings.TrimSpace(content)))
	if err != nil {
		return nil, fmt.Errorf("lock file on %s: %w", s.exec.Host(), err)
	}
	return &lock, nil
}

// Write persists a lock. Called exactly once per successful cutover,
// after the symlink swap; never mid-pipeline.
func (s *LockStore) Write(ctx context.Context, lock release.Lock) error {
	data, err := release.MarshalLock(lock)
	if err != nil {
		return err
	}
	if err := s.exec.WriteFile(ctx, s.path(), data); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	return nil
}
