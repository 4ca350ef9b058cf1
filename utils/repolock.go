package utils

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// RepoLock serialises operations on the shared clone's own git metadata
// (fetch, worktree add/remove, branch deletion) across processes, so
// several orchestrators working off the same main repository do not race
// on it. Resetting a worktree runs inside that worktree and takes no
// RepoLock.
type RepoLock struct {
	lockFile *flock.Flock
	lockPath string
}

// NewRepoLock creates a repository lock for the given repository path.
func NewRepoLock(repoPath string) (*RepoLock, error) {
	if _, err := os.Stat(repoPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("repository path does not exist: %s", repoPath)
	}

	gitDir := filepath.Join(repoPath, ".git")
	if _, err := os.Stat(gitDir); os.IsNotExist(err) {
		return nil, fmt.Errorf("not a git repository (no .git directory): %s", repoPath)
	}

	lockPath := filepath.Join(gitDir, "pipelinehardening.lock")

	return &RepoLock{
		lockFile: flock.New(lockPath),
		lockPath: lockPath,
	}, nil
}

// TryLock attempts to acquire the repository lock.
func (rl *RepoLock) TryLock() error {
	locked, err := rl.lockFile.TryLock()
	if err != nil {
		return fmt.Errorf("failed to try lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another worker is already operating on this repository")
	}
	return nil
}

// Lock blocks until the repository lock is acquired.
func (rl *RepoLock) Lock() error {
	if err := rl.lockFile.Lock(); err != nil {
		return fmt.Errorf("failed to lock: %w", err)
	}
	return nil
}

// Unlock releases the repository lock.
func (rl *RepoLock) Unlock() error {
	if rl.lockFile == nil {
		return nil
	}
	if err := rl.lockFile.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}
	return nil
}

// LockPath returns the path to the lock file, for debugging/testing.
func (rl *RepoLock) LockPath() string {
	return rl.lockPath
}
