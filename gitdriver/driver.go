// Package gitdriver implements ports.VCSDriver against the git CLI. It is
// the one concrete version-control backend the worktree pool ships with;
// the pool itself only ever calls through the ports.VCSDriver interface.
package gitdriver

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/PROACTIVA-US/pipelinehardening/core/log"
	"github.com/PROACTIVA-US/pipelinehardening/utils"
)

// Driver runs git commands against a single shared repository (the "main"
// clone the worktrees branch off of). Operations that touch the shared
// repo's own git metadata (fetch, worktree add/remove) are serialised with
// repoMu in-process and, when a .git directory is present, with a
// utils.RepoLock across processes.
type Driver struct {
	repoPath string
	repoMu   sync.Mutex
	repoLock *utils.RepoLock
}

// New returns a Driver rooted at repoPath, the path to the shared git clone
// that worktrees are created from.
func New(repoPath string) *Driver {
	d := &Driver{repoPath: repoPath}
	if lock, err := utils.NewRepoLock(repoPath); err == nil {
		d.repoLock = lock
	}
	return d
}

// withRepoLock serialises f against both other goroutines in this process
// and, best-effort, other processes sharing repoPath.
func (d *Driver) withRepoLock(f func() error) error {
	d.repoMu.Lock()
	defer d.repoMu.Unlock()

	if d.repoLock != nil {
		if err := d.repoLock.Lock(); err != nil {
			log.Warn("⚠️ gitdriver: failed to acquire cross-process repo lock, continuing in-process only: %v", err)
		} else {
			defer func() {
				if err := d.repoLock.Unlock(); err != nil {
					log.Warn("⚠️ gitdriver: failed to release repo lock: %v", err)
				}
			}()
		}
	}
	return f()
}

func (d *Driver) cmd(ctx context.Context, dir string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	return cmd
}

func (d *Driver) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := d.cmd(ctx, dir, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s failed: %w\noutput: %s", strings.Join(args, " "), err, string(output))
	}
	return string(output), nil
}

// runWithRetry retries recoverable network errors (fetch, remote show) with
// exponential backoff, grounded on the teacher's executeWithRetry.
func (d *Driver) runWithRetry(ctx context.Context, dir, opName string, args ...string) (string, error) {
	var output string
	operation := func() error {
		out, err := d.run(ctx, dir, args...)
		if err != nil {
			if isRecoverableError(err) {
				log.Info("⏳ %s: recoverable error, retrying...", opName)
				return err
			}
			return backoff.Permanent(err)
		}
		output = out
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 1 * time.Minute

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return "", err
	}
	return output, nil
}

func isRecoverableError(err error) bool {
	s := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "i/o timeout", "connection timed out", "dial tcp", "context deadline exceeded", "could not resolve host"} {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

// CreateWorktree creates a new worktree at path on a fresh branch. If
// baseRef is non-empty the branch is created from that ref (e.g.
// "origin/main"); otherwise from the current HEAD of the shared repo.
func (d *Driver) CreateWorktree(ctx context.Context, path, branch, baseRef string) error {
	return d.withRepoLock(func() error {
		args := []string{"worktree", "add", path, "-b", branch}
		if baseRef != "" {
			args = append(args, baseRef)
		}
		_, err := d.run(ctx, d.repoPath, args...)
		return err
	})
}

// RemoveWorktree force-removes a worktree, discarding any uncommitted state.
func (d *Driver) RemoveWorktree(ctx context.Context, path string) error {
	return d.withRepoLock(func() error {
		_, err := d.run(ctx, d.repoPath, "worktree", "remove", path, "--force")
		return err
	})
}

// ResetWorktree implements the pool's reset-on-release algorithm (spec
// §4.1): discard tracked and untracked changes, then hard-reset to the
// dedicated branch's own tip so the worktree returns to exactly what was
// committed on that branch, not to some external ref.
func (d *Driver) ResetWorktree(ctx context.Context, path, branch string) error {
	if _, err := d.run(ctx, path, "clean", "-fdx"); err != nil {
		return fmt.Errorf("clean untracked: %w", err)
	}
	if _, err := d.run(ctx, path, "reset", "--hard", branch); err != nil {
		return fmt.Errorf("reset to branch tip: %w", err)
	}
	return nil
}

// IntegrityCheck runs a cheap structural probe of the worktree's git
// metadata. A worktree that fails this check is not safe to hand back out.
func (d *Driver) IntegrityCheck(ctx context.Context, path string) (bool, error) {
	if _, err := d.run(ctx, path, "rev-parse", "--verify", "HEAD"); err != nil {
		return false, nil
	}
	if _, err := d.run(ctx, path, "status", "--porcelain=v1"); err != nil {
		return false, nil
	}
	return true, nil
}

// FetchOrigin fetches updates from origin. Safe for concurrent callers: it
// only updates remote-tracking refs, never a worktree's own branch.
func (d *Driver) FetchOrigin(ctx context.Context) error {
	return d.withRepoLock(func() error {
		_, err := d.runWithRetry(ctx, d.repoPath, "fetch origin", "fetch", "origin")
		return err
	})
}

// DefaultBranch returns origin's HEAD branch name.
func (d *Driver) DefaultBranch(ctx context.Context) (string, error) {
	output, err := d.runWithRetry(ctx, d.repoPath, "remote show origin", "remote", "show", "origin")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "HEAD branch:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "HEAD branch:")), nil
		}
	}
	return "", fmt.Errorf("could not determine default branch from remote show output")
}

// OriginCommit returns the commit hash origin/<branch> currently points at.
// The worktree pool does not call it.
func (d *Driver) OriginCommit(ctx context.Context, branch string) (string, error) {
	output, err := d.run(ctx, d.repoPath, "rev-parse", "origin/"+branch)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// WorktreeExists reports whether path is a worktree git currently tracks.
func (d *Driver) WorktreeExists(path string) bool {
	output, err := d.run(context.Background(), d.repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return false
	}
	normalized, err := filepath.EvalSymlinks(path)
	if err != nil {
		normalized = path
	}
	for _, line := range strings.Split(output, "\n") {
		if wt, ok := strings.CutPrefix(line, "worktree "); ok && wt == normalized {
			return true
		}
	}
	return false
}

// DeleteLocalBranch removes a local branch, used to tear down a lease's
// dedicated branch during cleanup or destroy-and-recreate.
func (d *Driver) DeleteLocalBranch(ctx context.Context, branch string) error {
	return d.withRepoLock(func() error {
		_, err := d.run(ctx, d.repoPath, "branch", "-D", branch)
		return err
	})
}

// CurrentBranch returns the branch checked out at path, used during orphan
// reclamation to confirm a stale directory belongs to this pool's naming
// convention before folding it back in.
func (d *Driver) CurrentBranch(ctx context.Context, path string) (string, error) {
	output, err := d.run(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}
