package wtpool

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/PROACTIVA-US/pipelinehardening/gitdriver"
)

// faultyDriver wraps a real gitdriver.Driver and lets tests inject
// persistent failures into ResetWorktree and CreateWorktree, to exercise
// the pool's RESET_FAILURE recycling and drop paths without depending on
// actual git corruption.
type faultyDriver struct {
	*gitdriver.Driver

	mu         sync.Mutex
	failReset  bool
	failCreate bool
}

func (f *faultyDriver) ResetWorktree(ctx context.Context, path, branch string) error {
	f.mu.Lock()
	fail := f.failReset
	f.mu.Unlock()
	if fail {
		return errors.New("injected reset failure")
	}
	return f.Driver.ResetWorktree(ctx, path, branch)
}

func (f *faultyDriver) CreateWorktree(ctx context.Context, path, branch, baseRef string) error {
	f.mu.Lock()
	fail := f.failCreate
	f.mu.Unlock()
	if fail {
		return errors.New("injected create failure")
	}
	return f.Driver.CreateWorktree(ctx, path, branch, baseRef)
}

func setupTestRepoWithRemote(t *testing.T) (mainRepo string) {
	t.Helper()

	remoteDir := t.TempDir()
	if out, err := exec.Command("git", "init", "--bare", remoteDir).CombinedOutput(); err != nil {
		t.Fatalf("init bare remote: %v\n%s", err, out)
	}

	mainRepo = t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = mainRepo
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test User")

	if err := os.WriteFile(filepath.Join(mainRepo, "README.md"), []byte("# test\n"), 0644); err != nil {
		t.Fatalf("write README: %v", err)
	}
	run("add", "README.md")
	run("commit", "-m", "initial commit")
	run("remote", "add", "origin", remoteDir)
	run("push", "-u", "origin", "main")

	return mainRepo
}

func TestInitializeAcquireRelease(t *testing.T) {
	mainRepo := setupTestRepoWithRemote(t)
	driver := gitdriver.New(mainRepo)
	ctx := context.Background()

	pool, err := New(Config{Size: 2, BaseDir: t.TempDir()}, driver)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if err := pool.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if pool.Size() != 2 {
		t.Fatalf("expected pool size 2, got %d", pool.Size())
	}

	lease, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if err := os.WriteFile(filepath.Join(lease.Path, "scratch.txt"), []byte("dirty\n"), 0644); err != nil {
		t.Fatalf("dirty lease: %v", err)
	}

	pool.Release(ctx, lease)

	if _, err := os.Stat(filepath.Join(lease.Path, "scratch.txt")); !os.IsNotExist(err) {
		t.Error("expected release to reset the worktree, scratch file still present")
	}
	if pool.Size() != 2 {
		t.Fatalf("expected pool size still 2 after a clean release, got %d", pool.Size())
	}
}

func TestAcquireBlocksWhenExhaustedThenUnblocks(t *testing.T) {
	mainRepo := setupTestRepoWithRemote(t)
	driver := gitdriver.New(mainRepo)
	ctx := context.Background()

	pool, err := New(Config{Size: 1, BaseDir: t.TempDir()}, driver)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if err := pool.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	lease, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	gotSecond := make(chan struct{})
	go func() {
		if _, err := pool.Acquire(ctx); err == nil {
			close(gotSecond)
		}
	}()

	select {
	case <-gotSecond:
		t.Fatal("second acquire returned before the only lease was released")
	default:
	}

	pool.Release(ctx, lease)

	select {
	case <-gotSecond:
	case <-ctx.Done():
		t.Fatal("second acquire never unblocked after release")
	}
}

func TestReleaseRecyclesLeaseAfterTransientResetFailure(t *testing.T) {
	mainRepo := setupTestRepoWithRemote(t)
	driver := &faultyDriver{Driver: gitdriver.New(mainRepo)}
	ctx := context.Background()

	pool, err := New(Config{Size: 2, BaseDir: t.TempDir()}, driver)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if err := pool.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	lease, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	originalPath := lease.Path

	driver.mu.Lock()
	driver.failReset = true
	driver.mu.Unlock()

	pool.Release(ctx, lease)

	if pool.Size() != 2 {
		t.Fatalf("expected pool size still 2 after recycling, got %d", pool.Size())
	}

	recovered, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire after recycle: %v", err)
	}
	if recovered.Path == originalPath {
		t.Error("expected the recycled lease to have a freshly recreated worktree path")
	}

	warnings := pool.Warnings()
	if len(warnings) == 0 {
		t.Fatal("expected a degraded-capacity warning to be recorded")
	}
	found := false
	for _, w := range warnings {
		if strings.Contains(w, "recovered") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a recovery warning, got %v", warnings)
	}
}

func TestReleaseDropsLeaseWhenRecreateKeepsFailing(t *testing.T) {
	mainRepo := setupTestRepoWithRemote(t)
	driver := &faultyDriver{Driver: gitdriver.New(mainRepo)}
	ctx := context.Background()

	pool, err := New(Config{Size: 2, BaseDir: t.TempDir(), MaxResetFailures: 2}, driver)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if err := pool.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	lease, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	driver.mu.Lock()
	driver.failReset = true
	driver.failCreate = true
	driver.mu.Unlock()

	pool.Release(ctx, lease)

	if pool.Size() != 1 {
		t.Fatalf("expected lease to be dropped, pool size now 1, got %d", pool.Size())
	}

	warnings := pool.Warnings()
	found := false
	for _, w := range warnings {
		if strings.Contains(w, "dropped") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a dropped-lease warning, got %v", warnings)
	}
}

func TestCleanupIsIdempotentAndClosesPool(t *testing.T) {
	mainRepo := setupTestRepoWithRemote(t)
	driver := gitdriver.New(mainRepo)
	ctx := context.Background()

	pool, err := New(Config{Size: 1, BaseDir: t.TempDir()}, driver)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if err := pool.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	pool.Cleanup(ctx)
	pool.Cleanup(ctx) // must not panic or double-remove

	if _, err := pool.Acquire(ctx); err != ErrPoolClosed {
		t.Fatalf("expected ErrPoolClosed after cleanup, got %v", err)
	}
}
