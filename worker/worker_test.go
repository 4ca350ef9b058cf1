package worker

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/PROACTIVA-US/pipelinehardening/domain"
	"github.com/PROACTIVA-US/pipelinehardening/gitdriver"
	"github.com/PROACTIVA-US/pipelinehardening/ports"
	"github.com/PROACTIVA-US/pipelinehardening/queue"
	"github.com/PROACTIVA-US/pipelinehardening/wtpool"
)

// stubRunner returns a fixed result (or error) for every call, optionally
// recording how many times it was invoked. Deterministic by construction,
// per the testable-properties rule against real test runners.
type stubRunner struct {
	mu       sync.Mutex
	calls    int
	result   domain.RunnerResult
	err      error
	sleepFor time.Duration
}

func (s *stubRunner) Run(ctx context.Context, worktreePath, planPath string, batchRange domain.BatchRange, cfg domain.RunnerConfig) (domain.RunnerResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if s.sleepFor > 0 {
		select {
		case <-time.After(s.sleepFor):
		case <-ctx.Done():
			return domain.RunnerResult{}, ctx.Err()
		}
	}
	return s.result, s.err
}

func (s *stubRunner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
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

func newTestPool(t *testing.T, ctx context.Context, size int) *wtpool.Pool {
	t.Helper()
	mainRepo := setupTestRepoWithRemote(t)
	driver := gitdriver.New(mainRepo)
	pool, err := wtpool.New(wtpool.Config{Size: size, BaseDir: t.TempDir()}, driver)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if err := pool.Initialize(ctx); err != nil {
		t.Fatalf("initialize pool: %v", err)
	}
	return pool
}

func newReq(id string, maxRetries int) domain.TestRequest {
	return domain.TestRequest{
		ID:         domain.RequestID(id),
		PlanPath:   "plan.yaml",
		BatchRange: domain.AllBatches(),
		MaxRetries: maxRetries,
	}
}

func TestWorkerCompletesSuccessfulRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := newTestPool(t, ctx, 1)
	q := queue.New(queue.Config{})
	runner := &stubRunner{result: domain.RunnerResult{Status: domain.StatusComplete, TasksPassed: 4}}
	w := New(domain.WorkerID("w1"), q, pool, runner, nil)

	if err := q.Enqueue(newReq("req-1", 0)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	runDone := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(runDone)
	}()

	deadline := time.After(2 * time.Second)
	for {
		summary := q.Summary()
		if summary.Completed == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("request never completed, summary=%+v", summary)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-runDone

	if runner.callCount() != 1 {
		t.Errorf("expected exactly one runner call, got %d", runner.callCount())
	}
	results := q.Results()
	if len(results) != 1 || results[0].TasksPassed != 4 {
		t.Errorf("unexpected results: %+v", results)
	}
}

func TestWorkerRetriesThenFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := newTestPool(t, ctx, 1)
	q := queue.New(queue.Config{})
	runner := &stubRunner{result: domain.RunnerResult{Status: domain.StatusFailed}}
	w := New(domain.WorkerID("w1"), q, pool, runner, nil)

	if err := q.Enqueue(newReq("flaky", 2)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	runDone := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(runDone)
	}()

	deadline := time.After(3 * time.Second)
	for {
		summary := q.Summary()
		if summary.Failed == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("request never reached terminal failed state, summary=%+v", summary)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-runDone

	// 1 initial attempt + 2 retries = 3 calls total.
	if runner.callCount() != 3 {
		t.Errorf("expected 3 runner calls (1 + 2 retries), got %d", runner.callCount())
	}
}

func TestWorkerReleasesLeaseOnPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := newTestPool(t, ctx, 1)
	q := queue.New(queue.Config{})
	runner := panicRunner{}
	w := New(domain.WorkerID("w1"), q, pool, runner, nil)

	if err := q.Enqueue(newReq("boom", 0)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	runDone := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(runDone)
	}()

	deadline := time.After(2 * time.Second)
	for {
		summary := q.Summary()
		if summary.Failed == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("panicking request never reached terminal failed state, summary=%+v", summary)
		case <-time.After(10 * time.Millisecond):
		}
	}

	if pool.Size() != 1 {
		t.Fatalf("expected the lease to be released back to the pool, size=%d", pool.Size())
	}

	// Acquire should succeed immediately: the lease was released, not lost.
	acquireCtx, acquireCancel := context.WithTimeout(ctx, time.Second)
	defer acquireCancel()
	if _, err := pool.Acquire(acquireCtx); err != nil {
		t.Fatalf("expected to reacquire the released lease, got %v", err)
	}

	cancel()
	<-runDone
}

type panicRunner struct{}

func (panicRunner) Run(ctx context.Context, worktreePath, planPath string, batchRange domain.BatchRange, cfg domain.RunnerConfig) (domain.RunnerResult, error) {
	panic("simulated runner crash")
}

var _ ports.Runner = &stubRunner{}
var _ ports.Runner = panicRunner{}
