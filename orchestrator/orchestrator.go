// Package orchestrator composes the test queue, worktree pool and
// execution workers into the parallel test-plan execution core (spec
// §4.4): a fixed-size pool of worker goroutines draining a shared queue,
// each bound to its own leased worktree, producing a single session report.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/PROACTIVA-US/pipelinehardening/core/log"
	"github.com/PROACTIVA-US/pipelinehardening/domain"
	"github.com/PROACTIVA-US/pipelinehardening/ports"
	"github.com/PROACTIVA-US/pipelinehardening/queue"
	"github.com/PROACTIVA-US/pipelinehardening/worker"
	"github.com/PROACTIVA-US/pipelinehardening/wtpool"
)

// ErrSessionClosed is returned by SubmitTest/SubmitBatch once
// WaitForCompletion has returned: a session is single-shot, the caller
// must construct a new Orchestrator for another batch (spec §9 Open
// Question 3).
var ErrSessionClosed = errors.New("session is closed, submit to a new orchestrator")

// Config bounds an Orchestrator's resources. NumWorkers and the worktree
// pool size are always equal: one worktree per concurrent worker.
type Config struct {
	NumWorkers          int
	BaseDir             string
	MaxQueueSize        int
	DefaultRunnerTimeout time.Duration
	DefaultMaxRetries   int
	MaxResetFailures    int
	PreserveErrorLeases bool
	// DrainPollInterval controls how often WaitForCompletion polls for
	// queue drainage. Defaults to 200ms.
	DrainPollInterval time.Duration
}

func (c Config) drainPollInterval() time.Duration {
	if c.DrainPollInterval > 0 {
		return c.DrainPollInterval
	}
	return 200 * time.Millisecond
}

// Orchestrator is the parallel execution core. Zero value is not usable;
// construct with New.
type Orchestrator struct {
	cfg    Config
	q      *queue.Queue
	pool   *wtpool.Pool
	runner ports.Runner
	parser ports.PlanParser

	workers []*worker.Worker

	mu        sync.Mutex
	started   bool
	closed    bool
	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New constructs an Orchestrator. runner is required; parser may be nil if
// plans don't need pre-validation before a run.
func New(cfg Config, vcs ports.VCSDriver, runner ports.Runner, parser ports.PlanParser) (*Orchestrator, error) {
	if cfg.NumWorkers <= 0 {
		return nil, fmt.Errorf("NumWorkers must be positive, got %d", cfg.NumWorkers)
	}
	if runner == nil {
		return nil, errors.New("runner must not be nil")
	}

	pool, err := wtpool.New(wtpool.Config{
		Size:                cfg.NumWorkers,
		BaseDir:             cfg.BaseDir,
		MaxResetFailures:    cfg.MaxResetFailures,
		PreserveErrorLeases: cfg.PreserveErrorLeases,
	}, vcs)
	if err != nil {
		return nil, fmt.Errorf("construct worktree pool: %w", err)
	}

	return &Orchestrator{
		cfg:    cfg,
		q:      queue.New(queue.Config{MaxQueueSize: cfg.MaxQueueSize}),
		pool:   pool,
		runner: runner,
		parser: parser,
	}, nil
}

// Initialize fills the worktree pool. Must be called once before Start.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	return o.pool.Initialize(ctx)
}

// Start launches cfg.NumWorkers long-running worker goroutines, each
// pulling from the shared queue until ctx is cancelled. Concurrency is
// bounded by construction (exactly NumWorkers goroutines, matched one-to-one
// with the worktree pool's NumWorkers leases), not by a job-submission
// pool: every worker is a standing loop, not a discrete unit of work, so
// there's nothing here for a bounded-queue abstraction to usefully bound.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return errors.New("orchestrator already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.startedAt = time.Now()
	o.started = true

	for i := 0; i < o.cfg.NumWorkers; i++ {
		workerID := domain.WorkerID(fmt.Sprintf("worker-%d", i))
		w := worker.New(workerID, o.q, o.pool, o.runner, o.parser)
		o.workers = append(o.workers, w)

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			w.Run(runCtx)
		}()
	}

	log.Info("🚀 orchestrator: started %d workers", o.cfg.NumWorkers)
	return nil
}

// SubmitTest enqueues a single test request, applying the orchestrator's
// default timeout/retry config where the request leaves them unset.
func (o *Orchestrator) SubmitTest(req domain.TestRequest) (domain.RequestID, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return "", ErrSessionClosed
	}

	if req.ID == "" {
		req.ID = domain.RequestID(ulid.Make().String())
	}
	if req.MaxRetries == 0 {
		req.MaxRetries = req.Config.MaxRetries
	}
	if req.MaxRetries == 0 {
		req.MaxRetries = o.cfg.DefaultMaxRetries
	}
	if req.Config.Timeout == 0 {
		req.Config.Timeout = o.cfg.DefaultRunnerTimeout
	}

	if err := o.q.Enqueue(req); err != nil {
		return "", err
	}
	return req.ID, nil
}

// SubmitBatch enqueues every request in list via SubmitTest, stopping at
// the first failure.
func (o *Orchestrator) SubmitBatch(list []domain.TestRequest) ([]domain.RequestID, error) {
	ids := make([]domain.RequestID, 0, len(list))
	for _, req := range list {
		id, err := o.SubmitTest(req)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// WaitForCompletion blocks until every submitted request reaches a
// terminal state (or ctx is done), then closes the session to further
// submissions and returns the aggregate report.
func (o *Orchestrator) WaitForCompletion(ctx context.Context) (domain.SessionReport, error) {
	if err := o.q.WaitUntilDrained(ctx, o.cfg.drainPollInterval()); err != nil {
		return domain.SessionReport{}, err
	}

	o.mu.Lock()
	o.closed = true
	startedAt := o.startedAt
	o.mu.Unlock()
	o.q.Close()

	summary := o.q.Summary()
	report := domain.SessionReport{
		Status:      domain.DeriveSessionStatus(summary),
		Summary:     summary,
		Results:     o.q.Results(),
		Warnings:    o.pool.Warnings(),
		StartedAt:   startedAt,
		CompletedAt: time.Now(),
	}
	return report, nil
}

// GetStatus returns a lock-light snapshot of the session's progress,
// usable while the session is still running (no mutex contention with the
// queue or pool beyond their own single-lock snapshot reads).
func (o *Orchestrator) GetStatus() domain.Summary {
	return o.q.Summary()
}

// Shutdown cancels every worker goroutine, waits for them to exit, and
// tears down the worktree pool. Idempotent.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	cancel := o.cancel
	o.started = false
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
	o.pool.Cleanup(ctx)
	log.Info("🛑 orchestrator: shut down")
}

// RunScoped runs fn with an Orchestrator that is guaranteed to be
// initialized, started and shut down — even if fn panics — mirroring a
// scoped-resource/context-manager lifecycle.
func RunScoped(ctx context.Context, cfg Config, vcs ports.VCSDriver, runner ports.Runner, parser ports.PlanParser, fn func(*Orchestrator) error) (err error) {
	o, err := New(cfg, vcs, runner, parser)
	if err != nil {
		return err
	}
	defer o.Shutdown(ctx)

	if err := o.Initialize(ctx); err != nil {
		return err
	}
	if err := o.Start(ctx); err != nil {
		return err
	}
	return fn(o)
}

// RunTests is a convenience composer: submit every request, start the
// workers, and wait for completion, returning the aggregate report. It
// builds and tears down its own Orchestrator.
func RunTests(ctx context.Context, cfg Config, vcs ports.VCSDriver, runner ports.Runner, parser ports.PlanParser, requests []domain.TestRequest) (domain.SessionReport, error) {
	var report domain.SessionReport
	err := RunScoped(ctx, cfg, vcs, runner, parser, func(o *Orchestrator) error {
		if _, err := o.SubmitBatch(requests); err != nil {
			return err
		}
		r, err := o.WaitForCompletion(ctx)
		if err != nil {
			return err
		}
		report = r
		return nil
	})
	return report, err
}
