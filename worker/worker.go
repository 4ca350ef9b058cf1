// Package worker implements the execution worker loop (spec §4.3): acquire
// a test request from the queue, lease a worktree, run the plan against it
// through the injected runner, classify the outcome, and release the
// lease — guaranteed, even on panic or timeout.
package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/PROACTIVA-US/pipelinehardening/core/log"
	"github.com/PROACTIVA-US/pipelinehardening/domain"
	"github.com/PROACTIVA-US/pipelinehardening/ports"
	"github.com/PROACTIVA-US/pipelinehardening/queue"
	"github.com/PROACTIVA-US/pipelinehardening/wtpool"
)

// State is the worker's lifecycle state, tracked with an atomic int32 so a
// status snapshot never contends with the queue or pool mutexes.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateLeasing
	StateRunning
	StateFinalising
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateFetching:
		return "FETCHING"
	case StateLeasing:
		return "LEASING"
	case StateRunning:
		return "RUNNING"
	case StateFinalising:
		return "FINALISING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// DequeuePollInterval is how long Worker.Run blocks on an empty queue
// before checking ctx again.
const DequeuePollInterval = 500 * time.Millisecond

// Worker repeatedly pulls a request off q, leases a worktree from pool, and
// runs it through runner until ctx is cancelled.
type Worker struct {
	ID     domain.WorkerID
	q      *queue.Queue
	pool   *wtpool.Pool
	runner ports.Runner
	parser ports.PlanParser

	state atomic.Int32
}

// New returns a Worker bound to the given queue, pool and collaborators.
func New(id domain.WorkerID, q *queue.Queue, pool *wtpool.Pool, runner ports.Runner, parser ports.PlanParser) *Worker {
	return &Worker{ID: id, q: q, pool: pool, runner: runner, parser: parser}
}

// State reports the worker's current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// Run loops fetch->lease->execute->finalise until ctx is cancelled. It
// returns only once ctx is done (checked before each fetch, and reported by
// Dequeue); it never returns on a single request's failure.
func (w *Worker) Run(ctx context.Context) {
	defer w.setState(StateStopped)

	for {
		if ctx.Err() != nil {
			return
		}

		w.setState(StateFetching)
		req, ok, err := w.q.Dequeue(ctx, DequeuePollInterval)
		if err != nil {
			return
		}
		if !ok {
			continue
		}

		w.handle(ctx, req)
	}
}

// handle runs exactly one request through lease->execute->classify->release
// and records a terminal outcome in the queue. Panics inside the runner
// call are recovered and classified as RUNNER_FAILURE so one bad plan never
// takes the worker down.
func (w *Worker) handle(ctx context.Context, req domain.TestRequest) {
	w.setState(StateLeasing)
	lease, err := w.pool.Acquire(ctx)
	if err != nil {
		w.finishWithError(req, domain.ErrKindLeaseFailure, err)
		return
	}
	defer func() {
		w.setState(StateFinalising)
		// Release must still reset the worktree after shutdown cancels ctx.
		w.pool.Release(context.WithoutCancel(ctx), lease)
	}()

	startedAt := time.Now()
	result, execErr := w.execute(ctx, req, lease)
	completedAt := time.Now()

	w.classify(req, lease, result, execErr, startedAt, completedAt)
}

func (w *Worker) execute(ctx context.Context, req domain.TestRequest, lease *domain.WorktreeLease) (result domain.RunnerResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("runner panicked: %v", r)
		}
	}()

	w.setState(StateRunning)

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Config.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Config.Timeout)
		defer cancel()
	}

	if w.parser != nil {
		if _, perr := w.parser.Parse(runCtx, req.PlanPath); perr != nil {
			return domain.RunnerResult{}, fmt.Errorf("parse plan: %w", perr)
		}
	}

	result, err = w.runner.Run(runCtx, lease.Path, req.PlanPath, req.BatchRange, req.Config)
	if err != nil && runCtx.Err() == context.DeadlineExceeded {
		return result, domain.NewCoreError(domain.ErrKindRunnerTimeout, req.ID, err)
	}
	return result, err
}

// classify applies spec §4.2/§4.3's retry policy: COMPLETE always marks the
// request done; FAILED and ERROR both go through the same retry-or-fail
// path (the queue doesn't discriminate between them for retry purposes,
// per spec §9 Open Question 1).
func (w *Worker) classify(req domain.TestRequest, lease *domain.WorktreeLease, result domain.RunnerResult, execErr error, startedAt, completedAt time.Time) {
	tr := domain.TestResult{
		RequestID:   req.ID,
		WorktreeID:  lease.ID,
		WorkerID:    w.ID,
		TasksPassed: result.TasksPassed,
		TasksFailed: result.TasksFailed,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		ReportPath:  result.ReportPath,
	}

	if execErr != nil {
		tr.Status = domain.StatusError
		tr.ErrorMessage = execErr.Error()
	} else {
		tr.Status = result.Status
		if result.Err != nil {
			tr.ErrorMessage = result.Err.Error()
		}
	}

	if tr.Status == domain.StatusComplete {
		if err := w.q.MarkCompleted(req.ID, tr); err != nil {
			log.Warn("⚠️ worker %s: mark completed failed for %s: %v", w.ID, req.ID, err)
		}
		log.Info("✅ worker %s: %s complete (%d passed, %d failed)", w.ID, req.ID, tr.TasksPassed, tr.TasksFailed)
		return
	}

	retried, err := w.q.RequeueForRetry(req)
	if err != nil {
		log.Warn("⚠️ worker %s: requeue check failed for %s: %v", w.ID, req.ID, err)
	}
	if retried {
		log.Info("🔁 worker %s: %s requeued for retry (attempt %d/%d)", w.ID, req.ID, req.RetryCount+1, req.MaxRetries)
		return
	}

	if err := w.q.MarkFailed(req.ID, tr); err != nil {
		log.Warn("⚠️ worker %s: mark failed failed for %s: %v", w.ID, req.ID, err)
	}
	log.Error("❌ worker %s: %s failed permanently after %d retries: %s", w.ID, req.ID, req.MaxRetries, tr.ErrorMessage)
}

func (w *Worker) finishWithError(req domain.TestRequest, kind domain.ErrorKind, err error) {
	tr := domain.TestResult{
		RequestID:    req.ID,
		WorkerID:     w.ID,
		Status:       domain.StatusError,
		StartedAt:    time.Now(),
		CompletedAt:  time.Now(),
		ErrorMessage: err.Error(),
	}

	retried, rerr := w.q.RequeueForRetry(req)
	if rerr != nil {
		log.Warn("⚠️ worker %s: requeue check failed for %s: %v", w.ID, req.ID, rerr)
	}
	if retried {
		log.Warn("🔁 worker %s: %s requeued after %s: %v", w.ID, req.ID, kind, err)
		return
	}

	if err := w.q.MarkFailed(req.ID, tr); err != nil {
		log.Warn("⚠️ worker %s: mark failed failed for %s: %v", w.ID, req.ID, err)
	}
	log.Error("❌ worker %s: %s failed permanently (%s): %v", w.ID, req.ID, kind, err)
}
