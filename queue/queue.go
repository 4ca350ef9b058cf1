// Package queue implements the test queue (spec §4.2): pending, running and
// terminal (completed/failed) accounting for submitted test requests, with
// priority-then-FIFO dequeue order and the queue-driven retry policy.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/PROACTIVA-US/pipelinehardening/core/log"
	"github.com/PROACTIVA-US/pipelinehardening/domain"
)

// ErrDuplicateID is returned when enqueueing a request id already known to
// the queue, in any of pending/running/terminal.
var ErrDuplicateID = errors.New("duplicate request id")

// ErrQueueFull is returned when enqueueing would push pending above
// MaxQueueSize.
var ErrQueueFull = errors.New("queue is full")

// ErrUnknownRequest is returned by the mark_* operations when the id is not
// currently running.
var ErrUnknownRequest = errors.New("request is not running")

// Config bounds the queue's pending size. Zero means unbounded.
type Config struct {
	MaxQueueSize int
}

// Queue is the test queue described in spec §4.2 and §8 invariant 1: every
// submitted request id lives in exactly one of pending/running/terminal at
// any observation point.
type Queue struct {
	cfg Config

	mu   sync.Mutex
	cond *sync.Cond

	pending   requestHeap
	seqByID   map[domain.RequestID]*domain.TestRequest // identity map into pending heap items
	running   map[domain.RequestID]*domain.TestRequest
	completed map[domain.RequestID]domain.TestResult
	failed    map[domain.RequestID]domain.TestResult

	closed bool
}

// New returns an empty Queue.
func New(cfg Config) *Queue {
	q := &Queue{
		cfg:       cfg,
		seqByID:   make(map[domain.RequestID]*domain.TestRequest),
		running:   make(map[domain.RequestID]*domain.TestRequest),
		completed: make(map[domain.RequestID]domain.TestResult),
		failed:    make(map[domain.RequestID]domain.TestResult),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Close marks the queue as closed: further Enqueue calls fail. Does not
// affect in-flight dequeue/running/terminal bookkeeping.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *Queue) knownLocked(id domain.RequestID) bool {
	if _, ok := q.seqByID[id]; ok {
		return true
	}
	if _, ok := q.running[id]; ok {
		return true
	}
	if _, ok := q.completed[id]; ok {
		return true
	}
	if _, ok := q.failed[id]; ok {
		return true
	}
	return false
}

// Enqueue adds one request to pending.
func (q *Queue) Enqueue(req domain.TestRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return domain.NewCoreError(domain.ErrKindShutdownInProgress, req.ID, errors.New("queue is closed"))
	}
	if q.knownLocked(req.ID) {
		return domain.NewCoreError(domain.ErrKindDuplicateID, req.ID, ErrDuplicateID)
	}
	if q.cfg.MaxQueueSize > 0 && len(q.pending) >= q.cfg.MaxQueueSize {
		return domain.NewCoreError(domain.ErrKindQueueFull, req.ID, ErrQueueFull)
	}

	r := req
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	item := &r
	q.seqByID[r.ID] = item
	heap.Push(&q.pending, item)
	log.Debug("queue: enqueued %s (priority=%d, pending=%d)", r.ID, r.Priority, len(q.pending))
	q.cond.Signal()
	return nil
}

// EnqueueBatch enqueues every request in list. It stops at the first failure
// (DUPLICATE_ID or QUEUE_FULL) and returns that error; requests already
// enqueued before the failing one remain enqueued — batch submission is a
// well-defined prefix, not an all-or-nothing transaction, matching spec §8's
// boundary-behaviour note.
func (q *Queue) EnqueueBatch(list []domain.TestRequest) error {
	for _, req := range list {
		if err := q.Enqueue(req); err != nil {
			return err
		}
	}
	return nil
}

// Dequeue blocks (subject to ctx and timeout) for the next pending request
// in priority-then-FIFO order, moves it into running, and returns it.
// Returning (zero, false, nil) on timeout is how a worker checks its own
// stop flag between blocking waits.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (domain.TestRequest, bool, error) {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.pending) == 0 {
		if ctx.Err() != nil {
			return domain.TestRequest{}, false, ctx.Err()
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return domain.TestRequest{}, false, nil
		}
		if !q.waitLocked(ctx, remaining) {
			return domain.TestRequest{}, false, nil
		}
	}

	item := heap.Pop(&q.pending).(*domain.TestRequest)
	delete(q.seqByID, item.ID)
	q.running[item.ID] = item
	log.Debug("queue: dequeued %s (running=%d)", item.ID, len(q.running))
	return *item, true, nil
}

// waitLocked blocks on the condition variable for up to d, waking early on
// Signal/Broadcast. Returns false if d elapsed without a wakeup. Must be
// called with q.mu held; re-acquires it before returning.
func (q *Queue) waitLocked(ctx context.Context, d time.Duration) bool {
	woke := make(chan struct{})
	timer := time.AfterFunc(d, func() {
		q.mu.Lock()
		close(woke)
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()

	q.cond.Wait()

	select {
	case <-woke:
		return false
	default:
		return true
	}
}

// MarkRunning makes the state-machine transition explicit at the call site,
// per spec §4.2's operation list. For a request Dequeue returned it changes
// nothing (Dequeue already moved it into running); a request not yet in
// running is added there.
func (q *Queue) MarkRunning(req domain.TestRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.running[req.ID]; !ok {
		r := req
		q.running[req.ID] = &r
	}
}

// MarkCompleted moves id from running into completed.
func (q *Queue) MarkCompleted(id domain.RequestID, result domain.TestResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.running[id]; !ok {
		return ErrUnknownRequest
	}
	delete(q.running, id)
	q.completed[id] = result
	log.Debug("queue: completed %s (completed=%d)", id, len(q.completed))
	q.cond.Broadcast()
	return nil
}

// MarkFailed moves id from running into failed.
func (q *Queue) MarkFailed(id domain.RequestID, result domain.TestResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.running[id]; !ok {
		return ErrUnknownRequest
	}
	delete(q.running, id)
	q.failed[id] = result
	log.Debug("queue: failed %s (failed=%d)", id, len(q.failed))
	q.cond.Broadcast()
	return nil
}

// RequeueForRetry implements spec §4.2's retry classification: if
// RetryCount < MaxRetries, increments RetryCount, moves the request from
// running back to pending and returns true. Otherwise returns false; the
// caller must then call MarkFailed.
func (q *Queue) RequeueForRetry(req domain.TestRequest) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.running[req.ID]; !ok {
		return false, ErrUnknownRequest
	}
	if req.RetryCount >= req.MaxRetries {
		return false, nil
	}

	delete(q.running, req.ID)
	req.RetryCount++
	item := req
	q.seqByID[item.ID] = &item
	heap.Push(&q.pending, &item)
	log.Debug("queue: requeued %s for retry (attempt %d/%d)", req.ID, req.RetryCount, req.MaxRetries)
	q.cond.Signal()
	return true, nil
}

// WaitUntilDrained blocks, polling every pollInterval, until pending and
// running are both empty.
func (q *Queue) WaitUntilDrained(ctx context.Context, pollInterval time.Duration) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if q.drained() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *Queue) drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0 && len(q.running) == 0
}

// Summary returns the terminal-accounting snapshot used to derive session
// status. Lock-light: a single critical section, no allocation beyond the
// returned value.
func (q *Queue) Summary() domain.Summary {
	q.mu.Lock()
	defer q.mu.Unlock()
	completed := len(q.completed)
	failed := len(q.failed)
	return domain.Summary{
		Total:     completed + failed + len(q.running) + len(q.pending),
		Completed: completed,
		Failed:    failed,
		Pending:   len(q.pending),
		Running:   len(q.running),
	}
}

// Results returns a copy of every terminal result recorded so far.
func (q *Queue) Results() []domain.TestResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.TestResult, 0, len(q.completed)+len(q.failed))
	for _, r := range q.completed {
		out = append(out, r)
	}
	for _, r := range q.failed {
		out = append(out, r)
	}
	return out
}

// requestHeap orders pending requests by descending priority, then
// ascending CreatedAt (FIFO among equal priority).
type requestHeap []*domain.TestRequest

func (h requestHeap) Len() int { return len(h) }
func (h requestHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}
func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *requestHeap) Push(x any)   { *h = append(*h, x.(*domain.TestRequest)) }
func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
