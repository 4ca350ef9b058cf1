package queue

import (
	"context"
	"testing"
	"time"

	"github.com/PROACTIVA-US/pipelinehardening/domain"
)

func newReq(id string, priority int) domain.TestRequest {
	return domain.TestRequest{
		ID:         domain.RequestID(id),
		PlanPath:   "plan.yaml",
		BatchRange: domain.AllBatches(),
		Priority:   priority,
		MaxRetries: 2,
	}
}

func TestEnqueueDequeueOrder(t *testing.T) {
	q := New(Config{})

	if err := q.Enqueue(newReq("low", 0)); err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	if err := q.Enqueue(newReq("high", 5)); err != nil {
		t.Fatalf("enqueue high: %v", err)
	}
	if err := q.Enqueue(newReq("mid", 2)); err != nil {
		t.Fatalf("enqueue mid: %v", err)
	}

	ctx := context.Background()
	order := []string{"high", "mid", "low"}
	for _, want := range order {
		req, ok, err := q.Dequeue(ctx, time.Second)
		if err != nil || !ok {
			t.Fatalf("dequeue: ok=%v err=%v", ok, err)
		}
		if string(req.ID) != want {
			t.Errorf("expected %s next, got %s", want, req.ID)
		}
	}
}

func TestEnqueueDuplicateID(t *testing.T) {
	q := New(Config{})
	if err := q.Enqueue(newReq("dup", 0)); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	err := q.Enqueue(newReq("dup", 0))
	if err == nil {
		t.Fatal("expected duplicate id error")
	}
	if !domain.IsKind(err, domain.ErrKindDuplicateID) {
		t.Errorf("expected DUPLICATE_ID kind, got %v", err)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	q := New(Config{MaxQueueSize: 1})
	if err := q.Enqueue(newReq("a", 0)); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	err := q.Enqueue(newReq("b", 0))
	if err == nil {
		t.Fatal("expected queue full error")
	}
	if !domain.IsKind(err, domain.ErrKindQueueFull) {
		t.Errorf("expected QUEUE_FULL kind, got %v", err)
	}
}

func TestDequeueTimeout(t *testing.T) {
	q := New(Config{})
	ctx := context.Background()
	_, ok, err := q.Dequeue(ctx, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected timeout with no item, got ok=true")
	}
}

func TestDequeueWakesOnEnqueue(t *testing.T) {
	q := New(Config{})
	ctx := context.Background()

	done := make(chan domain.TestRequest, 1)
	go func() {
		req, ok, err := q.Dequeue(ctx, 2*time.Second)
		if err == nil && ok {
			done <- req
		}
	}()

	time.Sleep(50 * time.Millisecond)
	if err := q.Enqueue(newReq("late", 0)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case req := <-done:
		if string(req.ID) != "late" {
			t.Errorf("expected 'late', got %s", req.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake up on enqueue")
	}
}

func TestRequeueForRetryThenMarkFailed(t *testing.T) {
	q := New(Config{})
	ctx := context.Background()
	req := newReq("retry-me", 0)
	req.MaxRetries = 1
	if err := q.Enqueue(req); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	dequeued, ok, err := q.Dequeue(ctx, time.Second)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}

	retried, err := q.RequeueForRetry(dequeued)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if !retried {
		t.Fatal("expected first retry to succeed")
	}

	dequeued2, ok, err := q.Dequeue(ctx, time.Second)
	if err != nil || !ok {
		t.Fatalf("second dequeue: ok=%v err=%v", ok, err)
	}
	if dequeued2.RetryCount != 1 {
		t.Errorf("expected RetryCount 1, got %d", dequeued2.RetryCount)
	}

	retried2, err := q.RequeueForRetry(dequeued2)
	if err != nil {
		t.Fatalf("second requeue: %v", err)
	}
	if retried2 {
		t.Fatal("expected retry to be exhausted")
	}

	result := domain.TestResult{RequestID: dequeued2.ID, Status: domain.StatusFailed}
	if err := q.MarkFailed(dequeued2.ID, result); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	summary := q.Summary()
	if summary.Failed != 1 || summary.Completed != 0 || summary.Pending != 0 || summary.Running != 0 {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

func TestMarkCompletedAccounting(t *testing.T) {
	q := New(Config{})
	ctx := context.Background()
	if err := q.Enqueue(newReq("ok", 0)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	req, ok, err := q.Dequeue(ctx, time.Second)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	result := domain.TestResult{RequestID: req.ID, Status: domain.StatusComplete, TasksPassed: 3}
	if err := q.MarkCompleted(req.ID, result); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	summary := q.Summary()
	if summary.Total != 1 || summary.Completed != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}

	results := q.Results()
	if len(results) != 1 || results[0].TasksPassed != 3 {
		t.Errorf("unexpected results: %+v", results)
	}
}

func TestWaitUntilDrained(t *testing.T) {
	q := New(Config{})
	ctx := context.Background()
	if err := q.Enqueue(newReq("a", 0)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	req, ok, err := q.Dequeue(ctx, time.Second)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}

	drainCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	drained := make(chan error, 1)
	go func() { drained <- q.WaitUntilDrained(drainCtx, 10*time.Millisecond) }()

	time.Sleep(50 * time.Millisecond)
	if err := q.MarkCompleted(req.ID, domain.TestResult{RequestID: req.ID, Status: domain.StatusComplete}); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	if err := <-drained; err != nil {
		t.Fatalf("WaitUntilDrained: %v", err)
	}
}
