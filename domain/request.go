// Package domain holds the value types shared by the worktree pool, test
// queue, execution workers and orchestrator: requests, results, leases and
// the error kinds used to classify failures across the core.
package domain

import (
	"strconv"
	"time"
)

// RequestID identifies a TestRequest across its whole lifecycle.
type RequestID string

// WorktreeID identifies a lease's worktree within a pool.
type WorktreeID string

// WorkerID identifies one of the orchestrator's execution workers.
type WorkerID string

// BatchRange selects the batches of a plan a runner should execute. The
// zero value is not a valid range; use AllBatches() or NewBatchRange.
type BatchRange struct {
	All   bool
	Start int
	End   int
}

// AllBatches returns a BatchRange selecting every batch in the plan.
func AllBatches() BatchRange {
	return BatchRange{All: true}
}

// NewBatchRange returns an inclusive [start, end] batch range.
func NewBatchRange(start, end int) BatchRange {
	return BatchRange{Start: start, End: end}
}

// String renders the range the way the plan parser/runner boundary expects
// it: the literal "all", "start-end", or a single number when start and end
// are equal.
func (b BatchRange) String() string {
	if b.All {
		return "all"
	}
	if b.Start == b.End {
		return strconv.Itoa(b.Start)
	}
	return strconv.Itoa(b.Start) + "-" + strconv.Itoa(b.End)
}

// RunnerConfig is the per-request configuration handed to the external test
// runner: timeouts and retry caps. MaxRetries, when non-zero, seeds the
// owning TestRequest's MaxRetries at submission time; the queue alone
// mutates RetryCount thereafter.
type RunnerConfig struct {
	Timeout    time.Duration
	MaxRetries int
	Extra      map[string]string
}

// TestRequest is a unit of work submitted to the orchestrator.
//
// Invariant: 0 <= RetryCount <= MaxRetries at every observation point.
type TestRequest struct {
	ID         RequestID
	PlanPath   string
	BatchRange BatchRange
	Config     RunnerConfig
	Priority   int
	RetryCount int
	MaxRetries int
	CreatedAt  time.Time
}
