// Package ports defines the capability interfaces the core depends on but
// does not implement: the plan parser, the external test runner and the
// version-control driver (spec §6). The core only ever holds these
// interfaces; concrete implementations (a real git driver, a stub runner
// for tests, a shell-out runner for local use) live in their own packages
// and are injected at construction time.
package ports

import (
	"context"

	"github.com/PROACTIVA-US/pipelinehardening/domain"
)

// Plan is an opaque payload handed from the parser to the runner. The core
// never inspects its contents.
type Plan struct {
	Path string
	Raw  any
}

// PlanParser supplies a fully materialised Plan given a path.
type PlanParser interface {
	Parse(ctx context.Context, planPath string) (Plan, error)
}

// Runner executes a plan (or a selected batch range of it) inside a
// worktree and returns a structured result. Implementations must be
// re-entrant: the orchestrator calls Run concurrently against distinct
// worktree paths and expects no shared state between calls. Implementations
// should honor ctx cancellation promptly: the worker waits for Run to
// return and only then classifies the attempt (as RUNNER_TIMEOUT when the
// per-request deadline expired), so a runner that ignores cancellation
// keeps its worker and lease busy until it returns.
type Runner interface {
	Run(ctx context.Context, worktreePath, planPath string, batchRange domain.BatchRange, cfg domain.RunnerConfig) (domain.RunnerResult, error)
}

// VCSDriver is the set of version-control operations the worktree pool
// needs. The pool is agnostic to the underlying VCS; a git implementation
// lives in package gitdriver.
type VCSDriver interface {
	CreateWorktree(ctx context.Context, path, branch, baseRef string) error
	RemoveWorktree(ctx context.Context, path string) error
	ResetWorktree(ctx context.Context, path, branch string) error
	IntegrityCheck(ctx context.Context, path string) (bool, error)
	FetchOrigin(ctx context.Context) error
	DefaultBranch(ctx context.Context) (string, error)
	OriginCommit(ctx context.Context, branch string) (string, error)
	WorktreeExists(path string) bool
	DeleteLocalBranch(ctx context.Context, branch string) error
	CurrentBranch(ctx context.Context, path string) (string, error)
}
