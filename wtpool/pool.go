// Package wtpool implements the bounded pool of isolated git worktrees
// (spec §4.1) that execution workers lease for the duration of one test
// request. Every pooled worktree is a dedicated git worktree on its own
// branch; acquiring one hands out exclusive use, releasing it resets the
// worktree back to a clean state so the next lease starts from the same
// baseline.
package wtpool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lucasepe/codename"

	"github.com/PROACTIVA-US/pipelinehardening/core/log"
	"github.com/PROACTIVA-US/pipelinehardening/domain"
	"github.com/PROACTIVA-US/pipelinehardening/ports"
)

// ErrPoolClosed is returned by Acquire once Cleanup has been called.
var ErrPoolClosed = errors.New("worktree pool is closed")

// ErrPoolExhausted is returned by Acquire when every lease has been
// permanently dropped for exceeding MaxResetFailures.
var ErrPoolExhausted = errors.New("worktree pool has no usable leases left")

const branchPrefix = "pipelinehardening/worktree-"

// Config controls pool sizing and the degraded-lease policy (spec §4.1 and
// §9 Open Question 2).
type Config struct {
	Size int
	// BaseDir is the parent directory all pooled worktrees are created
	// under, one subdirectory per lease.
	BaseDir string
	// MaxResetFailures bounds consecutive reset-on-release failures a
	// single lease tolerates before it's considered unusable.
	MaxResetFailures int
	// PreserveErrorLeases keeps an exhausted lease's directory on disk
	// for post-mortem instead of removing it; the pool still shrinks by
	// one either way.
	PreserveErrorLeases bool
}

func (c Config) maxResetFailures() int {
	if c.MaxResetFailures > 0 {
		return c.MaxResetFailures
	}
	return 3
}

// Pool is the worktree pool described in spec §4.1.
type Pool struct {
	cfg    Config
	vcs    ports.VCSDriver
	rng    *codename.RNG

	mu       sync.Mutex
	cond     *sync.Cond
	leases   map[domain.WorktreeID]*domain.WorktreeLease
	order    []domain.WorktreeID // creation order; Acquire takes the first free lease in it
	closed   bool
	warnings []string // degraded-capacity notices, see Warnings
}

// New constructs a Pool. Call Initialize before Acquire.
func New(cfg Config, vcs ports.VCSDriver) (*Pool, error) {
	rng, err := codename.DefaultRNG()
	if err != nil {
		return nil, fmt.Errorf("init codename rng: %w", err)
	}
	p := &Pool{
		cfg:    cfg,
		vcs:    vcs,
		rng:    rng,
		leases: make(map[domain.WorktreeID]*domain.WorktreeLease),
	}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// Initialize reclaims any orphaned worktrees left over from a prior crashed
// run (spec §4.1 crash-recovery note), then tops the pool up to cfg.Size
// leases with fresh ones; reclaimed orphans count toward cfg.Size. If any
// lease fails to create, every lease created so far in
// this call is rolled back and the error is returned — a half-built pool is
// never left for Acquire to stumble over.
func (p *Pool) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(p.cfg.BaseDir, 0o755); err != nil {
		return fmt.Errorf("create base dir: %w", err)
	}

	p.reclaimOrphans(ctx)

	need := p.cfg.Size - p.Size()
	created := make([]domain.WorktreeID, 0, p.cfg.Size)
	for len(created) < need {
		lease, err := p.createLease(ctx)
		if err != nil {
			log.Error("❌ worktree pool: failed to create lease %d/%d, rolling back: %v", len(created)+1, need, err)
			p.rollback(ctx, created)
			return fmt.Errorf("initialize pool: %w", err)
		}
		p.mu.Lock()
		p.leases[lease.ID] = lease
		p.order = append(p.order, lease.ID)
		p.mu.Unlock()
		created = append(created, lease.ID)
	}

	log.Info("✅ worktree pool: initialized with %d leases", p.Size())
	return nil
}

func (p *Pool) rollback(ctx context.Context, ids []domain.WorktreeID) {
	p.mu.Lock()
	leases := make([]*domain.WorktreeLease, 0, len(ids))
	for _, id := range ids {
		if l, ok := p.leases[id]; ok {
			leases = append(leases, l)
			delete(p.leases, id)
		}
	}
	p.order = nil
	p.mu.Unlock()

	for _, l := range leases {
		p.destroyLease(ctx, l)
	}
}

// reclaimOrphans scans BaseDir for worktree directories left behind by a
// crashed process and folds any that still match this pool's branch naming
// convention back into usable leases, grounded on the teacher's
// ReclaimOrphanedPoolWorktrees.
func (p *Pool) reclaimOrphans(ctx context.Context) {
	entries, err := os.ReadDir(p.cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("⚠️ worktree pool: failed to scan base dir for orphans: %v", err)
		}
		return
	}

	reclaimed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(p.cfg.BaseDir, entry.Name())
		if !p.vcs.WorktreeExists(path) {
			continue
		}
		branch, err := p.vcs.CurrentBranch(ctx, path)
		if err != nil || !isPoolBranch(branch) {
			continue
		}
		if err := p.vcs.ResetWorktree(ctx, path, branch); err != nil {
			log.Warn("⚠️ worktree pool: orphan %s failed reset, removing: %v", path, err)
			_ = p.vcs.RemoveWorktree(ctx, path)
			_ = p.vcs.DeleteLocalBranch(ctx, branch)
			continue
		}

		lease := &domain.WorktreeLease{
			ID:        domain.WorktreeID(entry.Name()),
			Path:      path,
			Branch:    branch,
			CreatedAt: time.Now(),
			Status:    domain.LeaseFree,
		}
		p.mu.Lock()
		p.leases[lease.ID] = lease
		p.order = append(p.order, lease.ID)
		p.mu.Unlock()
		reclaimed++
	}

	if reclaimed > 0 {
		log.Info("🔍 worktree pool: reclaimed %d orphaned worktrees", reclaimed)
	}
}

func isPoolBranch(branch string) bool {
	return len(branch) > len(branchPrefix) && branch[:len(branchPrefix)] == branchPrefix
}

func (p *Pool) createLease(ctx context.Context) (*domain.WorktreeLease, error) {
	if err := p.vcs.FetchOrigin(ctx); err != nil {
		return nil, fmt.Errorf("fetch origin: %w", err)
	}
	defaultBranch, err := p.vcs.DefaultBranch(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve default branch: %w", err)
	}

	id := domain.WorktreeID(uuid.New().String())
	name := codename.Generate(p.rng, 0)
	branch := branchPrefix + name
	path := filepath.Join(p.cfg.BaseDir, string(id))

	if err := p.vcs.CreateWorktree(ctx, path, branch, "origin/"+defaultBranch); err != nil {
		return nil, fmt.Errorf("create worktree: %w", err)
	}

	return &domain.WorktreeLease{
		ID:        id,
		Path:      path,
		Branch:    branch,
		CreatedAt: time.Now(),
		LastUsed:  time.Now(),
		Status:    domain.LeaseFree,
	}, nil
}

func (p *Pool) destroyLease(ctx context.Context, lease *domain.WorktreeLease) {
	if err := p.vcs.RemoveWorktree(ctx, lease.Path); err != nil {
		log.Warn("⚠️ worktree pool: failed to remove worktree %s: %v", lease.Path, err)
	}
	if err := p.vcs.DeleteLocalBranch(ctx, lease.Branch); err != nil {
		log.Warn("⚠️ worktree pool: failed to delete branch %s: %v", lease.Branch, err)
	}
}

// Acquire blocks until a FREE lease is available (or ctx is done) and
// returns it marked BUSY. It hands out the first free lease in creation
// order, so usage is not rotated across the pool: earlier leases are
// preferred whenever they are free.
func (p *Pool) Acquire(ctx context.Context) (*domain.WorktreeLease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed {
			return nil, ErrPoolClosed
		}
		if lease := p.firstFreeLocked(); lease != nil {
			lease.Status = domain.LeaseBusy
			lease.LastUsed = time.Now()
			log.Debug("worktree pool: acquired lease %s", lease.ID)
			return lease, nil
		}
		if len(p.leases) == 0 {
			return nil, ErrPoolExhausted
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !p.waitLocked(ctx) {
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) firstFreeLocked() *domain.WorktreeLease {
	for _, id := range p.order {
		if l, ok := p.leases[id]; ok && l.Status == domain.LeaseFree {
			return l
		}
	}
	return nil
}

// waitLocked blocks on the pool's condition variable, waking early if ctx
// is cancelled. Must be called with p.mu held; returns with it re-held.
func (p *Pool) waitLocked(ctx context.Context) bool {
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		close(done)
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.cond.Wait()

	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Release returns lease to the pool after running the reset algorithm
// (clean + hard reset to the lease's own branch tip, then an integrity
// check). A lease whose reset fails is never handed back out in a possibly
// corrupt state: Release itself recycles it in place by destroying and
// recreating the worktree (spec §4.1 step 3), retrying until either a
// fresh worktree passes or the lease's consecutive-failure count reaches
// MaxResetFailures, at which point it's dropped and the pool shrinks by
// one (spec §7/§9 Open Question 2). Setting Config.PreserveErrorLeases
// keeps a dropped lease's directory on disk instead of removing it.
func (p *Pool) Release(ctx context.Context, lease *domain.WorktreeLease) {
	if ok, err := p.resetLease(ctx, lease); ok {
		lease.RecordResetSuccess()
		p.mu.Lock()
		lease.Status = domain.LeaseFree
		p.mu.Unlock()
		p.cond.Signal()
		return
	} else if err != nil {
		log.Warn("⚠️ worktree pool: reset failed for lease %s: %v", lease.ID, err)
	} else {
		log.Warn("⚠️ worktree pool: integrity check failed for lease %s", lease.ID)
	}

	p.mu.Lock()
	lease.Status = domain.LeaseError
	p.mu.Unlock()

	p.recycleLease(ctx, lease)
}

// recycleLease is reached only once a lease's reset has already failed. It
// retries by destroying the worktree and recreating it from scratch,
// bounded by MaxResetFailures, so a transient failure never leaves the
// lease permanently stuck in LeaseError — ERROR is recovered or the lease
// is dropped before Release returns, never left for some later Acquire to
// stumble over (Acquire only ever hands out LeaseFree leases).
func (p *Pool) recycleLease(ctx context.Context, lease *domain.WorktreeLease) {
	for {
		failures := lease.RecordResetFailure()
		if failures >= p.cfg.maxResetFailures() {
			p.addWarning(fmt.Sprintf("lease %s exceeded %d reset failures, dropped", lease.ID, p.cfg.maxResetFailures()))
			p.dropLease(ctx, lease)
			return
		}

		log.Warn("⚠️ worktree pool: recreating lease %s after reset failure (%d/%d)", lease.ID, failures, p.cfg.maxResetFailures())
		p.destroyLease(ctx, lease)

		fresh, err := p.createLease(ctx)
		if err != nil {
			log.Warn("⚠️ worktree pool: lease %s recreate attempt failed: %v", lease.ID, err)
			continue
		}

		p.mu.Lock()
		lease.Path = fresh.Path
		lease.Branch = fresh.Branch
		lease.CreatedAt = fresh.CreatedAt
		lease.LastUsed = fresh.LastUsed
		lease.Status = domain.LeaseFree
		p.mu.Unlock()
		lease.RecordResetSuccess()

		p.addWarning(fmt.Sprintf("lease %s recovered after %d reset failure(s) by recreating its worktree", lease.ID, failures))
		log.Info("✅ worktree pool: lease %s recovered by recreation", lease.ID)
		p.cond.Signal()
		return
	}
}

func (p *Pool) addWarning(msg string) {
	p.mu.Lock()
	p.warnings = append(p.warnings, msg)
	p.mu.Unlock()
}

// Warnings returns every degraded-capacity notice recorded so far (lease
// recoveries and drops triggered by the RESET_FAILURE policy), oldest
// first. Safe to call at any point in the pool's lifetime.
func (p *Pool) Warnings() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.warnings))
	copy(out, p.warnings)
	return out
}

func (p *Pool) resetLease(ctx context.Context, lease *domain.WorktreeLease) (bool, error) {
	if err := p.vcs.ResetWorktree(ctx, lease.Path, lease.Branch); err != nil {
		return false, err
	}
	ok, err := p.vcs.IntegrityCheck(ctx, lease.Path)
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (p *Pool) dropLease(ctx context.Context, lease *domain.WorktreeLease) {
	p.mu.Lock()
	delete(p.leases, lease.ID)
	for i, id := range p.order {
		if id == lease.ID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	remaining := len(p.leases)
	p.mu.Unlock()

	log.Error("❌ worktree pool: lease %s exceeded %d reset failures, dropping (pool size now %d)",
		lease.ID, p.cfg.maxResetFailures(), remaining)

	if p.cfg.PreserveErrorLeases {
		log.Info("ℹ️ worktree pool: preserving %s for post-mortem inspection", lease.Path)
		return
	}
	p.destroyLease(ctx, lease)
	p.cond.Broadcast()
}

// Size returns the current number of leases still tracked by the pool
// (free, busy or error), which can be less than the configured size after
// leases have been dropped.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leases)
}

// Cleanup tears down every remaining lease and marks the pool closed so
// further Acquire calls fail fast. Idempotent.
func (p *Pool) Cleanup(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	leases := make([]*domain.WorktreeLease, 0, len(p.leases))
	for _, l := range p.leases {
		leases = append(leases, l)
	}
	p.leases = make(map[domain.WorktreeID]*domain.WorktreeLease)
	p.order = nil
	p.mu.Unlock()
	p.cond.Broadcast()

	log.Info("🧹 worktree pool: cleaning up %d leases", len(leases))
	for _, l := range leases {
		p.destroyLease(ctx, l)
	}
}
