// Package asynccompile implements the background JIT worker pool: a
// bounded queue of TB-line snapshots drained by N workers, with
// foreground-applied results classified for observability when they
// can't be applied directly.
package asynccompile

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/otterbyte/rv32vm/internal/isa"
	"github.com/otterbyte/rv32vm/internal/jit"
	"github.com/otterbyte/rv32vm/internal/tbcache"
)

// Options are the EXPERIMENTAL_JIT_ASYNC* tuning knobs.
type Options struct {
	Workers           int
	QueueDepth        int
	SyncFallbackSpins int

	// Prefetch makes the scheduler also submit a hot line's fall-through
	// successor, so straight-line code compiles one block ahead of
	// execution.
	Prefetch bool

	// RecycleOnFull lets a foreground compile that hits ErrPoolFull
	// recycle the code pool (dropping every installed entry) instead of
	// permanently failing the line.
	RecycleOnFull bool

	// BusyPercent is the queue occupancy above which the pool counts as
	// busy; HotDiscount is added to the hotness threshold while busy
	// (deferring new submissions) and HotBonus is subtracted while idle.
	BusyPercent int
	HotDiscount int
	HotBonus    int
}

func DefaultOptions() Options {
	return Options{Workers: 2, QueueDepth: 64, SyncFallbackSpins: 8, BusyPercent: 75}
}

// Job is a compile request holding a snapshot of a line's decoded
// instructions, never a live *tbcache.Line.
type Job struct {
	Line       *tbcache.Line
	StartPC    uint32
	Insns      []isa.Decoded
	PCs        []uint32
	Generation uint64
}

// Classification is the observability bucket a result falls into when
// it can't be applied directly.
type Classification int

const (
	ClassApplied Classification = iota
	ClassRelocated
	ClassNonportable
	ClassNotSuccess
	ClassLookupMiss
	ClassStateMismatch
	ClassSigMismatch
)

func (c Classification) String() string {
	switch c {
	case ClassApplied:
		return "applied"
	case ClassRelocated:
		return "relocated"
	case ClassNonportable:
		return "nonportable"
	case ClassNotSuccess:
		return "not_success"
	case ClassLookupMiss:
		return "lookup_miss"
	case ClassStateMismatch:
		return "state_mismatch"
	case ClassSigMismatch:
		return "sig_mismatch"
	default:
		return "unknown"
	}
}

// Result is a completed compile, still unapplied — the foreground
// decides whether it can be installed.
type Result struct {
	Job      Job
	Artifact *jit.Artifact
	Err      error
}

// Pool is the async compile worker pool. Workers pull jobs off a
// bounded channel and post Results to a buffered channel the
// foreground drains at its convenience.
type Pool struct {
	compiler *jit.Compiler
	opts     Options

	jobs    chan Job
	results chan Result
	sem     *semaphore.Weighted
	group   *errgroup.Group
	cancel  context.CancelFunc

	// spins counts, per StartPC, how many consecutive drain cycles a
	// line has sat in tbcache.JITQueued without a result arriving — the
	// foreground's sync_fallback_spins trigger. Owned entirely by the
	// foreground goroutine.
	spins map[uint32]int
}

// NewPool starts opts.Workers goroutines, bounded additionally by a
// semaphore so a burst of queued jobs can't spawn more concurrent
// compiles than the worker count even if the channel briefly backs up.
func NewPool(compiler *jit.Compiler, opts Options) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueDepth < 1 {
		opts.QueueDepth = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	p := &Pool{
		compiler: compiler,
		opts:     opts,
		jobs:     make(chan Job, opts.QueueDepth),
		results:  make(chan Result, opts.QueueDepth),
		sem:      semaphore.NewWeighted(int64(opts.Workers)),
		group:    g,
		cancel:   cancel,
		spins:    map[uint32]int{},
	}
	for i := 0; i < opts.Workers; i++ {
		g.Go(func() error { return p.worker(gctx) })
	}
	return p
}

func (p *Pool) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-p.jobs:
			if !ok {
				return nil
			}
			if err := p.sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			a, err := p.compiler.CompileSnapshot(job.StartPC, job.Insns, job.PCs)
			p.sem.Release(1)
			select {
			case p.results <- Result{Job: job, Artifact: a, Err: err}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Options returns the pool's tuning knobs.
func (p *Pool) Options() Options { return p.opts }

// BusyPercent reports current queue occupancy as a percentage.
func (p *Pool) BusyPercent() int {
	if cap(p.jobs) == 0 {
		return 0
	}
	return len(p.jobs) * 100 / cap(p.jobs)
}

// AdjustThreshold applies the busy discount / idle bonus to a base
// hotness threshold: a busy queue demands more hotness before accepting
// new work, an idle one compiles slightly colder lines.
func (p *Pool) AdjustThreshold(base uint32) uint32 {
	if p.opts.BusyPercent > 0 && p.BusyPercent() >= p.opts.BusyPercent {
		return base + uint32(p.opts.HotDiscount)
	}
	if bonus := uint32(p.opts.HotBonus); bonus < base {
		return base - bonus
	}
	return 1
}

// Submit enqueues a snapshot job, marking the line Queued. Returns
// false without blocking if the queue is full — the caller falls back
// to a synchronous foreground compile for this hit.
func (p *Pool) Submit(l *tbcache.Line) bool {
	job := Job{
		Line:       l,
		StartPC:    l.StartPC,
		Insns:      append([]isa.Decoded(nil), l.Insns...),
		PCs:        append([]uint32(nil), l.PCs...),
		Generation: l.Generation,
	}
	select {
	case p.jobs <- job:
		l.JIT = tbcache.JITQueued
		return true
	default:
		return false
	}
}

// Drain applies every result currently ready without blocking,
// returning the classification of each. lookup is how the foreground
// confirms a line at a given PC is still the same line the job was
// submitted against (used to distinguish a genuine generation bump
// from a line that was evicted and replaced by an unrelated build at
// the same PC).
func (p *Pool) Drain(lookup func(pc uint32) (*tbcache.Line, bool)) []Classification {
	var out []Classification
	for {
		select {
		case r := <-p.results:
			out = append(out, p.apply(r, lookup))
		default:
			return out
		}
	}
}

func (p *Pool) apply(r Result, lookup func(pc uint32) (*tbcache.Line, bool)) Classification {
	delete(p.spins, r.Job.StartPC)

	current, ok := lookup(r.Job.StartPC)
	if !ok {
		return ClassLookupMiss
	}
	if r.Err != nil {
		p.compiler.Fail(current)
		return ClassNotSuccess
	}
	if current.Generation == r.Job.Generation {
		p.compiler.Install(current, r.Artifact)
		return ClassApplied
	}
	// Stale relative to the line's current build. A structure-keyed
	// (portable) artifact can still be relocated onto whatever now
	// occupies the slot; an exact-only artifact cannot.
	if !r.Artifact.Portable {
		return ClassNonportable
	}
	if sigMismatch(current, r.Job) {
		return ClassSigMismatch
	}
	if stateMismatch(current, r.Job) {
		return ClassStateMismatch
	}
	relocated := &jit.Artifact{
		Entry:       r.Artifact.Entry,
		Relocations: r.Artifact.Relocations,
		Len:         r.Artifact.Len,
		Size:        r.Artifact.Size,
		Portable:    r.Artifact.Portable,
	}
	p.compiler.Install(current, relocated)
	return ClassRelocated
}

// sigMismatch reports whether current's instruction stream has a
// different shape than the one the stale job was compiled from —
// shorter, so the job's prefix no longer even fits. This can't be
// relocated onto the line at all, regardless of portability.
func sigMismatch(current *tbcache.Line, job Job) bool {
	return len(current.Insns) < len(job.Insns)
}

// stateMismatch reports whether current still has the same shape as
// job but different content at the same positions — the line's bytes
// were rewritten (self-modifying code, or an unrelated rebuild that
// happened to retire the same instruction count) between submission
// and this result arriving. Relocating the stale artifact here would
// silently run code for instructions that no longer exist at this PC.
func stateMismatch(current *tbcache.Line, job Job) bool {
	for i, d := range job.Insns {
		if current.Insns[i].Raw != d.Raw {
			return true
		}
	}
	return false
}

// Tick advances the foreground's queued-spin counters for lines still
// sitting in tbcache.JITQueued with no result yet, returning the PCs
// that have spun past SyncFallbackSpins and must fall back to a
// synchronous foreground compile.
func (p *Pool) Tick(queuedPCs []uint32) []uint32 {
	seen := map[uint32]bool{}
	var overdue []uint32
	for _, pc := range queuedPCs {
		seen[pc] = true
		p.spins[pc]++
		if p.spins[pc] > p.opts.SyncFallbackSpins {
			overdue = append(overdue, pc)
			delete(p.spins, pc)
		}
	}
	for pc := range p.spins {
		if !seen[pc] {
			delete(p.spins, pc)
		}
	}
	return overdue
}

// Close stops accepting jobs and waits for in-flight workers to exit.
func (p *Pool) Close() error {
	p.cancel()
	close(p.jobs)
	if err := p.group.Wait(); err != nil {
		return fmt.Errorf("asynccompile: worker pool: %w", err)
	}
	return nil
}
