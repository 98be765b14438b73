// Package scheduler drives one or more harts through quanta of
// instructions, choosing JIT-compiled entry points over TB-block replay
// over single-step interpretation for each slice, and
// keeps the CLINT's global instruction-retire clock advancing in step.
package scheduler

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/otterbyte/rv32vm/internal/asynccompile"
	"github.com/otterbyte/rv32vm/internal/core"
	"github.com/otterbyte/rv32vm/internal/jit"
	"github.com/otterbyte/rv32vm/internal/mem"
	"github.com/otterbyte/rv32vm/internal/tbcache"
)

// Options are the scheduling tuning knobs: the per-hart quantum size,
// the worker CLINT-commit batch size, and the JIT guard/cooldown knobs.
type Options struct {
	HartSliceInstr      uint64
	NoProgressThreshold int
	Cooldown            int
	WorkerCommitBatch   uint64
	Threaded            bool
	TBEnabled           bool
	JITEnabled          bool
	AsyncEnabled        bool
}

func DefaultOptions() Options {
	return Options{
		HartSliceInstr:      256,
		NoProgressThreshold: 4,
		Cooldown:            16,
		WorkerCommitBatch:   64,
		TBEnabled:           true,
	}
}

// HartUnit bundles one hart with its own TB cache — every hart gets an
// independent cache since privilege/MMU state (and therefore what a
// given PC actually decodes to) is per-hart.
type HartUnit struct {
	Hart *core.Hart
	TB   *tbcache.Cache

	noProgress int
	cooldown   int
}

func NewHartUnit(h *core.Hart, tb *tbcache.Cache) *HartUnit {
	return &HartUnit{Hart: h, TB: tb}
}

// Scheduler is the single-thread round-robin driver. Use Threaded for the opt-in per-hart-OS-thread mode.
type Scheduler struct {
	opts     Options
	harts    []*HartUnit
	clint    *mem.CLINT
	compiler *jit.Compiler
	async    *asynccompile.Pool
}

func New(opts Options, harts []*HartUnit, clint *mem.CLINT, compiler *jit.Compiler, async *asynccompile.Pool) *Scheduler {
	return &Scheduler{opts: opts, harts: harts, clint: clint, compiler: compiler, async: async}
}

// Run executes up to budget instructions round-robin across every
// running hart, HartSliceInstr at a time, and returns the total
// retired (possibly less than budget if every hart stopped first).
func (s *Scheduler) Run(budget uint64) uint64 {
	var total uint64
	for budget > 0 {
		anyRunning := false
		var roundRetired uint64
		for _, hu := range s.harts {
			if budget == 0 {
				break
			}
			if !hu.Hart.Running {
				continue
			}
			anyRunning = true
			quantum := s.opts.HartSliceInstr
			if quantum > budget || quantum == 0 {
				quantum = budget
			}
			retired := s.runQuantum(hu, quantum)
			total += retired
			roundRetired += retired
			budget -= retired
			s.clint.Advance(retired)
		}
		if s.async != nil {
			s.drainAsync()
		}
		if !anyRunning {
			break
		}
		if roundRetired == 0 {
			// Every running hart is parked in WFI with nothing pending.
			// mtime only advances on retirement, so no timer can fire
			// and no state change is reachable from here.
			break
		}
	}
	return total
}

// runQuantum retires up to quantum instructions from hu, preferring a
// JIT-compiled entry, then TB-block replay, then a plain interpreter
// step, in that dispatch order.
func (s *Scheduler) runQuantum(hu *HartUnit, quantum uint64) uint64 {
	var retired uint64
	for retired < quantum {
		h := hu.Hart
		if !h.Running {
			break
		}

		if h.WFI {
			if pending, _ := h.CheckInterrupt(); pending {
				h.WFI = false
			} else {
				// Asleep with nothing pending: yield the rest of this
				// quantum rather than reaching the TB/JIT path, mirroring
				// Step()'s own WFI guard.
				break
			}
		}

		if pending, cause := h.CheckInterrupt(); pending && !h.WFI {
			h.HandleTrap(cause, 0)
			continue
		}

		if !s.opts.TBEnabled && !s.opts.JITEnabled {
			// Block path disabled: plain single-step interpretation.
			n := h.Step()
			retired += n
			if n == 0 && !h.Running {
				break
			}
			continue
		}

		line, err := hu.TB.GetOrBuild(h, h.PC)
		if err != nil {
			// Fetch faulted before any instruction decoded: let a plain
			// Step take the trap the normal way.
			retired += h.Step()
			continue
		}

		jitEligible := s.opts.JITEnabled && !(s.skipMMode() && h.Priv == core.PrivMachine)
		if jitEligible && hu.cooldown == 0 && line.JIT == tbcache.JITReady && line.Entry != nil {
			n, noRetire := s.dispatchJIT(hu, line, quantum-retired)
			retired += n
			if n == 0 && noRetire {
				hu.noProgress++
				if hu.noProgress >= s.opts.NoProgressThreshold {
					hu.noProgress = 0
					hu.cooldown = s.opts.Cooldown
					retired += h.Step()
				}
				continue
			}
			hu.noProgress = 0
			continue
		}

		if hu.cooldown > 0 {
			hu.cooldown--
		}

		if jitEligible {
			s.maybeTriggerCompile(hu, line)
		}

		n, trapped := tbcache.Execute(h, line)
		retired += n
		if trapped || n == 0 {
			if n == 0 {
				// Line produced nothing (e.g. first instruction
				// trapped): take a single interpreter step so the
				// quantum still makes forward progress.
				retired += h.Step()
			}
		}
	}
	return retired
}

// dispatchJIT invokes a compiled entry point, translating its
// DispatchResult into the retired/no-retire pair runQuantum expects.
func (s *Scheduler) dispatchJIT(hu *HartUnit, line *tbcache.Line, budget uint64) (retired uint64, handledNoRetire bool) {
	ctx := &tbcache.DispatchContext{Hart: hu.Hart, Cache: hu.TB, Line: line, Budget: budget}
	res := line.Entry(ctx)
	return res.Retired, res.HandledNoRetire
}

// maybeTriggerCompile submits (or synchronously runs) a compile once a
// line's hotness crosses the configured threshold, adjusted for queue
// pressure when the async pool is on.
func (s *Scheduler) maybeTriggerCompile(hu *HartUnit, line *tbcache.Line) {
	if !s.opts.JITEnabled || s.compiler == nil || line.JIT != tbcache.JITNone {
		return
	}
	threshold := hotThreshold(s.compiler)
	if s.async != nil {
		threshold = s.async.AdjustThreshold(threshold)
	}
	if line.Hotness < threshold {
		return
	}
	if s.async != nil && s.async.Submit(line) {
		if s.async.Options().Prefetch {
			s.prefetchSuccessor(hu, line)
		}
		return
	}
	s.compileSync(line)
}

// compileSync runs a foreground compile, optionally recycling a full
// code pool once and retrying before giving up on the line.
func (s *Scheduler) compileSync(line *tbcache.Line) {
	_, err := s.compiler.Compile(line)
	if err != jit.ErrPoolFull || s.async == nil || !s.async.Options().RecycleOnFull {
		return
	}
	if s.compiler.RecyclePool() != nil {
		return
	}
	for _, hu := range s.harts {
		hu.TB.ResetCompiled()
	}
	line.JIT = tbcache.JITNone
	s.compiler.Compile(line)
}

// prefetchSuccessor queues the block this line falls through to, so
// straight-line code compiles one block ahead of execution.
func (s *Scheduler) prefetchSuccessor(hu *HartUnit, line *tbcache.Line) {
	if len(line.PCs) == 0 {
		return
	}
	last := line.Insns[len(line.Insns)-1]
	nextPC := line.PCs[len(line.PCs)-1] + last.Len
	if succ, ok := hu.TB.Lookup(nextPC); ok && succ.JIT == tbcache.JITNone {
		s.async.Submit(succ)
	}
}

// skipMMode reports whether EXPERIMENTAL_JIT_SKIP_MMODE is set, keeping
// M-mode code (typically firmware/SBI-adjacent hot loops that toggle
// CLINT/PLIC state) on the plain interpreter rather than compiled.
func (s *Scheduler) skipMMode() bool {
	return s.compiler != nil && s.compiler.Options().SkipMMode
}

func hotThreshold(c *jit.Compiler) uint32 {
	if c == nil {
		return ^uint32(0)
	}
	return c.Options().HotThreshold
}

// drainAsync applies whatever async compile results are ready and
// reverts any line stuck Queued past its spin budget back to a
// synchronous compile.
func (s *Scheduler) drainAsync() {
	s.async.Drain(func(pc uint32) (*tbcache.Line, bool) {
		for _, hu := range s.harts {
			if l, ok := hu.TB.Lookup(pc); ok {
				return l, true
			}
		}
		return nil, false
	})
	var queued []uint32
	for _, hu := range s.harts {
		if l, ok := hu.TB.Lookup(hu.Hart.PC); ok && l.JIT == tbcache.JITQueued {
			queued = append(queued, l.StartPC)
		}
	}
	for _, pc := range s.async.Tick(queued) {
		for _, hu := range s.harts {
			if l, ok := hu.TB.Lookup(pc); ok {
				s.compileSync(l)
			}
		}
	}
}

// Threaded runs one OS thread (goroutine locked to its own logical
// stream) per hart, sharing an atomic executed/stop pair. Workers
// batch-commit CLINT ticks every WorkerCommitBatch retires instead of
// once per instruction.
type Threaded struct {
	opts     Options
	harts    []*HartUnit
	clint    *mem.CLINT
	compiler *jit.Compiler

	executed atomic.Uint64
	stop     atomic.Bool

	// parked counts workers whose hart is asleep (WFI, nothing pending)
	// or gone (stopped/exited). Once every worker is parked no
	// interrupt can ever be raised again, so the run is drained.
	parked atomic.Int32
}

func NewThreaded(opts Options, harts []*HartUnit, clint *mem.CLINT, compiler *jit.Compiler) *Threaded {
	return &Threaded{opts: opts, harts: harts, clint: clint, compiler: compiler}
}

// Run starts one goroutine per hart and blocks until the shared budget
// is exhausted or every hart has stopped running.
func (t *Threaded) Run(budget uint64) uint64 {
	var wg sync.WaitGroup
	for _, hu := range t.harts {
		wg.Add(1)
		go t.worker(&wg, hu, budget)
	}
	wg.Wait()
	return t.executed.Load()
}

func (t *Threaded) worker(wg *sync.WaitGroup, hu *HartUnit, budget uint64) {
	defer wg.Done()
	h := hu.Hart
	defer func() {
		if h.TimerBatch > 0 {
			t.clint.Advance(h.TimerBatch)
			h.TimerBatch = 0
		}
		if int(t.parked.Add(1)) >= len(t.harts) {
			t.stop.Store(true)
		}
	}()
	for {
		if t.stop.Load() || t.executed.Load() >= budget {
			return
		}
		if !h.Running {
			return
		}

		if h.WFI {
			if !t.sleepUntilWakeable(h) {
				return
			}
		}

		if pending, cause := h.CheckInterrupt(); pending && !h.WFI {
			h.HandleTrap(cause, 0)
		}

		n := h.Step()
		if n == 0 {
			if !h.Running {
				return
			}
			continue
		}

		h.TimerBatch += n
		total := t.executed.Add(n)
		if h.TimerBatch >= t.opts.WorkerCommitBatch {
			t.clint.Advance(h.TimerBatch)
			h.TimerBatch = 0
		}
		if total >= budget {
			t.stop.Store(true)
			return
		}
	}
}

// sleepUntilWakeable parks a WFI'd hart until an interrupt becomes
// pending, reporting false if the run stopped (or every other worker
// parked too, at which point nothing can raise one) while waiting.
func (t *Threaded) sleepUntilWakeable(h *core.Hart) bool {
	if pending, _ := h.CheckInterrupt(); pending {
		h.WFI = false
		return true
	}
	if int(t.parked.Add(1)) >= len(t.harts) {
		t.stop.Store(true)
	}
	defer t.parked.Add(-1)
	for {
		if pending, _ := h.CheckInterrupt(); pending || !h.WFI {
			h.WFI = false
			return true
		}
		if t.stop.Load() {
			return false
		}
		runtime.Gosched()
	}
}
