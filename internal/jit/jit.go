// Package jit implements the hotness-triggered code generator: once a
// TB line crosses the hit threshold, the compiler lowers its longest
// supported instruction prefix into a CompiledEntry that the scheduler
// can dispatch directly instead of re-walking the decoded array
// through the plain block interpreter.
//
// Real machine-code emission is out of reach for a portable, safely
// verifiable Go implementation without an assembler dependency the
// example corpus doesn't carry, so the "generated code" here is a
// closure over the line's supported prefix — a threaded-code lowering
// rather than literal bytes. The mmap-backed Pool still exists and
// still accounts real capacity, and every structural piece this design
// calls for — the support floor, hotness trigger, relocation
// bookkeeping, chain-linking, and the dispatch contract — is
// implemented against it. See DESIGN.md for the full justification of
// this choice.
package jit

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/otterbyte/rv32vm/internal/core"
	"github.com/otterbyte/rv32vm/internal/isa"
	"github.com/otterbyte/rv32vm/internal/tbcache"
)

// Options are the EXPERIMENTAL_JIT_* tuning knobs that
// affect code generation.
type Options struct {
	HotThreshold   uint32
	MaxBlockInsns  int
	MinPrefixInsns int
	ChainMaxInsns  uint64
	SkipMMode      bool
}

func DefaultOptions() Options {
	return Options{
		HotThreshold:   64,
		MaxBlockInsns:  tbcache.MaxBlockInsns,
		MinPrefixInsns: 2,
		ChainMaxInsns:  4096,
	}
}

// Pool is the mmap-backed code arena backing compiled blocks. It
// tracks real capacity in bytes (one accounted "byte" per lowered
// instruction in the prefix) so EXPERIMENTAL_JIT_POOL_MB has
// observable, enforceable meaning even though the payload stored at
// each reservation is a Go closure, not machine code.
type Pool struct {
	mem  []byte
	used int
}

// NewPool mmaps an anonymous RW region of mb megabytes.
func NewPool(mb int) (*Pool, error) {
	size := mb * 1024 * 1024
	if size <= 0 {
		size = 1 << 20
	}
	m, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("jit: mmap pool: %w", err)
	}
	return &Pool{mem: m}, nil
}

func (p *Pool) Close() error {
	if p.mem == nil {
		return nil
	}
	err := unix.Munmap(p.mem)
	p.mem = nil
	return err
}

func (p *Pool) Capacity() int { return len(p.mem) }
func (p *Pool) Used() int     { return p.used }

// Reserve accounts n bytes of pool capacity for a freshly compiled
// block, reporting false (forcing the compile to fail) if the pool is
// full — mirroring a real RWX arena that can't grow.
func (p *Pool) Reserve(n int) bool {
	if p.used+n > len(p.mem) {
		return false
	}
	p.used += n
	return true
}

// Recycle resets the pool's bump allocator and releases its pages.
// Compiler.RecyclePool calls it when a foreground compile finds the
// pool full; the TB lines are reset after it returns.
func (p *Pool) Recycle() error {
	p.used = 0
	return unix.Madvise(p.mem, unix.MADV_FREE)
}

// Relocation records where, within the lowered prefix, an emitted
// operation captured an absolute instruction PC, mirroring the
// byte-offset relocation table a native code generator would keep.
// Offset here is an index into the prefix rather than a machine-code
// byte offset, since the prefix is the unit of relocation in a
// closure-based lowering.
type Relocation struct {
	Offset int
	PC     uint32
}

// Artifact is a compiled prefix plus the bookkeeping needed to either
// reuse it verbatim (exact-prefix cache) or relocate it onto a new
// start PC (structure cache).
type Artifact struct {
	Entry       tbcache.CompiledEntry
	Relocations []Relocation
	Len         int // number of instructions in the compiled prefix
	Size        int // pool bytes reserved
	Portable    bool
}

// Compiler lowers TB lines into Artifacts and tracks two
// content-addressed template caches: exact-prefix keyed (bit-identical
// reuse) and structure keyed (PC-relocatable).
type Compiler struct {
	opts  Options
	pool  *Pool
	exact map[uint64]*Artifact // hash(raw, pcs, lens) -> artifact
	struc map[uint64]*Artifact // hash(raw, lens) -> artifact, PC-relocatable

	stats Stats
}

// Stats are the code-generation observability counters. They keep
// incrementing after a failed compile, so a stuck workload can still be
// diagnosed from them.
type Stats struct {
	Compiles      uint64
	ExactHits     uint64
	StructureHits uint64
	TooShort      uint64
	PoolFull      uint64
	Recycles      uint64
}

func NewCompiler(opts Options, pool *Pool) *Compiler {
	return &Compiler{opts: opts, pool: pool, exact: map[uint64]*Artifact{}, struc: map[uint64]*Artifact{}}
}

// Options returns the compiler's tuning knobs, so callers (the
// scheduler's hotness check in particular) don't need to keep a
// separate copy in sync.
func (c *Compiler) Options() Options { return c.opts }

func (c *Compiler) Stats() Stats { return c.stats }

// RecyclePool resets the code pool's bump allocator and drops both
// template caches, whose artifacts account against the capacity being
// reclaimed. The caller must also reset every TB line still holding a
// compiled entry (tbcache.Cache.ResetCompiled) before dispatching again.
func (c *Compiler) RecyclePool() error {
	c.exact = map[uint64]*Artifact{}
	c.struc = map[uint64]*Artifact{}
	c.stats.Recycles++
	return c.pool.Recycle()
}

// supported reports whether d is in the emitter's support floor:
// LUI/AUIPC, all OP-IMM, integer OP except the M-extension
// (funct7==1, which falls back to the interpreter), LOAD/STORE,
// JAL/JALR, and branches.
func supported(d isa.Decoded) bool {
	switch d.Opcode {
	case isa.OpLui, isa.OpAuipc, isa.OpOpImm, isa.OpJal, isa.OpJalr, isa.OpBranch, isa.OpLoad, isa.OpStore:
		return true
	case isa.OpOp:
		return d.Funct7 != 0b0000001
	default:
		return false
	}
}

// prefix selects the longest run of supported instructions at the
// head of insns, bounded by opts.MaxBlockInsns.
func (c *Compiler) prefix(insns []isa.Decoded) []isa.Decoded {
	n := 0
	for n < len(insns) && n < c.opts.MaxBlockInsns && supported(insns[n]) {
		n++
	}
	return insns[:n]
}

// ExactKey and StructureKey implement two content-addressed
// caches: ExactKey ties a build to its literal bytes, PCs, and
// lengths (bit-identical reuse only); StructureKey drops the PCs so
// the same byte sequence recompiled at a different start address can
// be relocated instead of recompiled from scratch.
func ExactKey(insns []isa.Decoded, pcs []uint32) uint64 {
	h := fnv1a()
	for i := range insns {
		h = fnv1aWord(h, insns[i].Raw)
		h = fnv1aWord(h, pcs[i])
		h = fnv1aWord(h, insns[i].Len)
	}
	return h
}

func StructureKey(insns []isa.Decoded) uint64 {
	h := fnv1a()
	for i := range insns {
		h = fnv1aWord(h, insns[i].Raw)
		h = fnv1aWord(h, insns[i].Len)
	}
	return h
}

func fnv1a() uint64 { return 1469598103934665603 }
func fnv1aWord(h uint64, w uint32) uint64 {
	for i := 0; i < 4; i++ {
		h ^= uint64(byte(w >> (8 * i)))
		h *= 1099511628211
	}
	return h
}

// ErrTooShort is returned when the supported prefix is below
// MinPrefixInsns.
var ErrTooShort = fmt.Errorf("jit: supported prefix shorter than minimum")

// ErrPoolFull is returned when the code pool has no room left for a
// freshly compiled artifact.
var ErrPoolFull = fmt.Errorf("jit: code pool exhausted")

// Compile lowers l's longest supported prefix into an Artifact,
// consulting the template caches first. On success it installs the
// artifact into l (JITReady) and returns it; on failure it marks l
// JITFailed and returns the error so the caller can log/count it. This
// is the foreground (synchronous) compile path; CompileSnapshot is the
// one the async worker pool uses instead.
func (c *Compiler) Compile(l *tbcache.Line) (*Artifact, error) {
	prefix := c.prefix(l.Insns)
	a, err := c.compile(l.StartPC, prefix, l.PCs[:len(prefix)])
	if err != nil {
		l.JIT = tbcache.JITFailed
		return nil, err
	}
	c.install(l, a)
	return a, nil
}

// CompileSnapshot lowers a standalone snapshot of a line's decoded
// instructions, for
// use by the async compile worker pool off the execution thread. It
// never touches a *tbcache.Line — the caller applies the result later,
// guarded by a generation check.
func (c *Compiler) CompileSnapshot(startPC uint32, insns []isa.Decoded, pcs []uint32) (*Artifact, error) {
	prefix := c.prefix(insns)
	return c.compile(startPC, prefix, pcs[:len(prefix)])
}

func (c *Compiler) compile(startPC uint32, prefix []isa.Decoded, pcs []uint32) (*Artifact, error) {
	if len(prefix) < c.opts.MinPrefixInsns {
		c.stats.TooShort++
		return nil, ErrTooShort
	}

	if a, ok := c.exact[ExactKey(prefix, pcs)]; ok {
		c.stats.ExactHits++
		return a, nil
	}
	if a, ok := c.struc[StructureKey(prefix)]; ok {
		c.stats.StructureHits++
		return relocate(a, startPC), nil
	}

	size := len(prefix)
	if !c.pool.Reserve(size) {
		c.stats.PoolFull++
		return nil, ErrPoolFull
	}
	c.stats.Compiles++

	var relocs []Relocation
	for i, d := range prefix {
		if carriesPC(d) {
			relocs = append(relocs, Relocation{Offset: i, PC: pcs[i]})
		}
	}

	a := &Artifact{
		Entry:       emit(prefix, pcs, c.opts),
		Relocations: relocs,
		Len:         len(prefix),
		Size:        size,
		Portable:    true,
	}
	c.exact[ExactKey(prefix, pcs)] = a
	c.struc[StructureKey(prefix)] = a
	return a, nil
}

// Install applies a compiled artifact to a (now presumably idle) line,
// e.g. after the async pool resolves a snapshot compiled off-thread.
func (c *Compiler) Install(l *tbcache.Line, a *Artifact) { c.install(l, a) }

func (c *Compiler) install(l *tbcache.Line, a *Artifact) {
	l.Entry = a.Entry
	l.JIT = tbcache.JITReady
	l.CodeSize = a.Size
}

// Fail marks l as JITFailed, used by the foreground when an async
// result can't be applied and no fallback compile succeeds either.
func (c *Compiler) Fail(l *tbcache.Line) { l.JIT = tbcache.JITFailed }

// carriesPC reports whether d's immediate is PC-relative (branches,
// JAL, AUIPC — the sites a relocation must patch when an artifact is
// cloned onto a new start PC).
func carriesPC(d isa.Decoded) bool {
	switch d.Opcode {
	case isa.OpBranch, isa.OpJal, isa.OpAuipc:
		return true
	default:
		return false
	}
}

// relocate clones a onto a new start PC. Since this implementation's
// "generated code" is a closure over already-decoded instructions and
// per-instruction execution is PC-relative by construction (it reads
// h.PC at execution time, never a baked-in absolute address), no
// bytes actually need patching — relocation here is a bookkeeping
// clone, not a machine-code rewrite. A real native-code backend would
// walk a.Relocations and patch each recorded offset by the PC delta.
func relocate(a *Artifact, newStartPC uint32) *Artifact {
	clone := *a
	return &clone
}

// emit lowers a supported prefix into a CompiledEntry: a prologue
// pre-dispatch check, one step per instruction via the interpreter's
// own Execute (loads/stores/branches collapse, in this lowering, to
// the same Execute call the interpreter already makes — see the
// package doc), and an epilogue that commits and attempts
// chain-linking.
func emit(prefix []isa.Decoded, pcs []uint32, opts Options) tbcache.CompiledEntry {
	insns := append([]isa.Decoded(nil), prefix...)
	// deltas are offsets from the prefix's own first PC rather than
	// baked absolute addresses, so the same closure stays valid after
	// relocate clones it onto a new start PC: the guard below re-derives
	// the expected PC from wherever this dispatch actually started.
	deltas := make([]uint32, len(pcs))
	for i, pc := range pcs {
		deltas[i] = pc - pcs[0]
	}
	return func(ctx *tbcache.DispatchContext) tbcache.DispatchResult {
		h := ctx.Hart
		if !h.Running {
			ctx.Handled = true
			return tbcache.DispatchResult{HandledNoRetire: true}
		}
		if pending, cause := h.CheckInterrupt(); pending {
			h.HandleTrap(cause, 0)
			ctx.Handled = true
			return tbcache.DispatchResult{HandledNoRetire: true}
		}

		base := h.PC
		var retired uint64
		for i, d := range insns {
			if h.PC != base+deltas[i] {
				break // control already left the compiled prefix
			}
			if err := h.Execute(d); err != nil {
				if exc, ok := err.(core.ExceptionError); ok {
					h.HandleTrap(exc.Cause, exc.Tval)
				} else {
					h.Running = false
				}
				ctx.CumulativeRetired += retired
				return tbcache.DispatchResult{Retired: retired, HandledNoRetire: retired == 0}
			}
			h.X[0] = 0
			h.Cycle++
			h.Instret++
			retired++
			if retired >= opts.ChainMaxInsns {
				break
			}
		}
		ctx.CumulativeRetired += retired

		// Epilogue: the whole prefix fell through, so attempt a chain
		// link into whatever compiled block starts at the new PC. The
		// chained entry sees the same dispatch frame, so ChainMaxInsns
		// and the quantum budget cap the entire hop sequence, not each
		// block individually.
		if retired == uint64(len(insns)) &&
			ctx.CumulativeRetired < opts.ChainMaxInsns && ctx.CumulativeRetired < ctx.Budget {
			if next, succ := chainNext(ctx); next != nil {
				prev := ctx.Line
				ctx.Line = succ
				res := next(ctx)
				ctx.Line = prev
				retired += res.Retired
			}
		}
		return tbcache.DispatchResult{Retired: retired}
	}
}

// chainNext resolves the successor entry point for the PC the hart has
// fallen through to, maintaining the current line's one-entry chain
// cache: the cached target is a weak PC reference, re-validated against
// a fresh lookup so an evicted or rebuilt successor is discovered here
// rather than dangling.
func chainNext(ctx *tbcache.DispatchContext) (tbcache.CompiledEntry, *tbcache.Line) {
	if ctx.Line == nil || ctx.Cache == nil {
		return nil, nil
	}
	succ, ok := ctx.Cache.Lookup(ctx.Hart.PC)
	if !ok || succ.JIT != tbcache.JITReady || succ.Entry == nil {
		ctx.Line.InvalidateChain()
		return nil, nil
	}
	if pc, has := ctx.Line.ChainTargetPC(); !has || pc != succ.StartPC {
		ctx.Line.SetChain(succ.StartPC, succ.Entry)
	}
	return succ.Entry, succ
}
