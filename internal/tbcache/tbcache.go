// Package tbcache implements the translation-block cache: a PC-keyed, set-associative cache of pre-decoded instruction
// runs, plus the block interpreter that replays a line without
// re-running the decoder on every retirement.
package tbcache

import (
	"github.com/otterbyte/rv32vm/internal/core"
	"github.com/otterbyte/rv32vm/internal/isa"
)

// JITState is a TB line's code-generation state machine.
type JITState uint8

const (
	JITNone JITState = iota
	JITQueued
	JITReady
	JITFailed
)

// MaxBlockInsns bounds how many decoded instructions a single line can
// hold.
const MaxBlockInsns = 32

// CompiledEntry is a JIT-compiled block's native entry point. Defined
// here (not in package jit) so Line can hold one without tbcache
// importing jit — jit imports tbcache, never the reverse.
type CompiledEntry func(ctx *DispatchContext) DispatchResult

// DispatchResult is what a block dispatch (interpreted or compiled)
// reports back to the scheduler.
type DispatchResult struct {
	Retired         uint64
	HandledNoRetire bool // PC changed or hart stopped outside normal retirement
}

// NoProgress reports the third dispatch outcome: nothing retired and
// nothing else changed either.
func (r DispatchResult) NoProgress() bool { return r.Retired == 0 && !r.HandledNoRetire }

// DispatchContext is the "dispatch frame" pushed around a block's
// execution: the
// in-scope hart, the remaining instruction budget, and the chain-link
// cache the epilogue consults. The JIT passes this explicitly to its
// helpers instead of threading it through TLS.
type DispatchContext struct {
	Hart   *core.Hart
	Cache  *Cache
	Line   *Line  // the line whose entry is being dispatched; nil for bare entries
	Budget uint64 // remaining instructions this quantum

	CumulativeRetired uint64
	Handled           bool
}

// chainLink is a one-entry cache of "if this line falls through, here
// is the successor's compiled entry". Represented as a PC plus a
// validity flag rather than holding an owning reference, so an
// evicted successor is simply a stale cache entry discovered at
// lookup time, never a dangling pointer.
type chainLink struct {
	valid       bool
	successorPC uint32
	entry       CompiledEntry
}

// Line is a cached decode of consecutive instructions starting at PC
//.
type Line struct {
	Valid   bool
	StartPC uint32
	Insns   []isa.Decoded
	PCs     []uint32

	Hotness  uint32
	JIT      JITState
	Entry    CompiledEntry
	CodeSize int

	// Generation increments every time the line is (re)built at a new
	// PC, so an async-compile result computed against a stale build can
	// be told apart from the line's current contents.
	Generation uint64

	chain chainLink
}

// Cache is the set-associative TB cache.
type Cache struct {
	lines int // power of two, number of sets
	ways  int
	sets  [][]Line

	evictedQueued uint64
	builds        uint64
}

// NewCache constructs a cache with `lines` sets (must be a power of
// two) and `ways` lines per set.
func NewCache(lines, ways int) *Cache {
	if ways < 1 {
		ways = 1
	}
	sets := make([][]Line, lines)
	for i := range sets {
		sets[i] = make([]Line, ways)
	}
	return &Cache{lines: lines, ways: ways, sets: sets}
}

func (c *Cache) index(pc uint32) int {
	return int((pc >> 2)) & (c.lines - 1)
}

// Lookup returns the line starting at pc if present in its set,
// without building or evicting anything.
func (c *Cache) Lookup(pc uint32) (*Line, bool) {
	set := c.sets[c.index(pc)]
	for i := range set {
		if set[i].Valid && set[i].StartPC == pc {
			return &set[i], true
		}
	}
	return nil, false
}

// victim picks an eviction target within pc's set, in priority order:
// invalid/failed lines first, then the coldest line that is not Queued
// (lowest hotness first); Queued lines are evicted only as a last
// resort, and doing so is tracked for observability.
func (c *Cache) victim(pc uint32) *Line {
	set := c.sets[c.index(pc)]
	for i := range set {
		if !set[i].Valid || set[i].JIT == JITFailed {
			return &set[i]
		}
	}
	best := -1
	for i := range set {
		if set[i].JIT == JITQueued {
			continue
		}
		if best == -1 || set[i].Hotness < set[best].Hotness {
			best = i
		}
	}
	if best != -1 {
		return &set[best]
	}
	// Every way is Queued: evict the coldest anyway.
	best = 0
	for i := range set {
		if set[i].Hotness < set[best].Hotness {
			best = i
		}
	}
	return &set[best]
}

// Stats are the cache's observability counters: lines built, and lines
// evicted while still Queued for compilation.
type Stats struct {
	Builds        uint64
	EvictedQueued uint64
}

func (c *Cache) Stats() Stats {
	return Stats{Builds: c.builds, EvictedQueued: c.evictedQueued}
}

// ResetCompiled reverts every compiled (or failed) line to JITNone and
// drops all chain links. Called after the JIT pool is recycled, since
// every installed entry points into capacity that no longer exists.
func (c *Cache) ResetCompiled() {
	for si := range c.sets {
		set := c.sets[si]
		for i := range set {
			l := &set[i]
			if l.JIT == JITReady || l.JIT == JITFailed {
				l.JIT = JITNone
				l.Entry = nil
				l.CodeSize = 0
			}
			l.InvalidateChain()
		}
	}
}

// Fetcher is the narrow view of the hart the builder needs: reading
// instruction words without touching architectural state.
type Fetcher interface {
	FetchDecode(pc uint32) (isa.Decoded, error)
}

// GetOrBuild returns the line starting at pc, building and inserting
// one if the set doesn't already hold it.
func (c *Cache) GetOrBuild(f Fetcher, pc uint32) (*Line, error) {
	if l, ok := c.Lookup(pc); ok {
		return l, nil
	}
	insns, pcs, err := build(f, pc)
	if err != nil {
		return nil, err
	}
	victim := c.victim(pc)
	if victim.JIT == JITQueued {
		c.evictedQueued++
	}
	c.builds++
	*victim = Line{
		Valid:      true,
		StartPC:    pc,
		Insns:      insns,
		PCs:        pcs,
		Generation: victim.Generation + 1,
	}
	return victim, nil
}

// isBlockEnd reports whether d is a control-flow or system
// instruction, the point at which a line stops growing.
func isBlockEnd(d isa.Decoded) bool {
	switch d.Opcode {
	case isa.OpBranch, isa.OpJal, isa.OpJalr, isa.OpSystem:
		return true
	default:
		return false
	}
}

func build(f Fetcher, startPC uint32) ([]isa.Decoded, []uint32, error) {
	var insns []isa.Decoded
	var pcs []uint32
	pc := startPC
	for len(insns) < MaxBlockInsns {
		d, err := f.FetchDecode(pc)
		if err != nil {
			if len(insns) == 0 {
				return nil, nil, err
			}
			break // keep the prefix that decoded cleanly; the fault reoccurs on re-fetch
		}
		insns = append(insns, d)
		pcs = append(pcs, pc)
		if isBlockEnd(d) {
			break
		}
		pc += d.Len
	}
	return insns, pcs, nil
}

// Execute replays a line's decoded instructions against h in order,
// committing each retirement, and stops (returning the partial retired
// count, not an error) the moment one traps so the scheduler can
// credit the work already done. An ExceptionError is delivered through
// h.HandleTrap before Execute returns; any other error is reported as
// trapped without entering a handler.
func Execute(h *core.Hart, l *Line) (retired uint64, trapped bool) {
	for _, d := range l.Insns {
		if h.PC != l.PCs[retired] {
			// Control flow left the line's straight-line sequence
			// (e.g. a earlier branch in the same line was taken to a
			// PC outside it — can't happen by construction since a
			// branch always ends the line, but guards a corrupted
			// generation).
			break
		}
		if err := h.Execute(d); err != nil {
			if exc, ok := err.(core.ExceptionError); ok {
				h.HandleTrap(exc.Cause, exc.Tval)
				return retired, true
			}
			return retired, true
		}
		h.X[0] = 0
		h.Cycle++
		h.Instret++
		retired++
	}
	l.Hotness++
	return retired, false
}

// InvalidateChain drops l's cached successor pointer; called when the
// successor is no longer a compiled line, and by ResetCompiled.
func (l *Line) InvalidateChain() { l.chain = chainLink{} }

// SetChain records the compiled entry point reachable by falling off
// the end of l.
func (l *Line) SetChain(successorPC uint32, entry CompiledEntry) {
	l.chain = chainLink{valid: true, successorPC: successorPC, entry: entry}
}

// Chain looks up l's cached successor, reporting ok=false if the
// cache is empty or the successor's line was since evicted (the
// caller passes in a fresh lookup of the successor to confirm it is
// still the same line, since chain is a weak reference by PC only).
func (l *Line) Chain(currentSuccessorStillValid bool) (CompiledEntry, bool) {
	if !l.chain.valid || !currentSuccessorStillValid {
		return nil, false
	}
	return l.chain.entry, true
}

func (l *Line) ChainTargetPC() (uint32, bool) {
	if !l.chain.valid {
		return 0, false
	}
	return l.chain.successorPC, true
}
