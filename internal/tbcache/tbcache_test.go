package tbcache

import (
	"testing"

	"github.com/otterbyte/rv32vm/internal/core"
	"github.com/otterbyte/rv32vm/internal/mem"
)

const ramBase = 0x8000_0000

func encodeAddi(rd, rs1 uint32, imm int32) uint32 {
	return uint32(imm)<<20 | rs1<<15 | 0<<12 | rd<<7 | 0b0010011
}

func encodeBeq(rs1, rs2 uint32, offset int32) uint32 {
	u := uint32(offset)
	imm11 := (u >> 11) & 1
	imm4_1 := (u >> 1) & 0xf
	imm10_5 := (u >> 5) & 0x3f
	imm12 := (u >> 12) & 1
	return imm12<<31 | imm10_5<<25 | rs2<<20 | rs1<<15 | 0<<12 | imm4_1<<8 | imm11<<7 | 0b1100011
}

func newHart(t *testing.T) *core.Hart {
	t.Helper()
	bus := mem.NewBus(ramBase, 1<<16)
	resv := core.NewReservationTable(1)
	return core.NewHart(0, bus, ramBase, resv)
}

func writeWord(t *testing.T, h *core.Hart, addr, w uint32) {
	t.Helper()
	if err := h.Bus.Write32(addr, w); err != nil {
		t.Fatalf("write32: %v", err)
	}
}

func TestGetOrBuildStopsAtBranch(t *testing.T) {
	h := newHart(t)
	writeWord(t, h, ramBase, encodeAddi(1, 0, 1))
	writeWord(t, h, ramBase+4, encodeAddi(1, 1, 1))
	writeWord(t, h, ramBase+8, encodeBeq(0, 0, -4))
	writeWord(t, h, ramBase+12, encodeAddi(2, 0, 99)) // would never be reached in this line

	c := NewCache(64, 2)
	l, err := c.GetOrBuild(h, ramBase)
	if err != nil {
		t.Fatalf("GetOrBuild: %v", err)
	}
	if len(l.Insns) != 3 {
		t.Fatalf("len(Insns) = %d, want 3 (stops at the branch, inclusive)", len(l.Insns))
	}
	if l.StartPC != ramBase {
		t.Fatalf("StartPC = %#x, want %#x", l.StartPC, ramBase)
	}
}

func TestGetOrBuildCachesAndReusesLine(t *testing.T) {
	h := newHart(t)
	writeWord(t, h, ramBase, encodeAddi(1, 0, 1))
	writeWord(t, h, ramBase+4, encodeBeq(0, 0, 0))

	c := NewCache(64, 2)
	l1, err := c.GetOrBuild(h, ramBase)
	if err != nil {
		t.Fatal(err)
	}
	l2, err := c.GetOrBuild(h, ramBase)
	if err != nil {
		t.Fatal(err)
	}
	if l1 != l2 {
		t.Fatal("expected the same *Line on a cache hit")
	}
	if c.Stats().Builds != 1 {
		t.Fatalf("Builds = %d, want 1 (second call should hit)", c.Stats().Builds)
	}
}

func TestExecuteReplaysLineAndStopsOnTrap(t *testing.T) {
	h := newHart(t)
	writeWord(t, h, ramBase, encodeAddi(1, 0, 5))
	writeWord(t, h, ramBase+4, encodeAddi(2, 0, 7))
	writeWord(t, h, ramBase+8, 0x00100073) // ebreak

	c := NewCache(64, 2)
	l, err := c.GetOrBuild(h, ramBase)
	if err != nil {
		t.Fatal(err)
	}
	retired, trapped := Execute(h, l)
	if retired != 2 {
		t.Fatalf("retired = %d, want 2 (ebreak traps before retiring)", retired)
	}
	if !trapped {
		t.Fatal("expected trapped=true")
	}
	if h.X[1] != 5 || h.X[2] != 7 {
		t.Fatalf("x1=%d x2=%d, want 5 7", h.X[1], h.X[2])
	}
	if h.Mcause != core.CauseBreakpoint {
		t.Fatalf("mcause = %d, want breakpoint", h.Mcause)
	}
}

func TestVictimEvictsInvalidBeforeHot(t *testing.T) {
	c := NewCache(1, 2) // single set, two ways, forces eviction decisions
	h := newHart(t)
	writeWord(t, h, ramBase, encodeAddi(1, 0, 1))
	writeWord(t, h, ramBase+4, 0x00100073)
	if _, err := c.GetOrBuild(h, ramBase); err != nil {
		t.Fatal(err)
	}
	// Second way is still invalid; a build at a different start PC
	// (same set, since lines=1) must land in the invalid way, not evict
	// the first (hot or not).
	writeWord(t, h, ramBase+8, encodeAddi(1, 0, 1))
	writeWord(t, h, ramBase+12, 0x00100073)
	if _, err := c.GetOrBuild(h, ramBase+8); err != nil {
		t.Fatal(err)
	}
	l0, ok := c.Lookup(ramBase)
	if !ok || !l0.Valid {
		t.Fatal("expected the first line to survive (evicted the invalid way instead)")
	}
}

func TestChainLinkInvalidatesWhenSuccessorGone(t *testing.T) {
	l := &Line{Valid: true, StartPC: ramBase}
	entry := func(ctx *DispatchContext) DispatchResult { return DispatchResult{} }
	l.SetChain(ramBase+8, entry)

	got, ok := l.Chain(true)
	if !ok || got == nil {
		t.Fatal("expected a valid chain entry")
	}
	_, ok = l.Chain(false)
	if ok {
		t.Fatal("expected Chain to report !ok once the caller says the successor is no longer valid")
	}

	l.InvalidateChain()
	if _, ok := l.Chain(true); ok {
		t.Fatal("expected Chain to report !ok after InvalidateChain")
	}
}

func TestResetCompiledRevertsLinesAndDropsChains(t *testing.T) {
	h := newHart(t)
	writeWord(t, h, ramBase, encodeAddi(1, 0, 1))
	writeWord(t, h, ramBase+4, 0x00100073)

	c := NewCache(64, 2)
	l, err := c.GetOrBuild(h, ramBase)
	if err != nil {
		t.Fatal(err)
	}
	l.JIT = JITReady
	l.Entry = func(ctx *DispatchContext) DispatchResult { return DispatchResult{} }
	l.SetChain(ramBase+8, l.Entry)

	c.ResetCompiled()
	if l.JIT != JITNone || l.Entry != nil {
		t.Fatalf("JIT=%v Entry=%v, want JITNone + nil entry", l.JIT, l.Entry)
	}
	if _, ok := l.ChainTargetPC(); ok {
		t.Fatal("expected chain link dropped")
	}
	if !l.Valid {
		t.Fatal("the decoded line itself must survive a pool recycle")
	}
}

func TestDispatchResultNoProgress(t *testing.T) {
	cases := []struct {
		r    DispatchResult
		want bool
	}{
		{DispatchResult{Retired: 1}, false},
		{DispatchResult{HandledNoRetire: true}, false},
		{DispatchResult{}, true},
	}
	for _, c := range cases {
		if got := c.r.NoProgress(); got != c.want {
			t.Errorf("NoProgress(%+v) = %v, want %v", c.r, got, c.want)
		}
	}
}
