package asynccompile

import (
	"testing"

	"github.com/otterbyte/rv32vm/internal/isa"
	"github.com/otterbyte/rv32vm/internal/jit"
	"github.com/otterbyte/rv32vm/internal/tbcache"
)

func addiPrefix(n int, startPC uint32) ([]isa.Decoded, []uint32) {
	insns := make([]isa.Decoded, n)
	pcs := make([]uint32, n)
	for i := 0; i < n; i++ {
		insns[i] = isa.Decoded{Opcode: isa.OpOpImm, Len: 4, Rd: 1, Rs1: 0, ImmI: int32(i)}
		pcs[i] = startPC + uint32(i)*4
	}
	return insns, pcs
}

func newLine(startPC uint32, n int, gen uint64) *tbcache.Line {
	insns, pcs := addiPrefix(n, startPC)
	return &tbcache.Line{Valid: true, StartPC: startPC, Insns: insns, PCs: pcs, Generation: gen}
}

func TestSubmitMarksLineQueuedAndFillsQueue(t *testing.T) {
	p := &Pool{jobs: make(chan Job, 1), spins: map[uint32]int{}}
	l1 := newLine(0x1000, 2, 1)
	l2 := newLine(0x2000, 2, 1)

	if !p.Submit(l1) {
		t.Fatal("expected first submit to succeed")
	}
	if l1.JIT != tbcache.JITQueued {
		t.Fatalf("JIT state = %v, want JITQueued", l1.JIT)
	}
	if p.Submit(l2) {
		t.Fatal("expected submit to a full queue to return false")
	}
}

func TestTickRevertsAfterSyncFallbackSpins(t *testing.T) {
	p := &Pool{opts: Options{SyncFallbackSpins: 2}, spins: map[uint32]int{}}
	pc := uint32(0x4000)

	if over := p.Tick([]uint32{pc}); len(over) != 0 {
		t.Fatalf("spin 1: got overdue %v, want none", over)
	}
	if over := p.Tick([]uint32{pc}); len(over) != 0 {
		t.Fatalf("spin 2: got overdue %v, want none", over)
	}
	over := p.Tick([]uint32{pc})
	if len(over) != 1 || over[0] != pc {
		t.Fatalf("spin 3: got overdue %v, want [%x]", over, pc)
	}
	if _, stillTracked := p.spins[pc]; stillTracked {
		t.Fatal("expected spin counter to reset once reported overdue")
	}
}

func TestTickForgetsPCsNoLongerQueued(t *testing.T) {
	p := &Pool{opts: Options{SyncFallbackSpins: 5}, spins: map[uint32]int{}}
	pc := uint32(0x8000)
	p.Tick([]uint32{pc})
	if _, ok := p.spins[pc]; !ok {
		t.Fatal("expected pc to be tracked after first tick")
	}
	p.Tick(nil)
	if _, ok := p.spins[pc]; ok {
		t.Fatal("expected pc to be dropped once absent from queuedPCs")
	}
}

func newTestCompiler(t *testing.T) *jit.Compiler {
	t.Helper()
	pool, err := jit.NewPool(1)
	if err != nil {
		t.Fatalf("jit.NewPool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return jit.NewCompiler(jit.DefaultOptions(), pool)
}

func TestApplyInstallsOnMatchingGeneration(t *testing.T) {
	p := &Pool{compiler: newTestCompiler(t), spins: map[uint32]int{}}
	l := newLine(0x1000, 2, 3)
	a, err := p.compiler.CompileSnapshot(l.StartPC, l.Insns, l.PCs)
	if err != nil {
		t.Fatalf("CompileSnapshot: %v", err)
	}
	job := Job{Line: l, StartPC: l.StartPC, Insns: l.Insns, PCs: l.PCs, Generation: l.Generation}

	class := p.apply(Result{Job: job, Artifact: a}, func(pc uint32) (*tbcache.Line, bool) {
		return l, true
	})
	if class != ClassApplied {
		t.Fatalf("classification = %v, want applied", class)
	}
	if l.JIT != tbcache.JITReady || l.Entry == nil {
		t.Fatalf("line not installed: JIT=%v Entry=%v", l.JIT, l.Entry)
	}
}

func TestApplyLookupMissWhenLineGone(t *testing.T) {
	p := &Pool{compiler: newTestCompiler(t), spins: map[uint32]int{}}
	l := newLine(0x1000, 2, 1)
	job := Job{Line: l, StartPC: l.StartPC, Insns: l.Insns, PCs: l.PCs, Generation: l.Generation}

	class := p.apply(Result{Job: job}, func(pc uint32) (*tbcache.Line, bool) {
		return nil, false
	})
	if class != ClassLookupMiss {
		t.Fatalf("classification = %v, want lookup_miss", class)
	}
}

func TestApplyNotSuccessOnCompileError(t *testing.T) {
	p := &Pool{compiler: newTestCompiler(t), spins: map[uint32]int{}}
	l := newLine(0x1000, 2, 1)
	job := Job{Line: l, StartPC: l.StartPC, Insns: l.Insns, PCs: l.PCs, Generation: l.Generation}

	class := p.apply(Result{Job: job, Err: jit.ErrPoolFull}, func(pc uint32) (*tbcache.Line, bool) {
		return l, true
	})
	if class != ClassNotSuccess {
		t.Fatalf("classification = %v, want not_success", class)
	}
	if l.JIT != tbcache.JITFailed {
		t.Fatalf("JIT state = %v, want JITFailed", l.JIT)
	}
}

func TestApplyRelocatesPortableArtifactOnStaleGeneration(t *testing.T) {
	p := &Pool{compiler: newTestCompiler(t), spins: map[uint32]int{}}
	stale := newLine(0x1000, 2, 1)
	a, err := p.compiler.CompileSnapshot(stale.StartPC, stale.Insns, stale.PCs)
	if err != nil {
		t.Fatalf("CompileSnapshot: %v", err)
	}
	job := Job{Line: stale, StartPC: stale.StartPC, Insns: stale.Insns, PCs: stale.PCs, Generation: 1}

	rebuilt := newLine(0x1000, 2, 2) // same shape, newer generation: still relocatable
	class := p.apply(Result{Job: job, Artifact: a}, func(pc uint32) (*tbcache.Line, bool) {
		return rebuilt, true
	})
	if class != ClassRelocated {
		t.Fatalf("classification = %v, want relocated", class)
	}
	if rebuilt.JIT != tbcache.JITReady {
		t.Fatalf("JIT state = %v, want JITReady", rebuilt.JIT)
	}
}

func TestApplySigMismatchWhenLineShrank(t *testing.T) {
	p := &Pool{compiler: newTestCompiler(t), spins: map[uint32]int{}}
	stale := newLine(0x1000, 4, 1)
	a, err := p.compiler.CompileSnapshot(stale.StartPC, stale.Insns, stale.PCs)
	if err != nil {
		t.Fatalf("CompileSnapshot: %v", err)
	}
	job := Job{Line: stale, StartPC: stale.StartPC, Insns: stale.Insns, PCs: stale.PCs, Generation: 1}

	shrunk := newLine(0x1000, 1, 2)
	class := p.apply(Result{Job: job, Artifact: a}, func(pc uint32) (*tbcache.Line, bool) {
		return shrunk, true
	})
	if class != ClassSigMismatch {
		t.Fatalf("classification = %v, want sig_mismatch", class)
	}
}

func TestApplyStateMismatchWhenContentRewritten(t *testing.T) {
	p := &Pool{compiler: newTestCompiler(t), spins: map[uint32]int{}}
	stale := newLine(0x1000, 2, 1)
	a, err := p.compiler.CompileSnapshot(stale.StartPC, stale.Insns, stale.PCs)
	if err != nil {
		t.Fatalf("CompileSnapshot: %v", err)
	}
	job := Job{Line: stale, StartPC: stale.StartPC, Insns: stale.Insns, PCs: stale.PCs, Generation: 1}

	rewritten := newLine(0x1000, 2, 2)
	rewritten.Insns[0].Raw = ^rewritten.Insns[0].Raw // same shape, different bytes at the same slot

	class := p.apply(Result{Job: job, Artifact: a}, func(pc uint32) (*tbcache.Line, bool) {
		return rewritten, true
	})
	if class != ClassStateMismatch {
		t.Fatalf("classification = %v, want state_mismatch", class)
	}
	if rewritten.JIT == tbcache.JITReady {
		t.Fatal("a state-mismatched line must not be installed")
	}
}

func TestAdjustThresholdAppliesBusyDiscountAndIdleBonus(t *testing.T) {
	p := &Pool{
		opts: Options{BusyPercent: 50, HotDiscount: 32, HotBonus: 8},
		jobs: make(chan Job, 4),
	}
	if got := p.AdjustThreshold(64); got != 56 {
		t.Fatalf("idle AdjustThreshold(64) = %d, want 56 (bonus applied)", got)
	}
	p.jobs <- Job{}
	p.jobs <- Job{}
	if got := p.AdjustThreshold(64); got != 96 {
		t.Fatalf("busy AdjustThreshold(64) = %d, want 96 (discount applied)", got)
	}
	// A bonus that would cross zero floors at 1 instead.
	p2 := &Pool{opts: Options{HotBonus: 100}, jobs: make(chan Job, 4)}
	if got := p2.AdjustThreshold(64); got != 1 {
		t.Fatalf("AdjustThreshold(64) with oversized bonus = %d, want 1", got)
	}
}

func TestClassificationStrings(t *testing.T) {
	cases := map[Classification]string{
		ClassApplied:       "applied",
		ClassRelocated:     "relocated",
		ClassNonportable:   "nonportable",
		ClassNotSuccess:    "not_success",
		ClassLookupMiss:    "lookup_miss",
		ClassStateMismatch: "state_mismatch",
		ClassSigMismatch:   "sig_mismatch",
	}
	for c, want := range cases {
		if got := c.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", c, got, want)
		}
	}
}
