// Package machine aggregates the core into a bootable platform: the
// hart table, device fabric, scheduler, and optional JIT/async-compile
// pipeline.
package machine

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/otterbyte/rv32vm/internal/asynccompile"
	"github.com/otterbyte/rv32vm/internal/core"
	"github.com/otterbyte/rv32vm/internal/jit"
	"github.com/otterbyte/rv32vm/internal/mem"
	"github.com/otterbyte/rv32vm/internal/sbi"
	"github.com/otterbyte/rv32vm/internal/scheduler"
	"github.com/otterbyte/rv32vm/internal/tbcache"
)

// timerRouter wraps core.HartSet so CLINT's comparator-fired signal
// lands on mip.STIP instead of mip.MTIP when the SBI shim is enabled:
// the shim virtualizes the machine timer entirely for an S-mode-only
// guest, so the comparator fire must present as the supervisor timer
// interrupt the guest actually polls for.
type timerRouter struct {
	core.HartSet
	harts []*core.Hart
	sbi   bool
}

func (r timerRouter) SetMTIP(hart int, pending bool) {
	if !r.sbi {
		r.HartSet.SetMTIP(hart, pending)
		return
	}
	h := r.harts[hart]
	if pending {
		h.Mip |= core.MipSTIP
	} else {
		h.Mip &^= core.MipSTIP
	}
}

// Device memory map.
const (
	UARTBase   uint32 = 0x1000_0000
	VirtIOBase uint32 = 0x1000_1000
	CLINTBase  uint32 = 0x0200_0000
	PLICBase   uint32 = 0x0c00_0000
	DRAMBase   uint32 = 0x8000_0000

	virtioSlots = 8
)

// Options is the machine configuration record. Unset numeric fields take the defaults noted per field.
type Options struct {
	KernelPath     string
	DTBPath        string
	InitrdPath     string
	RAMMB          int // default 128
	KernelLoadAddr uint32
	DTBLoadAddr    uint32
	InitrdLoadAddr uint32

	EntryOverride    uint32
	HasEntryOverride bool

	BootSMode     bool
	EnableSBIShim bool
	Trace         bool

	HartCount      int // default 1, max 4
	MaxInstructions uint64

	Output io.Writer
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.RAMMB <= 0 {
		o.RAMMB = 128
	}
	if o.HartCount <= 0 {
		o.HartCount = 1
	}
	if o.HartCount > 4 {
		o.HartCount = 4
	}
	if o.Output == nil {
		o.Output = io.Discard
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Machine is the aggregate root: options, device fabric, harts, the
// active-hart index, and the scheduler/JIT pipeline sitting on top.
type Machine struct {
	Opts Options

	Bus   *mem.Bus
	CLINT *mem.CLINT
	PLIC  *mem.PLIC
	UART  *mem.UART

	Harts      []*core.Hart
	ActiveHart int
	EntryPC    uint32 // resolved reset PC: entry_override, ELF entry, or DRAMBase

	Reservations *core.ReservationTable

	TBCaches []*tbcache.Cache
	Compiler *jit.Compiler
	JITPool  *jit.Pool
	Async    *asynccompile.Pool
	SBI      *sbi.Shim

	Tuning *Tuning

	log *slog.Logger
}

// New constructs a Machine from opts, wiring every device at its
// fixed address and one hart per
// opts.HartCount, all sharing a single reservation table.
func New(opts Options, tuning *Tuning) (*Machine, error) {
	opts = opts.withDefaults()
	if tuning == nil {
		tuning = DefaultTuning()
	}

	bus := mem.NewBus(DRAMBase, uint32(opts.RAMMB)*1024*1024)
	resv := core.NewReservationTable(opts.HartCount)

	resetPC, err := loadImages(bus, opts)
	if err != nil {
		return nil, err
	}

	harts := make([]*core.Hart, opts.HartCount)
	for i := range harts {
		harts[i] = core.NewHart(i, bus, resetPC, resv)
		if opts.BootSMode {
			harts[i].Priv = core.PrivSupervisor
		}
		if opts.Trace {
			harts[i].Trace = opts.Logger
		}
	}

	clint := mem.NewCLINT(timerRouter{HartSet: core.HartSet(harts), harts: harts, sbi: opts.EnableSBIShim}, opts.HartCount)
	for _, h := range harts {
		h.TimeSource = clint.Mtime
	}
	plic := mem.NewPLIC(core.HartSet(harts), opts.HartCount)
	uart := mem.NewUART(opts.Output)
	uart.OnInterrupt = func(pending bool) { plic.SetPending(1, pending) }

	bus.AddDevice(UARTBase, uart)
	bus.AddDevice(CLINTBase, clint)
	bus.AddDevice(PLICBase, plic)
	for slot := 0; slot < virtioSlots; slot++ {
		bus.AddDevice(VirtIOBase+uint32(slot)*0x1000, mem.NewVirtIOStub())
	}

	m := &Machine{
		Opts:         opts,
		Bus:          bus,
		CLINT:        clint,
		PLIC:         plic,
		UART:         uart,
		Harts:        harts,
		EntryPC:      resetPC,
		Reservations: resv,
		Tuning:       tuning,
		log:          opts.Logger,
	}

	if tuning.Bool("EXPERIMENTAL_JIT") {
		if err := m.enableJIT(tuning); err != nil {
			return nil, fmt.Errorf("machine: enable jit: %w", err)
		}
	}
	m.TBCaches = make([]*tbcache.Cache, opts.HartCount)
	for i := range m.TBCaches {
		m.TBCaches[i] = tbcache.NewCache(256, 4)
	}

	if opts.EnableSBIShim {
		m.SBI = sbi.NewShim(harts, uart, clint, m.log)
		for _, h := range harts {
			sbi.Install(h, m.SBI)
		}
	}

	m.log.Info("machine constructed", "harts", opts.HartCount, "ram_mb", opts.RAMMB)
	return m, nil
}

func (m *Machine) enableJIT(tuning *Tuning) error {
	pool, err := jit.NewPool(tuning.Int("EXPERIMENTAL_JIT_POOL_MB", 16))
	if err != nil {
		return err
	}
	m.JITPool = pool
	jopts := jit.DefaultOptions()
	jopts.HotThreshold = uint32(tuning.Int("EXPERIMENTAL_JIT_HOT", int(jopts.HotThreshold)))
	jopts.MaxBlockInsns = tuning.Int("EXPERIMENTAL_JIT_MAX_BLOCK_INSNS", jopts.MaxBlockInsns)
	jopts.MinPrefixInsns = tuning.Int("EXPERIMENTAL_JIT_MIN_PREFIX_INSNS", jopts.MinPrefixInsns)
	jopts.ChainMaxInsns = uint64(tuning.Int("EXPERIMENTAL_JIT_CHAIN_MAX_INSNS", int(jopts.ChainMaxInsns)))
	jopts.SkipMMode = tuning.Bool("EXPERIMENTAL_JIT_SKIP_MMODE")
	m.Compiler = jit.NewCompiler(jopts, pool)

	if tuning.Bool("EXPERIMENTAL_JIT_ASYNC") {
		aopts := asynccompile.DefaultOptions()
		aopts.Workers = tuning.Int("EXPERIMENTAL_JIT_ASYNC_WORKERS", aopts.Workers)
		aopts.QueueDepth = tuning.Int("EXPERIMENTAL_JIT_ASYNC_QUEUE", aopts.QueueDepth)
		aopts.SyncFallbackSpins = tuning.Int("EXPERIMENTAL_JIT_ASYNC_SYNC_FALLBACK_SPINS", aopts.SyncFallbackSpins)
		aopts.Prefetch = tuning.Bool("EXPERIMENTAL_JIT_ASYNC_PREFETCH")
		aopts.RecycleOnFull = tuning.Bool("EXPERIMENTAL_JIT_ASYNC_RECYCLE")
		aopts.BusyPercent = tuning.Int("EXPERIMENTAL_JIT_ASYNC_BUSY_PERCENT", aopts.BusyPercent)
		aopts.HotDiscount = tuning.Int("EXPERIMENTAL_JIT_ASYNC_HOT_DISCOUNT", aopts.HotDiscount)
		aopts.HotBonus = tuning.Int("EXPERIMENTAL_JIT_ASYNC_HOT_BONUS", aopts.HotBonus)
		m.Async = asynccompile.NewPool(m.Compiler, aopts)
	}
	return nil
}

// SchedulerOptions derives scheduler.Options from the tuning map,
// matching the EXPERIMENTAL_* knobs to their scheduler counterparts
//.
func (m *Machine) SchedulerOptions() scheduler.Options {
	opts := scheduler.DefaultOptions()
	opts.JITEnabled = m.Compiler != nil
	opts.TBEnabled = m.Tuning.Bool("EXPERIMENTAL_TB") || opts.JITEnabled
	opts.AsyncEnabled = m.Async != nil
	opts.Threaded = m.Tuning.Bool("EXPERIMENTAL_HART_THREADS")
	if !m.Tuning.Bool("EXPERIMENTAL_JIT_GUARD") {
		opts.NoProgressThreshold = 1 << 30 // effectively disables the cooldown guard
	}
	opts.WorkerCommitBatch = uint64(m.Tuning.Int("WORKER_COMMIT_BATCH", int(opts.WorkerCommitBatch)))
	opts.HartSliceInstr = uint64(m.Tuning.Int("HART_SLICE_INSTR", int(opts.HartSliceInstr)))
	return opts
}

// Scheduler builds a scheduler.Scheduler wired to this machine's
// harts, TB caches, CLINT, compiler, and async pool.
func (m *Machine) Scheduler() *scheduler.Scheduler {
	units := make([]*scheduler.HartUnit, len(m.Harts))
	for i, h := range m.Harts {
		units[i] = scheduler.NewHartUnit(h, m.TBCaches[i])
	}
	return scheduler.New(m.SchedulerOptions(), units, m.CLINT, m.Compiler, m.Async)
}

// ThreadedScheduler builds the opt-in per-hart-OS-thread driver
// instead.
func (m *Machine) ThreadedScheduler() *scheduler.Threaded {
	units := make([]*scheduler.HartUnit, len(m.Harts))
	for i, h := range m.Harts {
		units[i] = scheduler.NewHartUnit(h, m.TBCaches[i])
	}
	return scheduler.NewThreaded(m.SchedulerOptions(), units, m.CLINT, m.Compiler)
}

// Run drives the machine for up to budget instructions through
// whichever scheduler mode the tuning selects, returning the total
// retired. A zero budget falls back to Opts.MaxInstructions; zero
// there too means run until every hart stops.
func (m *Machine) Run(budget uint64) uint64 {
	if budget == 0 {
		budget = m.Opts.MaxInstructions
	}
	if budget == 0 {
		budget = ^uint64(0)
	}
	if m.SchedulerOptions().Threaded {
		return m.ThreadedScheduler().Run(budget)
	}
	return m.Scheduler().Run(budget)
}

// Reset returns every hart to its post-construction state and clears
// device state that isn't naturally reachable by rewriting registers
// (the reservation table, since a reset hart must not retain a stale
// LR from before the reset).
func (m *Machine) Reset() {
	for _, h := range m.Harts {
		h.Reset(m.EntryPC)
		if m.Opts.BootSMode {
			h.Priv = core.PrivSupervisor
		}
	}
	m.log.Info("machine reset", "reset_pc", fmt.Sprintf("%#x", m.EntryPC))
}

// Close releases the JIT code pool's mmap and stops the async compile
// pool's workers, if either was enabled.
func (m *Machine) Close() error {
	if m.Compiler != nil && m.Tuning.Bool("JIT_STATS") {
		st := m.Compiler.Stats()
		m.log.Info("jit stats",
			"compiles", st.Compiles, "exact_hits", st.ExactHits,
			"structure_hits", st.StructureHits, "too_short", st.TooShort,
			"pool_full", st.PoolFull, "recycles", st.Recycles)
	}
	if m.Async != nil {
		if err := m.Async.Close(); err != nil {
			return err
		}
	}
	if m.JITPool != nil {
		return m.JITPool.Close()
	}
	return nil
}

// DeviceTreeHints returns the base addresses an external FDT builder
// needs to describe this platform's devices — the core never builds
// the blob itself.
func (m *Machine) DeviceTreeHints() map[string]uint64 {
	return map[string]uint64{
		"uart":   uint64(UARTBase),
		"virtio": uint64(VirtIOBase),
		"clint":  uint64(CLINTBase),
		"plic":   uint64(PLICBase),
		"dram":   uint64(DRAMBase),
		"ram_mb": uint64(m.Opts.RAMMB),
	}
}
