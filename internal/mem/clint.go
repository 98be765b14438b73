package mem

import "sync/atomic"

// CLINT register offsets (per hart, per the standard SiFive CLINT
// layout).
const (
	clintMSIPStride     = 4
	clintMSIPBase       = 0x0000
	clintMTimeCmpBase   = 0x4000
	clintMTimeCmpStride = 8
	clintMTimeOff       = 0xbff8
	CLINTSize           = 0x0001_0000
)

// CLINT is the core-local interruptor: per-hart software interrupt
// registers and a shared mtime/mtimecmp timer. Rather than a
// wall-clock CLINT, mtime here is an explicit counter the scheduler
// advances by exactly one per retired guest instruction across every
// hart, not a derivative of host wall-clock time.
type CLINT struct {
	irq      HartInterrupts
	msip     []uint32
	mtimecmp []uint64
	mtimeVal uint64

	// nextDeadline caches the minimum mtimecmp across harts (a comparator
	// that has already fired still counts), so
	// a caller deciding whether to poll interrupts can cheaply check
	// "has any timer fired" without scanning mtimecmp on every tick.
	nextDeadline uint64
}

// NewCLINT constructs a CLINT wired to hartCount harts.
func NewCLINT(irq HartInterrupts, hartCount int) *CLINT {
	c := &CLINT{
		irq:      irq,
		msip:     make([]uint32, hartCount),
		mtimecmp: make([]uint64, hartCount),
	}
	c.nextDeadline = ^uint64(0)
	for i := range c.mtimecmp {
		c.mtimecmp[i] = ^uint64(0)
	}
	return c
}

func (c *CLINT) Size() uint64 { return CLINTSize }

// Mtime returns the current free-running counter value.
func (c *CLINT) Mtime() uint64 { return atomic.LoadUint64(&c.mtimeVal) }

// NextDeadline returns the smallest mtimecmp value across all harts,
// whether or not it has already fired.
func (c *CLINT) NextDeadline() uint64 { return atomic.LoadUint64(&c.nextDeadline) }

func (c *CLINT) Read(offset uint64, size int) (uint64, error) {
	switch {
	case offset == clintMTimeOff:
		return c.Mtime(), nil
	case offset < clintMTimeCmpBase && int(offset/clintMSIPStride) < len(c.msip):
		hart := int(offset / clintMSIPStride)
		return uint64(atomic.LoadUint32(&c.msip[hart])), nil
	case offset >= clintMTimeCmpBase && offset < clintMTimeOff:
		hart := int((offset - clintMTimeCmpBase) / clintMTimeCmpStride)
		if hart < len(c.mtimecmp) {
			return c.mtimecmp[hart], nil
		}
	}
	return 0, nil
}

func (c *CLINT) Write(offset uint64, size int, value uint64) error {
	switch {
	case offset < clintMTimeCmpBase && int(offset/clintMSIPStride) < len(c.msip):
		hart := int(offset / clintMSIPStride)
		pending := value&1 != 0
		atomic.StoreUint32(&c.msip[hart], uint32(value&1))
		c.irq.SetMSIP(hart, pending)
	case offset >= clintMTimeCmpBase && offset < clintMTimeOff:
		hart := int((offset - clintMTimeCmpBase) / clintMTimeCmpStride)
		if hart < len(c.mtimecmp) {
			c.mtimecmp[hart] = value
			c.irq.SetMTIP(hart, c.Mtime() >= value)
			c.recomputeDeadline()
		}
	}
	return nil
}

// SetMSIP rings (or clears) hart's software interrupt line directly;
// this is what the SBI IPI.send_ipi handler uses instead of an MMIO
// write.
func (c *CLINT) SetMSIP(hart int, pending bool) {
	if hart < 0 || hart >= len(c.msip) {
		return
	}
	var v uint32
	if pending {
		v = 1
	}
	atomic.StoreUint32(&c.msip[hart], v)
	c.irq.SetMSIP(hart, pending)
}

// SetTimecmp sets hart's mtimecmp directly; this is what the SBI
// TIME.set_timer call and its legacy SET_TIMER counterpart use instead
// of going through the MMIO Write path.
func (c *CLINT) SetTimecmp(hart int, value uint64) {
	if hart < 0 || hart >= len(c.mtimecmp) {
		return
	}
	c.mtimecmp[hart] = value
	c.irq.SetMTIP(hart, c.Mtime() >= value)
	c.recomputeDeadline()
}

func (c *CLINT) recomputeDeadline() {
	min := ^uint64(0)
	for _, cmp := range c.mtimecmp {
		if cmp < min {
			min = cmp
		}
	}
	atomic.StoreUint64(&c.nextDeadline, min)
}

// Advance increments mtime by n ticks (n is almost always 1: one tick
// per retired guest instruction, summed across harts) and re-evaluates
// MTIP for every hart whose comparator has now passed. Returns the new
// mtime.
func (c *CLINT) Advance(n uint64) uint64 {
	now := atomic.AddUint64(&c.mtimeVal, n)
	if now >= c.NextDeadline() {
		for hart, cmp := range c.mtimecmp {
			c.irq.SetMTIP(hart, now >= cmp)
		}
	}
	return now
}

var _ Device = (*CLINT)(nil)
