package mem

import "sync"

// PLIC offsets: priority array, a pending bitmap, per-context enable
// bitmaps, and per-context threshold/claim registers.
const (
	plicPriorityBase  = 0x0000
	plicPendingBase   = 0x1000
	plicEnableBase    = 0x2000
	plicEnableStride  = 0x80
	plicContextBase   = 0x200000
	plicContextStride = 0x1000
	plicNumSources    = 1024
	PLICSize          = 0x0400_0000
)

// PLIC is the platform-level interrupt controller, modeling one
// context per hart privilege level that can receive external
// interrupts (M-mode and S-mode).
type PLIC struct {
	irq       HartInterrupts
	mu        sync.Mutex
	priority  [plicNumSources]uint32
	pending   [plicNumSources/32 + 1]uint32
	enable    [][plicNumSources/32 + 1]uint32 // indexed by context
	threshold []uint32
	claimed   []uint32
	contexts  int // 2 per hart: machine, supervisor
}

// Context indices within a hart's pair.
const (
	PLICContextMachine    = 0
	PLICContextSupervisor = 1
)

func NewPLIC(irq HartInterrupts, hartCount int) *PLIC {
	contexts := hartCount * 2
	p := &PLIC{
		irq:       irq,
		enable:    make([][plicNumSources/32 + 1]uint32, contexts),
		threshold: make([]uint32, contexts),
		claimed:   make([]uint32, contexts),
		contexts:  contexts,
	}
	return p
}

func (p *PLIC) Size() uint64 { return PLICSize }

func (p *PLIC) Read(offset uint64, size int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case offset < plicPendingBase:
		idx := offset / 4
		if int(idx) < plicNumSources {
			return uint64(p.priority[idx]), nil
		}
	case offset >= plicPendingBase && offset < plicEnableBase:
		idx := (offset - plicPendingBase) / 4
		if int(idx) < len(p.pending) {
			return uint64(p.pending[idx]), nil
		}
	case offset >= plicEnableBase && offset < plicContextBase:
		rel := offset - plicEnableBase
		ctx := int(rel / plicEnableStride)
		word := (rel % plicEnableStride) / 4
		if ctx < p.contexts && int(word) < len(p.enable[ctx]) {
			return uint64(p.enable[ctx][word]), nil
		}
	case offset >= plicContextBase:
		rel := offset - plicContextBase
		ctx := int(rel / plicContextStride)
		reg := rel % plicContextStride
		if ctx < p.contexts {
			if reg == 0 {
				return uint64(p.threshold[ctx]), nil
			}
			if reg == 4 {
				src := p.claim(ctx)
				// Claiming removes the source from pending, so the EIP
				// lines have to be re-derived before the handler returns.
				p.updateInterruptsLocked()
				return uint64(src), nil
			}
		}
	}
	return 0, nil
}

func (p *PLIC) Write(offset uint64, size int, value uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case offset < plicPendingBase:
		idx := offset / 4
		if int(idx) < plicNumSources {
			p.priority[idx] = uint32(value)
		}
	case offset >= plicEnableBase && offset < plicContextBase:
		rel := offset - plicEnableBase
		ctx := int(rel / plicEnableStride)
		word := (rel % plicEnableStride) / 4
		if ctx < p.contexts && int(word) < len(p.enable[ctx]) {
			p.enable[ctx][word] = uint32(value)
		}
	case offset >= plicContextBase:
		rel := offset - plicContextBase
		ctx := int(rel / plicContextStride)
		reg := rel % plicContextStride
		if ctx < p.contexts {
			if reg == 0 {
				p.threshold[ctx] = uint32(value)
			} else if reg == 4 {
				p.complete(ctx, uint32(value))
			}
		}
	}
	p.updateInterruptsLocked()
	return nil
}

// SetPending raises or clears a source's pending bit, e.g. from the
// UART's interrupt callback.
func (p *PLIC) SetPending(source uint32, pending bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	word, bit := source/32, source%32
	if pending {
		p.pending[word] |= 1 << bit
	} else {
		p.pending[word] &^= 1 << bit
	}
	p.updateInterruptsLocked()
}

func (p *PLIC) sourceEnabled(ctx int, source uint32) bool {
	word, bit := source/32, source%32
	return p.enable[ctx][word]&(1<<bit) != 0
}

func (p *PLIC) sourcePending(source uint32) bool {
	word, bit := source/32, source%32
	return p.pending[word]&(1<<bit) != 0
}

// lowestPending returns the lowest-numbered source that is both
// pending and enabled for ctx. Arbitration is a plain ascending bit
// scan; priority/threshold exist as addressable registers but do not
// reorder claims.
func (p *PLIC) lowestPending(ctx int) uint32 {
	for src := uint32(1); src < plicNumSources; src++ {
		if p.sourcePending(src) && p.sourceEnabled(ctx, src) {
			return src
		}
	}
	return 0
}

func (p *PLIC) claim(ctx int) uint32 {
	src := p.lowestPending(ctx)
	if src == 0 {
		return 0
	}
	word, bit := src/32, src%32
	p.pending[word] &^= 1 << bit
	p.claimed[ctx] = src
	return src
}

func (p *PLIC) complete(ctx int, source uint32) {
	if p.claimed[ctx] == source {
		p.claimed[ctx] = 0
	}
}

func (p *PLIC) updateInterruptsLocked() {
	for hart := 0; hart < p.contexts/2; hart++ {
		mCtx := hart*2 + PLICContextMachine
		sCtx := hart*2 + PLICContextSupervisor
		p.irq.SetMEIP(hart, p.lowestPending(mCtx) != 0)
		p.irq.SetSEIP(hart, p.lowestPending(sCtx) != 0)
	}
}

var _ Device = (*PLIC)(nil)
