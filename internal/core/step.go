package core

import "github.com/otterbyte/rv32vm/internal/isa"

// FetchDecode fetches and decodes the instruction at pc without
// touching architectural state beyond the MMU's TLB and A/D bits,
// satisfying tbcache.Fetcher so the TB builder can reuse it. A
// compressed (16-bit) instruction is detected from its low two bits
// before the second half-word is ever fetched ("fetch 16 bits ... if
// low two bits != 11 decode as RVC"); a fault on either half is
// reported with tval set to the instruction's starting PC, not the
// half-word that actually faulted.
func (h *Hart) FetchDecode(pc uint32) (isa.Decoded, error) {
	paddr, err := h.MMU.TranslateFetch(pc)
	if err != nil {
		return isa.Decoded{}, err
	}
	lo, err := h.Bus.Read16(paddr)
	if err != nil {
		return isa.Decoded{}, Exception(CauseInsnAccessFault, pc)
	}
	if lo&0x3 != 0x3 {
		expanded, cerr := isa.ExpandCompressed(lo)
		if cerr != nil {
			return isa.Decoded{}, Exception(CauseIllegalInsn, uint32(lo))
		}
		d := isa.Decode32(expanded)
		d.Len = 2
		d.IsCompr = true
		d.Raw = uint32(lo)
		return d, nil
	}

	hiPaddr, err := h.MMU.TranslateFetch(pc + 2)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			return isa.Decoded{}, Exception(exc.Cause, pc)
		}
		return isa.Decoded{}, err
	}
	hi, err := h.Bus.Read16(hiPaddr)
	if err != nil {
		return isa.Decoded{}, Exception(CauseInsnAccessFault, pc)
	}
	return isa.Decode32(uint32(lo) | uint32(hi)<<16), nil
}

// Step retires at most one instruction, polling pending interrupts
// first. It returns 1 if an instruction retired, 0 if a trap was taken
// instead, the hart is sleeping in WFI, or a host-side failure stopped
// the hart outright.
func (h *Hart) Step() uint64 {
	if h.WFI {
		if pending, _ := h.CheckInterrupt(); pending {
			h.WFI = false
		} else {
			return 0
		}
	}
	if pending, cause := h.CheckInterrupt(); pending {
		h.HandleTrap(cause, 0)
		return 0
	}

	d, err := h.FetchDecode(h.PC)
	if err == nil {
		if h.Trace != nil {
			h.Trace.Debug("step", "hart", h.ID, "pc", h.PC, "insn", d.Raw, "priv", h.Priv)
		}
		err = h.Execute(d)
	}
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			h.HandleTrap(exc.Cause, exc.Tval)
			return 0
		}
		// Host-side failure with nowhere architectural to route it:
		// stop the hart so the scheduler drains it.
		h.Running = false
		return 0
	}

	h.X[0] = 0
	h.Cycle++
	h.Instret++
	return 1
}
