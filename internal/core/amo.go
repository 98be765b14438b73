package core

import "github.com/otterbyte/rv32vm/internal/isa"

// AMO funct5 values (bits [31:27] of the instruction, i.e. Funct7>>2).
const (
	amoLR      = 0b00010
	amoSC      = 0b00011
	amoSwap    = 0b00001
	amoAdd     = 0b00000
	amoXor     = 0b00100
	amoAnd     = 0b01100
	amoOr      = 0b01000
	amoMin     = 0b10000
	amoMax     = 0b10100
	amoMinu    = 0b11000
	amoMaxu    = 0b11100
)

// execAMO implements LR.W/SC.W and the word-wide AMOs. The
// read-modify-write window of every non-LR/SC variant is serialized by
// the bus's AMO lock so a concurrent store from another hart (threaded
// scheduler mode) cannot interleave with the read and the write.
func (h *Hart) execAMO(d isa.Decoded) error {
	funct5 := d.Funct7 >> 2
	addr := h.ReadReg(d.Rs1)
	if addr&0x3 != 0 {
		if funct5 == amoLR {
			return Exception(CauseLoadAddrMisaligned, addr)
		}
		return Exception(CauseStoreAddrMisaligned, addr)
	}

	switch funct5 {
	case amoLR:
		paddr, err := h.MMU.TranslateRead(addr)
		if err != nil {
			return err
		}
		v, e := h.Bus.Read32(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, addr)
		}
		h.Reservations.Set(h.ID, paddr)
		h.WriteReg(d.Rd, v)

	case amoSC:
		paddr, err := h.MMU.TranslateWrite(addr)
		if err != nil {
			return err
		}
		if h.Reservations.TestAndClear(h.ID, paddr) {
			if e := h.Bus.Write32(paddr, h.ReadReg(d.Rs2)); e != nil {
				return Exception(CauseStoreAccessFault, addr)
			}
			h.Reservations.ClearOverlapping(paddr, 4)
			h.WriteReg(d.Rd, 0)
		} else {
			h.WriteReg(d.Rd, 1)
		}

	default:
		paddr, err := h.MMU.TranslateWrite(addr)
		if err != nil {
			return err
		}
		h.Bus.LockAMO()
		old, e := h.Bus.Read32(paddr)
		if e != nil {
			h.Bus.UnlockAMO()
			return Exception(CauseLoadAccessFault, addr)
		}
		rs2 := h.ReadReg(d.Rs2)
		newVal := amoCompute(funct5, old, rs2)
		e = h.Bus.Write32(paddr, newVal)
		h.Bus.UnlockAMO()
		if e != nil {
			return Exception(CauseStoreAccessFault, addr)
		}
		h.Reservations.ClearOverlapping(paddr, 4)
		h.WriteReg(d.Rd, old)
	}
	h.PC += d.Len
	return nil
}

func amoCompute(funct5, old, operand uint32) uint32 {
	switch funct5 {
	case amoSwap:
		return operand
	case amoAdd:
		return old + operand
	case amoXor:
		return old ^ operand
	case amoAnd:
		return old & operand
	case amoOr:
		return old | operand
	case amoMin:
		if int32(old) < int32(operand) {
			return old
		}
		return operand
	case amoMax:
		if int32(old) > int32(operand) {
			return old
		}
		return operand
	case amoMinu:
		if old < operand {
			return old
		}
		return operand
	case amoMaxu:
		if old > operand {
			return old
		}
		return operand
	default:
		return old
	}
}
