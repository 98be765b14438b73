package core

import "github.com/otterbyte/rv32vm/internal/isa"

// NaN-boxing: a single-precision value stored in the 64-bit F
// registers has its upper 32 bits set to all ones (RISC-V F/D spec).
const nanBox = 0xffffffff00000000

// execFP implements only the move-only subset the F/D extensions
// allow here: loads/stores, sign-injection, and x<->f bit transfers.
// Every arithmetic FP opcode (fadd, fmul, fcvt, fclass, comparisons,
// fused multiply-add, ...) is deliberately unimplemented and raises
// illegal instruction instead.
func (h *Hart) execFP(d isa.Decoded) error {
	switch d.Opcode {
	case isa.OpLoadFP:
		return h.execLoadFP(d)
	case isa.OpStoreFP:
		return h.execStoreFP(d)
	case isa.OpOpFP:
		return h.execOpFP(d)
	default: // FMADD/FMSUB/FNMSUB/FNMADD: arithmetic, unsupported
		return Exception(CauseIllegalInsn, d.Raw)
	}
}

func (h *Hart) execLoadFP(d isa.Decoded) error {
	vaddr := h.ReadReg(d.Rs1) + uint32(d.ImmI)
	switch d.Funct3 {
	case 0b010: // FLW
		raw, err := h.readMem(vaddr, 4)
		if err != nil {
			return err
		}
		h.F[d.Rd] = nanBox | uint64(raw)
	case 0b011: // FLD
		lo, err := h.readMem(vaddr, 4)
		if err != nil {
			return err
		}
		hi, err := h.readMem(vaddr+4, 4)
		if err != nil {
			return err
		}
		h.F[d.Rd] = uint64(hi)<<32 | uint64(lo)
	default:
		return Exception(CauseIllegalInsn, d.Raw)
	}
	h.PC += d.Len
	return nil
}

func (h *Hart) execStoreFP(d isa.Decoded) error {
	vaddr := h.ReadReg(d.Rs1) + uint32(d.ImmS)
	val := h.F[d.Rs2]
	switch d.Funct3 {
	case 0b010: // FSW
		if err := h.writeMem(vaddr, 4, uint32(val)); err != nil {
			return err
		}
	case 0b011: // FSD
		if err := h.writeMem(vaddr, 4, uint32(val)); err != nil {
			return err
		}
		if err := h.writeMem(vaddr+4, 4, uint32(val>>32)); err != nil {
			return err
		}
	default:
		return Exception(CauseIllegalInsn, d.Raw)
	}
	h.PC += d.Len
	return nil
}

// execOpFP dispatches the OP-FP opcode space. Only FSGNJ.{S,D} and the
// FMV.X.W/FMV.W.X bit-transfer forms are implemented; funct7 selects
// the operation.
func (h *Hart) execOpFP(d isa.Decoded) error {
	switch d.Funct7 {
	case 0b0010000: // FSGNJ.S / FSGNJN.S / FSGNJX.S
		if d.Funct3 > 0b010 {
			return Exception(CauseIllegalInsn, d.Raw)
		}
		a := uint32(h.F[d.Rs1])
		b := uint32(h.F[d.Rs2])
		h.F[d.Rd] = nanBox | uint64(fsgnj(a, b, d.Funct3))
	case 0b0010001: // FSGNJ.D / FSGNJN.D / FSGNJX.D
		if d.Funct3 > 0b010 {
			return Exception(CauseIllegalInsn, d.Raw)
		}
		a := h.F[d.Rs1]
		b := h.F[d.Rs2]
		h.F[d.Rd] = fsgnj64(a, b, d.Funct3)
	case 0b1110000: // FMV.X.W / FCLASS.S (only FMV.X.W supported)
		if d.Rs2 != 0 {
			return Exception(CauseIllegalInsn, d.Raw)
		}
		if d.Funct3 != 0 {
			return Exception(CauseIllegalInsn, d.Raw) // FCLASS.S unsupported
		}
		h.WriteReg(d.Rd, uint32(h.F[d.Rs1]))
	case 0b1111000: // FMV.W.X
		if d.Rs2 != 0 || d.Funct3 != 0 {
			return Exception(CauseIllegalInsn, d.Raw)
		}
		h.F[d.Rd] = nanBox | uint64(h.ReadReg(d.Rs1))
	default:
		return Exception(CauseIllegalInsn, d.Raw)
	}
	h.PC += d.Len
	return nil
}

func fsgnj(a, b, funct3 uint32) uint32 {
	sign := b & 0x80000000
	switch funct3 {
	case 0b000: // FSGNJ
		return (a &^ 0x80000000) | sign
	case 0b001: // FSGNJN
		return (a &^ 0x80000000) | (sign ^ 0x80000000)
	case 0b010: // FSGNJX
		return a ^ (b & 0x80000000)
	default:
		return a
	}
}

func fsgnj64(a, b uint64, funct3 uint32) uint64 {
	sign := b & (1 << 63)
	switch funct3 {
	case 0b000:
		return (a &^ (1 << 63)) | sign
	case 0b001:
		return (a &^ (1 << 63)) | (sign ^ (1 << 63))
	case 0b010:
		return a ^ (b & (1 << 63))
	default:
		return a
	}
}
