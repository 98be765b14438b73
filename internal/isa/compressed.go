package isa

import "errors"

// ErrIllegalCompressed is returned for a 16-bit word whose quadrant
// and funct3 combination has no defined expansion (including the
// all-zero word, which RVC reserves as illegal).
var ErrIllegalCompressed = errors.New("isa: illegal compressed instruction")

func cOp(insn uint16) uint16     { return insn & 0x3 }
func cFunct3(insn uint16) uint16 { return (insn >> 13) & 0x7 }

// cRd_/cRs1_/cRs2_ decode the 3-bit "popular register" fields used by
// C.ADDI4SPN-style encodings, mapped onto x8-x15.
func cRd_(insn uint16) uint32  { return uint32((insn>>2)&0x7) + 8 }
func cRs1_(insn uint16) uint32 { return uint32((insn>>7)&0x7) + 8 }
func cRs2_(insn uint16) uint32 { return uint32((insn>>2)&0x7) + 8 }

func cRd(insn uint16) uint32  { return uint32((insn >> 7) & 0x1f) }
func cRs2(insn uint16) uint32 { return uint32((insn >> 2) & 0x1f) }

func encodeR(opc, rd, f3, rs1, rs2, f7 uint32) uint32 {
	return f7<<25 | rs2<<20 | rs1<<15 | f3<<12 | rd<<7 | opc
}

func encodeI(opc, rd, f3, rs1 uint32, imm int32) uint32 {
	return uint32(imm)<<20 | rs1<<15 | f3<<12 | rd<<7 | opc
}

func encodeS(opc, f3, rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm)
	return (u>>5)<<25 | rs2<<20 | rs1<<15 | f3<<12 | (u&0x1f)<<7 | opc
}

func encodeU(opc, rd uint32, imm int32) uint32 {
	return uint32(imm)&0xfffff000 | rd<<7 | opc
}

func encodeB(opc, f3, rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm)
	b12 := (u >> 12) & 1
	b11 := (u >> 11) & 1
	b10_5 := (u >> 5) & 0x3f
	b4_1 := (u >> 1) & 0xf
	return b12<<31 | b10_5<<25 | rs2<<20 | rs1<<15 | f3<<12 | b4_1<<8 | b11<<7 | opc
}

func encodeJ(opc, rd uint32, imm int32) uint32 {
	u := uint32(imm)
	b20 := (u >> 20) & 1
	b19_12 := (u >> 12) & 0xff
	b11 := (u >> 11) & 1
	b10_1 := (u >> 1) & 0x3ff
	return b20<<31 | b10_1<<21 | b11<<20 | b19_12<<12 | rd<<7 | opc
}

// ExpandCompressed re-expresses a 16-bit RVC word as the equivalent
// 32-bit instruction word, following the quadrant layout from the
// RISC-V manual, adapted to RV32 (no C.LD/C.SD/C.ADDIW; C.JAL is live
// since RV32 lacks the RV64-only C.ADDIW slot in quadrant 1).
func ExpandCompressed(insn uint16) (uint32, error) {
	if insn == 0 {
		return 0, ErrIllegalCompressed
	}
	switch cOp(insn) {
	case 0:
		return expandQ0(insn)
	case 1:
		return expandQ1(insn)
	case 2:
		return expandQ2(insn)
	default:
		return 0, ErrIllegalCompressed
	}
}

func expandQ0(insn uint16) (uint32, error) {
	switch cFunct3(insn) {
	case 0b000: // C.ADDI4SPN -> addi rd', x2, nzuimm
		nzuimm := ((insn >> 7) & 0x30) | ((insn >> 1) & 0x3c0) |
			((insn >> 4) & 0x4) | ((insn >> 2) & 0x8)
		if nzuimm == 0 {
			return 0, ErrIllegalCompressed
		}
		return encodeI(OpOpImm, cRd_(insn), 0, 2, int32(nzuimm)), nil
	case 0b001: // C.FLD -> fld rd', offset(rs1')
		off := cLdOffset(insn)
		return encodeI(OpLoadFP, cRd_(insn), 0b011, cRs1_(insn), int32(off)), nil
	case 0b101: // C.FSD -> fsd rs2', offset(rs1')
		off := cLdOffset(insn)
		return encodeS(OpStoreFP, 0b011, cRs1_(insn), cRs2_(insn), int32(off)), nil
	case 0b010: // C.LW -> lw rd', offset(rs1')
		off := cLwOffset(insn)
		return encodeI(OpLoad, cRd_(insn), 0b010, cRs1_(insn), int32(off)), nil
	case 0b011: // C.FLW -> flw rd', offset(rs1')
		off := cLwOffset(insn)
		return encodeI(OpLoadFP, cRd_(insn), 0b010, cRs1_(insn), int32(off)), nil
	case 0b110: // C.SW -> sw rs2', offset(rs1')
		off := cLwOffset(insn)
		return encodeS(OpStore, 0b010, cRs1_(insn), cRs2_(insn), int32(off)), nil
	case 0b111: // C.FSW -> fsw rs2', offset(rs1')
		off := cLwOffset(insn)
		return encodeS(OpStoreFP, 0b010, cRs1_(insn), cRs2_(insn), int32(off)), nil
	default:
		return 0, ErrIllegalCompressed
	}
}

func cLwOffset(insn uint16) uint16 {
	return ((insn >> 7) & 0x38) | ((insn << 1) & 0x40) | ((insn >> 4) & 0x4)
}

func cLdOffset(insn uint16) uint16 {
	return ((insn >> 7) & 0x38) | ((insn << 1) & 0xc0)
}

func expandQ1(insn uint16) (uint32, error) {
	switch cFunct3(insn) {
	case 0b000: // C.NOP / C.ADDI
		rd := cRd(insn)
		imm := cAddiImm(insn)
		return encodeI(OpOpImm, rd, 0, rd, imm), nil
	case 0b001: // C.JAL -> jal x1, offset
		return encodeJ(OpJal, 1, cJImm(insn)), nil
	case 0b010: // C.LI -> addi rd, x0, imm
		return encodeI(OpOpImm, cRd(insn), 0, 0, cAddiImm(insn)), nil
	case 0b011:
		rd := cRd(insn)
		if rd == 2 { // C.ADDI16SP
			imm := cAddi16spImm(insn)
			if imm == 0 {
				return 0, ErrIllegalCompressed
			}
			return encodeI(OpOpImm, 2, 0, 2, imm), nil
		}
		// C.LUI
		imm := cLuiImm(insn)
		if imm == 0 {
			return 0, ErrIllegalCompressed
		}
		return encodeU(OpLui, rd, imm), nil
	case 0b100:
		return expandQ1Arith(insn)
	case 0b101: // C.J -> jal x0, offset
		return encodeJ(OpJal, 0, cJImm(insn)), nil
	case 0b110: // C.BEQZ
		return encodeB(OpBranch, 0b000, cRs1_(insn), 0, cBImm(insn)), nil
	case 0b111: // C.BNEZ
		return encodeB(OpBranch, 0b001, cRs1_(insn), 0, cBImm(insn)), nil
	default:
		return 0, ErrIllegalCompressed
	}
}

func cAddiImm(insn uint16) int32 {
	v := ((insn >> 7) & 0x20) | ((insn >> 2) & 0x1f)
	return signExtend32(uint32(v), 6)
}

func cJImm(insn uint16) int32 {
	v := uint32(0)
	v |= uint32((insn>>12)&1) << 11
	v |= uint32((insn>>11)&1) << 4
	v |= uint32((insn>>9)&0x3) << 8
	v |= uint32((insn>>8)&1) << 10
	v |= uint32((insn>>7)&1) << 6
	v |= uint32((insn>>6)&1) << 7
	v |= uint32((insn>>3)&0x7) << 1
	v |= uint32((insn>>2)&1) << 5
	return signExtend32(v, 12)
}

func cBImm(insn uint16) int32 {
	v := uint32(0)
	v |= uint32((insn>>12)&1) << 8
	v |= uint32((insn>>10)&0x3) << 3
	v |= uint32((insn>>5)&0x3) << 6
	v |= uint32((insn>>3)&0x3) << 1
	v |= uint32((insn>>2)&1) << 5
	return signExtend32(v, 9)
}

func cAddi16spImm(insn uint16) int32 {
	v := uint32(0)
	v |= uint32((insn>>12)&1) << 9
	v |= uint32((insn>>6)&1) << 4
	v |= uint32((insn>>5)&1) << 6
	v |= uint32((insn>>3)&0x3) << 7
	v |= uint32((insn>>2)&1) << 5
	return signExtend32(v, 10)
}

func cLuiImm(insn uint16) int32 {
	v := uint32(0)
	v |= uint32((insn>>12)&1) << 17
	v |= uint32((insn>>2)&0x1f) << 12
	return signExtend32(v, 18)
}

func expandQ1Arith(insn uint16) (uint32, error) {
	variant := (insn >> 10) & 0x3
	rd := cRs1_(insn)
	switch {
	case variant == 0b00: // C.SRLI
		shamt := cShamt(insn)
		return encodeI(OpOpImm, rd, 0b101, rd, int32(shamt)), nil
	case variant == 0b01: // C.SRAI
		shamt := cShamt(insn)
		return encodeI(OpOpImm, rd, 0b101, rd, int32(shamt)|(0x20<<5)), nil
	case variant == 0b10: // C.ANDI
		imm := cAddiImm(insn)
		return encodeI(OpOpImm, rd, 0b111, rd, imm), nil
	case variant == 0b11:
		rs2 := cRs2_(insn)
		bit12 := (insn >> 12) & 1
		sub := (insn >> 5) & 0x3
		if bit12 == 0 {
			switch sub {
			case 0b00: // C.SUB
				return encodeR(OpOp, rd, 0, rd, rs2, 0x20), nil
			case 0b01: // C.XOR
				return encodeR(OpOp, rd, 0b100, rd, rs2, 0), nil
			case 0b10: // C.OR
				return encodeR(OpOp, rd, 0b110, rd, rs2, 0), nil
			case 0b11: // C.AND
				return encodeR(OpOp, rd, 0b111, rd, rs2, 0), nil
			}
		}
		return 0, ErrIllegalCompressed
	}
	return 0, ErrIllegalCompressed
}

func cShamt(insn uint16) uint16 {
	return ((insn >> 7) & 0x20) | ((insn >> 2) & 0x1f)
}

func expandQ2(insn uint16) (uint32, error) {
	switch cFunct3(insn) {
	case 0b000: // C.SLLI
		rd := cRd(insn)
		shamt := cShamt(insn)
		return encodeI(OpOpImm, rd, 0b001, rd, int32(shamt)), nil
	case 0b001: // C.FLDSP -> fld rd, offset(x2)
		off := cLdspOffset(insn)
		return encodeI(OpLoadFP, cRd(insn), 0b011, 2, int32(off)), nil
	case 0b101: // C.FSDSP -> fsd rs2, offset(x2)
		off := cSdspOffset(insn)
		return encodeS(OpStoreFP, 0b011, 2, cRs2(insn), int32(off)), nil
	case 0b010: // C.LWSP
		rd := cRd(insn)
		if rd == 0 {
			return 0, ErrIllegalCompressed
		}
		off := cLwspOffset(insn)
		return encodeI(OpLoad, rd, 0b010, 2, int32(off)), nil
	case 0b011: // C.FLWSP
		rd := cRd(insn)
		off := cLwspOffset(insn)
		return encodeI(OpLoadFP, rd, 0b010, 2, int32(off)), nil
	case 0b100:
		return expandQ2Misc(insn)
	case 0b110: // C.SWSP
		off := cSwspOffset(insn)
		return encodeS(OpStore, 0b010, 2, cRs2(insn), int32(off)), nil
	case 0b111: // C.FSWSP
		off := cSwspOffset(insn)
		return encodeS(OpStoreFP, 0b010, 2, cRs2(insn), int32(off)), nil
	default:
		return 0, ErrIllegalCompressed
	}
}

func cLwspOffset(insn uint16) uint16 {
	return ((insn >> 7) & 0x20) | ((insn >> 2) & 0x1c) | ((insn << 4) & 0xc0)
}

func cSwspOffset(insn uint16) uint16 {
	return ((insn >> 7) & 0x3c) | ((insn >> 1) & 0xc0)
}

func cLdspOffset(insn uint16) uint16 {
	return ((insn >> 7) & 0x20) | ((insn >> 2) & 0x18) | ((insn << 4) & 0x1c0)
}

func cSdspOffset(insn uint16) uint16 {
	return ((insn >> 7) & 0x38) | ((insn >> 1) & 0x1c0)
}

func expandQ2Misc(insn uint16) (uint32, error) {
	bit12 := (insn >> 12) & 1
	rd := cRd(insn)
	rs2 := cRs2(insn)
	switch {
	case bit12 == 0 && rs2 == 0: // C.JR
		if rd == 0 {
			return 0, ErrIllegalCompressed
		}
		return encodeI(OpJalr, 0, 0, rd, 0), nil
	case bit12 == 0: // C.MV
		return encodeR(OpOp, rd, 0, 0, rs2, 0), nil
	case bit12 == 1 && rd == 0 && rs2 == 0: // C.EBREAK
		return encodeI(OpSystem, 0, 0, 0, 1), nil
	case bit12 == 1 && rs2 == 0: // C.JALR
		return encodeI(OpJalr, 1, 0, rd, 0), nil
	case bit12 == 1: // C.ADD
		return encodeR(OpOp, rd, 0, rd, rs2, 0), nil
	}
	return 0, ErrIllegalCompressed
}
