package core

import (
	"math/bits"

	"github.com/otterbyte/rv32vm/internal/isa"
)

// Execute runs a single decoded instruction against the hart's
// register and memory state. Execute also moves the PC: by d.Len for
// straight-line instructions, to the target for taken jumps and
// branches; on an error the PC is left at the faulting instruction.
func (h *Hart) Execute(d isa.Decoded) error {
	switch d.Opcode {
	case isa.OpLui:
		h.WriteReg(d.Rd, uint32(d.ImmU))
	case isa.OpAuipc:
		h.WriteReg(d.Rd, h.PC+uint32(d.ImmU))
	case isa.OpJal:
		h.WriteReg(d.Rd, h.PC+d.Len)
		h.PC = h.PC + uint32(d.ImmJ)
		return nil
	case isa.OpJalr:
		target := (h.ReadReg(d.Rs1) + uint32(d.ImmI)) &^ 1
		h.WriteReg(d.Rd, h.PC+d.Len)
		h.PC = target
		return nil
	case isa.OpBranch:
		return h.execBranch(d)
	case isa.OpLoad:
		return h.execLoad(d)
	case isa.OpStore:
		return h.execStore(d)
	case isa.OpOpImm:
		return h.execOpImm(d)
	case isa.OpOp:
		return h.execOp(d)
	case isa.OpMiscMem:
		// FENCE/FENCE.I: no-op, the core has no instruction cache to flush.
	case isa.OpSystem:
		return h.execSystem(d)
	case isa.OpAMO:
		return h.execAMO(d)
	case isa.OpLoadFP, isa.OpStoreFP, isa.OpOpFP, isa.OpMadd, isa.OpMsub, isa.OpNmsub, isa.OpNmadd:
		return h.execFP(d)
	default:
		return Exception(CauseIllegalInsn, d.Raw)
	}
	h.PC += d.Len
	return nil
}

func (h *Hart) execBranch(d isa.Decoded) error {
	r1, r2 := h.ReadReg(d.Rs1), h.ReadReg(d.Rs2)
	var taken bool
	switch d.Funct3 {
	case 0b000: // BEQ
		taken = r1 == r2
	case 0b001: // BNE
		taken = r1 != r2
	case 0b100: // BLT
		taken = int32(r1) < int32(r2)
	case 0b101: // BGE
		taken = int32(r1) >= int32(r2)
	case 0b110: // BLTU
		taken = r1 < r2
	case 0b111: // BGEU
		taken = r1 >= r2
	default:
		return Exception(CauseIllegalInsn, d.Raw)
	}
	if taken {
		h.PC = h.PC + uint32(d.ImmB)
	} else {
		h.PC += d.Len
	}
	return nil
}

func (h *Hart) execLoad(d isa.Decoded) error {
	vaddr := h.ReadReg(d.Rs1) + uint32(d.ImmI)
	var size uint32
	switch d.Funct3 {
	case 0b000, 0b100:
		size = 1
	case 0b001, 0b101:
		size = 2
	case 0b010:
		size = 4
	default:
		return Exception(CauseIllegalInsn, d.Raw)
	}
	raw, err := h.readMem(vaddr, size)
	if err != nil {
		return err
	}
	var val uint32
	switch d.Funct3 {
	case 0b000: // LB
		val = uint32(int32(int8(raw)))
	case 0b001: // LH
		val = uint32(int32(int16(raw)))
	case 0b010: // LW
		val = raw
	case 0b100: // LBU
		val = raw & 0xff
	case 0b101: // LHU
		val = raw & 0xffff
	}
	h.WriteReg(d.Rd, val)
	h.PC += d.Len
	return nil
}

func (h *Hart) execStore(d isa.Decoded) error {
	vaddr := h.ReadReg(d.Rs1) + uint32(d.ImmS)
	size := storeSize(d.Funct3)
	if d.Funct3 > 0b010 {
		return Exception(CauseIllegalInsn, d.Raw)
	}
	if err := h.writeMem(vaddr, size, h.ReadReg(d.Rs2)); err != nil {
		return err
	}
	h.PC += d.Len
	return nil
}

// readMem and writeMem decompose unaligned accesses into byte
// accesses: an aligned access goes through the bus's native width for
// speed, a misaligned one is split byte by byte so that a fault
// partway through is reported against the first failing byte and, for
// stores, the bytes that did succeed remain committed.
func (h *Hart) readMem(vaddr, size uint32) (uint32, error) {
	if vaddr%size == 0 {
		paddr, err := h.MMU.TranslateRead(vaddr)
		if err != nil {
			return 0, err
		}
		v, e := h.Bus.Read(paddr, int(size))
		if e != nil {
			return 0, Exception(CauseLoadAccessFault, vaddr)
		}
		return uint32(v), nil
	}
	var val uint32
	for i := uint32(0); i < size; i++ {
		a := vaddr + i
		paddr, err := h.MMU.TranslateRead(a)
		if err != nil {
			return 0, err
		}
		b, e := h.Bus.Read8(paddr)
		if e != nil {
			return 0, Exception(CauseLoadAccessFault, a)
		}
		val |= uint32(b) << (8 * i)
	}
	return val, nil
}

func (h *Hart) writeMem(vaddr, size, val uint32) error {
	if vaddr%size == 0 {
		paddr, err := h.MMU.TranslateWrite(vaddr)
		if err != nil {
			return err
		}
		if err := h.Bus.Write(paddr, int(size), uint64(val)); err != nil {
			return Exception(CauseStoreAccessFault, vaddr)
		}
		h.Reservations.ClearOverlapping(paddr, size)
		return nil
	}
	for i := uint32(0); i < size; i++ {
		a := vaddr + i
		paddr, err := h.MMU.TranslateWrite(a)
		if err != nil {
			return err
		}
		if err := h.Bus.Write8(paddr, byte(val>>(8*i))); err != nil {
			return Exception(CauseStoreAccessFault, a)
		}
		h.Reservations.ClearOverlapping(paddr, 1)
	}
	return nil
}

func storeSize(f3 uint32) uint32 {
	switch f3 {
	case 0b000:
		return 1
	case 0b001:
		return 2
	default:
		return 4
	}
}

func (h *Hart) execOpImm(d isa.Decoded) error {
	r1 := h.ReadReg(d.Rs1)
	imm := uint32(d.ImmI)
	sh := imm & 0x1f
	var val uint32
	switch d.Funct3 {
	case 0b000: // ADDI
		val = r1 + imm
	case 0b001: // SLLI
		val = r1 << sh
	case 0b010: // SLTI
		if int32(r1) < int32(imm) {
			val = 1
		}
	case 0b011: // SLTIU
		if r1 < imm {
			val = 1
		}
	case 0b100: // XORI
		val = r1 ^ imm
	case 0b101: // SRLI/SRAI
		if d.Funct7&0x20 != 0 {
			val = uint32(int32(r1) >> sh)
		} else {
			val = r1 >> sh
		}
	case 0b110: // ORI
		val = r1 | imm
	case 0b111: // ANDI
		val = r1 & imm
	default:
		return Exception(CauseIllegalInsn, d.Raw)
	}
	h.WriteReg(d.Rd, val)
	h.PC += d.Len
	return nil
}

func (h *Hart) execOp(d isa.Decoded) error {
	if d.Funct7 == 0b0000001 {
		return h.execOpM(d)
	}
	r1, r2 := h.ReadReg(d.Rs1), h.ReadReg(d.Rs2)
	var val uint32
	switch d.Funct3 {
	case 0b000:
		if d.Funct7 == 0b0100000 {
			val = r1 - r2
		} else {
			val = r1 + r2
		}
	case 0b001:
		val = r1 << (r2 & 0x1f)
	case 0b010:
		if int32(r1) < int32(r2) {
			val = 1
		}
	case 0b011:
		if r1 < r2 {
			val = 1
		}
	case 0b100:
		val = r1 ^ r2
	case 0b101:
		if d.Funct7 == 0b0100000 {
			val = uint32(int32(r1) >> (r2 & 0x1f))
		} else {
			val = r1 >> (r2 & 0x1f)
		}
	case 0b110:
		val = r1 | r2
	case 0b111:
		val = r1 & r2
	default:
		return Exception(CauseIllegalInsn, d.Raw)
	}
	h.WriteReg(d.Rd, val)
	h.PC += d.Len
	return nil
}

func (h *Hart) execOpM(d isa.Decoded) error {
	r1, r2 := h.ReadReg(d.Rs1), h.ReadReg(d.Rs2)
	var val uint32
	switch d.Funct3 {
	case 0b000: // MUL
		val = r1 * r2
	case 0b001: // MULH
		val = mulhSS(r1, r2)
	case 0b010: // MULHSU
		val = mulhSU(r1, r2)
	case 0b011: // MULHU
		hi, _ := bits.Mul32(r1, r2)
		val = hi
	case 0b100: // DIV
		if r2 == 0 {
			val = ^uint32(0)
		} else if r1 == 1<<31 && r2 == ^uint32(0) {
			val = r1
		} else {
			val = uint32(int32(r1) / int32(r2))
		}
	case 0b101: // DIVU
		if r2 == 0 {
			val = ^uint32(0)
		} else {
			val = r1 / r2
		}
	case 0b110: // REM
		if r2 == 0 {
			val = r1
		} else if r1 == 1<<31 && r2 == ^uint32(0) {
			val = 0
		} else {
			val = uint32(int32(r1) % int32(r2))
		}
	case 0b111: // REMU
		if r2 == 0 {
			val = r1
		} else {
			val = r1 % r2
		}
	default:
		return Exception(CauseIllegalInsn, d.Raw)
	}
	h.WriteReg(d.Rd, val)
	h.PC += d.Len
	return nil
}

func mulhSS(a, b uint32) uint32 {
	prod := int64(int32(a)) * int64(int32(b))
	return uint32(prod >> 32)
}

func mulhSU(a, b uint32) uint32 {
	prod := int64(int32(a)) * int64(b)
	return uint32(prod >> 32)
}

func (h *Hart) execSystem(d isa.Decoded) error {
	// d.Raw is the 16-bit word for a compressed instruction (c.ebreak),
	// so match against the expanded 32-bit encoding instead.
	raw := d.Raw
	if d.IsCompr {
		raw = uint32(d.ImmI)<<20 | d.Rs1<<15 | d.Funct3<<12 | d.Rd<<7 | d.Opcode
	}
	if d.Funct3 == 0 {
		switch raw {
		case 0x00000073: // ECALL
			return h.handleEcall()
		case 0x00100073: // EBREAK
			return Exception(CauseBreakpoint, h.PC)
		case 0x30200073: // MRET
			return h.Mret()
		case 0x10200073: // SRET
			return h.Sret()
		case 0x10500073: // WFI
			if h.Priv == PrivUser {
				return Exception(CauseIllegalInsn, d.Raw)
			}
			h.WFI = true
			h.PC += d.Len
			return nil
		default:
			if raw>>25 == 0b0001001 { // SFENCE.VMA
				if h.Priv == PrivUser {
					return Exception(CauseIllegalInsn, d.Raw)
				}
				h.MMU.FlushTLB()
				h.PC += d.Len
				return nil
			}
			return Exception(CauseIllegalInsn, d.Raw)
		}
	}

	csr := uint16(raw >> 20)
	rs1Val := h.ReadReg(d.Rs1)
	if d.Funct3 >= 5 {
		rs1Val = d.Rs1
	}
	csrVal, err := h.CSRRead(csr)
	if err != nil {
		return err
	}
	var writeVal uint32
	var doWrite bool
	switch d.Funct3 & 3 {
	case 1: // CSRRW(I)
		writeVal, doWrite = rs1Val, true
	case 2: // CSRRS(I)
		writeVal, doWrite = csrVal|rs1Val, d.Rs1 != 0
	case 3: // CSRRC(I)
		writeVal, doWrite = csrVal&^rs1Val, d.Rs1 != 0
	default:
		return Exception(CauseIllegalInsn, d.Raw)
	}
	if doWrite {
		if err := h.CSRWrite(csr, writeVal); err != nil {
			return err
		}
	}
	h.WriteReg(d.Rd, csrVal)
	h.PC += d.Len
	return nil
}

// handleEcall raises the architectural ecall-from-<priv> exception
// unless an SBI shim is installed and consumes the call itself. A
// consumed call retires normally.
func (h *Hart) handleEcall() error {
	if h.Priv == PrivSupervisor && h.SBI != nil && h.SBI(h) {
		h.PC += 4
		return nil
	}
	switch h.Priv {
	case PrivUser:
		return Exception(CauseEcallFromU, 0)
	case PrivSupervisor:
		return Exception(CauseEcallFromS, 0)
	default:
		return Exception(CauseEcallFromM, 0)
	}
}
