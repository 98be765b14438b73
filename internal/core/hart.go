// Package core implements the per-hart architectural state machine:
// general/CSR registers, the Sv32 MMU, the trap machine, and the
// single-instruction interpreter that the scheduler and the TB cache
// both drive.
package core

import (
	"fmt"
	"log/slog"

	"github.com/otterbyte/rv32vm/internal/mem"
)

// Privilege levels.
const (
	PrivUser       uint8 = 0
	PrivSupervisor uint8 = 1
	PrivMachine    uint8 = 3
)

// Misa bits (RV32IMAFDC).
const (
	MisaA uint32 = 1 << 0
	MisaC uint32 = 1 << 2
	MisaD uint32 = 1 << 3
	MisaF uint32 = 1 << 5
	MisaI uint32 = 1 << 8
	MisaM uint32 = 1 << 12
	MisaS uint32 = 1 << 18
	MisaU uint32 = 1 << 20
)

const mxl32 uint32 = 1

// Hart is one RISC-V hardware thread: integer/FP register files,
// program counter, CSR state, and the LR/SC reservation it holds.
// Hart satisfies mem.HartInterrupts so the platform can wire CLINT and
// PLIC directly at a *Hart slice without those packages importing
// core.
type Hart struct {
	ID int

	X [32]uint32
	F [32]uint64 // holds single-precision values NaN-boxed in the upper half, move-only FP

	PC   uint32
	Priv uint8

	Cycle   uint64
	Instret uint64

	Mstatus  uint32
	Misa     uint32
	Medeleg  uint32
	Mideleg  uint32
	Mie      uint32
	Mtvec    uint32
	Mcounteren uint32
	Mscratch uint32
	Mepc     uint32
	Mcause   uint32
	Mtval    uint32
	Mip      uint32
	Mhartid  uint32

	Stvec      uint32
	Scounteren uint32
	Sscratch   uint32
	Sepc       uint32
	Scause     uint32
	Stval      uint32
	Satp       uint32

	Fflags uint8
	Frm    uint8

	WFI     bool
	Running bool

	Bus          *mem.Bus
	MMU          *Translator
	Reservations *ReservationTable

	// SBI, when set, is consulted on every ECALL taken from S-mode
	// before the architectural exception is raised. It
	// reports whether it consumed the call; a nil SBI (the shim
	// disabled) always falls through to the trap. Kept as a callback
	// rather than an import so core never depends on package sbi.
	SBI func(h *Hart) bool

	// TimeSource, when set, backs the time/timeh CSRs with the
	// platform's shared CLINT mtime counter instead of this hart's own
	// Cycle. A nil TimeSource (e.g. in unit tests that construct a bare
	// Hart) falls back to Cycle. Kept as a callback rather than an
	// import so core never depends on package mem's CLINT type.
	TimeSource func() uint64

	// TimerBatch accumulates retires between CLINT.Advance calls so a
	// hart running inside a TB line or JIT block can defer the
	// per-instruction mtime tick until the block commits.
	TimerBatch uint64

	// Trace, when set, makes Step log every retired instruction's PC
	// and raw encoding at Debug level before executing it — the
	// machine's "trace" option. Left nil (the default) this costs
	// nothing beyond the one nil check.
	Trace *slog.Logger
}

// NewHart constructs a hart at its reset state, entering machine mode
// with the PC at resetPC. resv is the machine-wide reservation table
// shared by every hart.
func NewHart(id int, bus *mem.Bus, resetPC uint32, resv *ReservationTable) *Hart {
	h := &Hart{
		ID:           id,
		Priv:         PrivMachine,
		Misa:         mxl32<<30 | MisaI | MisaM | MisaA | MisaF | MisaD | MisaC | MisaS | MisaU,
		PC:           resetPC,
		Mhartid:      uint32(id),
		Bus:          bus,
		Reservations: resv,
		Running:      true,
	}
	h.MMU = NewTranslator(h)
	return h
}

func (h *Hart) Reset(resetPC uint32) {
	*h = Hart{
		ID:           h.ID,
		Priv:         PrivMachine,
		Misa:         h.Misa,
		PC:           resetPC,
		Mhartid:      uint32(h.ID),
		Bus:          h.Bus,
		Reservations: h.Reservations,
		SBI:          h.SBI,
		TimeSource:   h.TimeSource,
		Trace:        h.Trace,
		Running:      true,
	}
	h.MMU = NewTranslator(h)
	if h.Reservations != nil {
		h.Reservations.Clear(h.ID)
	}
}

func (h *Hart) ReadReg(reg uint32) uint32 {
	if reg == 0 {
		return 0
	}
	return h.X[reg]
}

func (h *Hart) WriteReg(reg uint32, val uint32) {
	if reg != 0 {
		h.X[reg] = val
	}
}

// ExceptionError is the guest-architectural fault kind:
// raised by CSR accessors, the MMU, and the interpreter, and consumed
// only by Hart.HandleTrap.
type ExceptionError struct {
	Cause uint32
	Tval  uint32
}

func (e ExceptionError) Error() string {
	return fmt.Sprintf("core: exception cause=%d tval=%#x", e.Cause, e.Tval)
}

func Exception(cause uint32, tval uint32) error {
	return ExceptionError{Cause: cause, Tval: tval}
}

// --- mem.HartInterrupts ---

func (h *Hart) SetMSIP(hart int, pending bool) {
	setBit(&h.Mip, MipMSIP, pending, h.ID == hart)
	if pending && h.ID == hart {
		h.WFI = false
	}
}
func (h *Hart) SetMTIP(hart int, pending bool) { setBit(&h.Mip, MipMTIP, pending, h.ID == hart) }
func (h *Hart) SetMEIP(hart int, pending bool) { setBit(&h.Mip, MipMEIP, pending, h.ID == hart) }
func (h *Hart) SetSEIP(hart int, pending bool) { setBit(&h.Mip, MipSEIP, pending, h.ID == hart) }
func (h *Hart) HartCount() int                 { return 1 }

func setBit(reg *uint32, bit uint32, pending, match bool) {
	if !match {
		return
	}
	if pending {
		*reg |= bit
	} else {
		*reg &^= bit
	}
}

// HartSet adapts a slice of *Hart to mem.HartInterrupts so devices
// shared across harts (CLINT, PLIC) can address any one of them.
type HartSet []*Hart

func (s HartSet) SetMSIP(hart int, pending bool) {
	setBit(&s[hart].Mip, MipMSIP, pending, true)
	if pending {
		s[hart].WFI = false
	}
}
func (s HartSet) SetMTIP(hart int, pending bool) { setBit(&s[hart].Mip, MipMTIP, pending, true) }
func (s HartSet) SetMEIP(hart int, pending bool) { setBit(&s[hart].Mip, MipMEIP, pending, true) }
func (s HartSet) SetSEIP(hart int, pending bool) { setBit(&s[hart].Mip, MipSEIP, pending, true) }
func (s HartSet) HartCount() int                 { return len(s) }

var _ mem.HartInterrupts = HartSet(nil)
