// Package sbi implements the optional Supervisor Binary Interface
// shim: a set of ECALL handlers a machine can install so guest
// S-mode software can request timers, IPIs, and hart control without
// those becoming architectural traps.
package sbi

import (
	"log/slog"

	"github.com/otterbyte/rv32vm/internal/core"
	"github.com/otterbyte/rv32vm/internal/mem"
)

// Extension IDs, per the standard SBI calling convention.
const (
	ExtLegacySetTimer     = 0x00
	ExtLegacyPutchar      = 0x01
	ExtLegacyGetchar      = 0x02
	ExtLegacyClearIPI     = 0x03
	ExtLegacySendIPI      = 0x04
	ExtLegacyRemoteFenceI = 0x05
	ExtLegacyShutdown     = 0x08

	ExtBase   = 0x10
	ExtTime   = 0x54494d45 // "TIME"
	ExtIPI    = 0x735049   // "sPI"
	ExtRFence = 0x52464e43 // "RFNC"
	ExtHSM    = 0x48534d   // "HSM"
	ExtSRST   = 0x53525354 // "SRST"
)

// Base extension function IDs.
const (
	BaseGetSpecVersion = 0
	BaseGetImplID      = 1
	BaseGetImplVersion = 2
	BaseProbeExtension = 3
	BaseGetMvendorID   = 4
	BaseGetMarchID     = 5
	BaseGetMimplID     = 6
)

const (
	TimeSetTimer = 0
	IPISendIPI   = 0
)

// HSM function IDs.
const (
	HSMHartStart   = 0
	HSMHartStop    = 1
	HSMHartStatus  = 2
	HSMHartSuspend = 3
)

// SRST function IDs.
const SRSTReset = 0

// Standard SBI error codes.
const (
	Success           int32 = 0
	ErrFailed         int32 = -1
	ErrNotSupported   int32 = -2
	ErrInvalidParam   int32 = -3
	ErrDenied         int32 = -4
	ErrInvalidAddress int32 = -5
	ErrAlreadyAvail   int32 = -6
)

// specVersion/implID/implVersion are the values the base extension
// reports, pinned by ("impl id 0x52563332, impl version
// 0x0001_0000").
const (
	specVersion  = 0x0000_0002 // SBI spec v0.2
	implID       = 0x5256_3332 // "RV32"
	implVersion  = 0x0001_0000
)

// HartState is a hart's HSM-visible status.
type HartState int

const (
	HartStarted HartState = iota
	HartStopped
	HartStartPending
	HartStopPending
	HartSuspended
)

// Shim binds the SBI call dispatch to the machine's device fabric.
// Harts is indexed by hart id so IPI/HSM calls can address a sibling
// hart without the shim importing the scheduler.
type Shim struct {
	Harts  []*core.Hart
	UART   *mem.UART
	CLINT  *mem.CLINT
	Logger *slog.Logger

	states []HartState

	// Shutdown is set (not returned as an error up through Execute)
	// when SRST or the legacy shutdown call fires; the embedder polls
	// it after each quantum.
	Shutdown bool
}

// NewShim constructs a shim over hartCount harts, all initially
// Started (hart 0) or Stopped (the rest) — matching a typical boot
// where only the boot hart begins executing.
func NewShim(harts []*core.Hart, uart *mem.UART, clint *mem.CLINT, logger *slog.Logger) *Shim {
	if logger == nil {
		logger = slog.Default()
	}
	states := make([]HartState, len(harts))
	for i := range states {
		if i == 0 {
			states[i] = HartStarted
		} else {
			states[i] = HartStopped
		}
	}
	return &Shim{Harts: harts, UART: uart, CLINT: clint, Logger: logger, states: states}
}

// Handle dispatches one ECALL from hart h, per the calling convention
// a7=extension, a6=function, a0-a5=args, returning a0=error, a1=value.
// It always reports having consumed the call.
func (s *Shim) Handle(h *core.Hart) bool {
	ext := h.X[17]
	fid := h.X[16]

	var errCode int32 = Success
	var val uint32

	switch ext {
	case ExtLegacyPutchar:
		if s.UART != nil {
			s.UART.Write(0, 1, uint64(byte(h.X[10])))
		}
	case ExtLegacyGetchar:
		// Legacy calls return their value directly in a0, with no
		// (error, value) pair.
		h.X[10] = s.getchar()
		s.Logger.Debug("sbi call", "ext", ext, "fid", fid, "hart", h.ID)
		return true
	case ExtLegacyClearIPI:
		if s.CLINT != nil {
			s.CLINT.SetMSIP(h.ID, false)
		}
	case ExtLegacySendIPI:
		s.sendIPIMask(h.X[10])
	case ExtLegacyRemoteFenceI:
		// No-op: every hart's TLB/TB cache is already coherent with
		// memory in this implementation.
	case ExtLegacySetTimer:
		// RV32 passes the 64-bit deadline split across a0 (low) and a1
		// (high).
		s.setTimer(h, uint64(h.X[11])<<32|uint64(h.X[10]))
	case ExtLegacyShutdown:
		s.shutdown()

	case ExtBase:
		errCode, val = s.handleBase(h, fid)
	case ExtTime:
		errCode, val = s.handleTime(h, fid)
	case ExtIPI:
		errCode, val = s.handleIPI(h, fid)
	case ExtRFence:
		errCode = Success // every RFENCE variant is a no-op success
	case ExtHSM:
		errCode, val = s.handleHSM(h, fid)
	case ExtSRST:
		s.shutdown()
		errCode = Success

	default:
		errCode = ErrNotSupported
	}

	h.X[10] = uint32(errCode)
	h.X[11] = val
	s.Logger.Debug("sbi call", "ext", ext, "fid", fid, "hart", h.ID, "err", errCode)
	return true
}

// shutdown latches the shutdown flag and stops every hart so the
// scheduler drains at the next quantum boundary.
func (s *Shim) shutdown() {
	s.Shutdown = true
	for _, h := range s.Harts {
		h.Running = false
	}
}

func (s *Shim) setTimer(h *core.Hart, deadline uint64) {
	if s.CLINT != nil {
		s.CLINT.SetTimecmp(h.ID, deadline)
	}
	h.Mip &^= core.MipSTIP
}

func (s *Shim) getchar() uint32 {
	if s.UART == nil {
		return 0xffff_ffff
	}
	lsr, _ := s.UART.Read(5, 1) // LSR
	if lsr&0x1 == 0 {
		return 0xffff_ffff
	}
	rbr, _ := s.UART.Read(0, 1) // RBR
	return uint32(rbr)
}

func (s *Shim) sendIPIMask(maskLow uint32) {
	if s.CLINT == nil {
		return
	}
	for hart := range s.Harts {
		if hart < 32 && maskLow&(1<<uint(hart)) != 0 {
			s.CLINT.SetMSIP(hart, true)
		}
	}
}

func (s *Shim) handleBase(h *core.Hart, fid uint32) (int32, uint32) {
	switch fid {
	case BaseGetSpecVersion:
		return Success, specVersion
	case BaseGetImplID:
		return Success, implID
	case BaseGetImplVersion:
		return Success, implVersion
	case BaseProbeExtension:
		switch h.X[10] {
		case ExtBase, ExtTime, ExtIPI, ExtRFence, ExtHSM, ExtSRST,
			ExtLegacyPutchar, ExtLegacyGetchar, ExtLegacySetTimer,
			ExtLegacySendIPI, ExtLegacyClearIPI, ExtLegacyRemoteFenceI,
			ExtLegacyShutdown:
			return Success, 1
		default:
			return Success, 0
		}
	case BaseGetMvendorID, BaseGetMarchID, BaseGetMimplID:
		return Success, 0
	default:
		return ErrNotSupported, 0
	}
}

func (s *Shim) handleTime(h *core.Hart, fid uint32) (int32, uint32) {
	switch fid {
	case TimeSetTimer:
		s.setTimer(h, uint64(h.X[11])<<32|uint64(h.X[10]))
		return Success, 0
	default:
		return ErrNotSupported, 0
	}
}

func (s *Shim) handleIPI(h *core.Hart, fid uint32) (int32, uint32) {
	switch fid {
	case IPISendIPI:
		s.sendIPIMask(h.X[10])
		return Success, 0
	default:
		return ErrNotSupported, 0
	}
}

func (s *Shim) handleHSM(h *core.Hart, fid uint32) (int32, uint32) {
	hartid := int(h.X[10])
	switch fid {
	case HSMHartStatus:
		if hartid < 0 || hartid >= len(s.states) {
			return ErrInvalidParam, 0
		}
		return Success, uint32(s.states[hartid])

	case HSMHartStart:
		if hartid < 0 || hartid >= len(s.Harts) {
			return ErrInvalidParam, 0
		}
		if s.states[hartid] == HartStarted {
			return ErrAlreadyAvail, 0
		}
		target := s.Harts[hartid]
		target.PC = h.X[11]           // a1 = start address
		target.X[10] = uint32(hartid) // a0 = hartid for the woken hart
		target.X[11] = h.X[12]        // a2 = opaque parameter
		target.Running = true
		target.WFI = false
		s.states[hartid] = HartStarted
		return Success, 0

	case HSMHartStop:
		s.states[h.ID] = HartStopped
		h.Running = false
		return Success, 0

	case HSMHartSuspend:
		h.WFI = true
		s.states[h.ID] = HartSuspended
		return Success, 0

	default:
		return ErrNotSupported, 0
	}
}

// Install wires the shim into h so handleEcall in package core routes
// S-mode ECALLs through Handle instead of always trapping.
func Install(h *core.Hart, s *Shim) { h.SBI = s.Handle }
