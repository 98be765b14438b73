package core

// mstatus bits (RV32 layout: SD is bit 31, not bit 63).
const (
	MstatusSIE  uint32 = 1 << 1
	MstatusMIE  uint32 = 1 << 3
	MstatusSPIE uint32 = 1 << 5
	MstatusMPIE uint32 = 1 << 7
	MstatusSPP  uint32 = 1 << 8
	MstatusMPP  uint32 = 3 << 11
	MstatusFS   uint32 = 3 << 13
	MstatusMPRV uint32 = 1 << 17
	MstatusSUM  uint32 = 1 << 18
	MstatusMXR  uint32 = 1 << 19
	MstatusTVM  uint32 = 1 << 20
	MstatusTW   uint32 = 1 << 21
	MstatusTSR  uint32 = 1 << 22
	MstatusSD   uint32 = 1 << 31
)

const (
	MstatusSPPShift = 8
	MstatusMPPShift = 11
)

// mip/mie bits.
const (
	MipSSIP uint32 = 1 << 1
	MipMSIP uint32 = 1 << 3
	MipSTIP uint32 = 1 << 5
	MipMTIP uint32 = 1 << 7
	MipSEIP uint32 = 1 << 9
	MipMEIP uint32 = 1 << 11
)

// Exception causes.
const (
	CauseInsnAddrMisaligned  uint32 = 0
	CauseInsnAccessFault     uint32 = 1
	CauseIllegalInsn         uint32 = 2
	CauseBreakpoint          uint32 = 3
	CauseLoadAddrMisaligned  uint32 = 4
	CauseLoadAccessFault     uint32 = 5
	CauseStoreAddrMisaligned uint32 = 6
	CauseStoreAccessFault    uint32 = 7
	CauseEcallFromU          uint32 = 8
	CauseEcallFromS          uint32 = 9
	CauseEcallFromM          uint32 = 11
	CauseInsnPageFault       uint32 = 12
	CauseLoadPageFault       uint32 = 13
	CauseStorePageFault      uint32 = 15
)

// Interrupt causes (top bit set).
const (
	CauseSSoftwareInt uint32 = (1 << 31) | 1
	CauseMSoftwareInt uint32 = (1 << 31) | 3
	CauseSTimerInt    uint32 = (1 << 31) | 5
	CauseMTimerInt    uint32 = (1 << 31) | 7
	CauseSExternalInt uint32 = (1 << 31) | 9
	CauseMExternalInt uint32 = (1 << 31) | 11
)

// CSR addresses.
const (
	CSRFflags     uint16 = 0x001
	CSRFrm        uint16 = 0x002
	CSRFcsr       uint16 = 0x003
	CSRCycle      uint16 = 0xC00
	CSRTime       uint16 = 0xC01
	CSRInstret    uint16 = 0xC02
	CSRCycleH     uint16 = 0xC80
	CSRTimeH      uint16 = 0xC81
	CSRInstretH   uint16 = 0xC82
	CSRSstatus    uint16 = 0x100
	CSRSie        uint16 = 0x104
	CSRStvec      uint16 = 0x105
	CSRScounteren uint16 = 0x106
	CSRSscratch   uint16 = 0x140
	CSRSepc       uint16 = 0x141
	CSRScause     uint16 = 0x142
	CSRStval      uint16 = 0x143
	CSRSip        uint16 = 0x144
	CSRSatp       uint16 = 0x180
	CSRMstatus    uint16 = 0x300
	CSRMisa       uint16 = 0x301
	CSRMedeleg    uint16 = 0x302
	CSRMideleg    uint16 = 0x303
	CSRMie        uint16 = 0x304
	CSRMtvec      uint16 = 0x305
	CSRMcounteren uint16 = 0x306
	CSRMscratch   uint16 = 0x340
	CSRMepc       uint16 = 0x341
	CSRMcause     uint16 = 0x342
	CSRMtval      uint16 = 0x343
	CSRMip        uint16 = 0x344
	CSRMhartid    uint16 = 0xF14
)

const sstatusMask = MstatusSIE | MstatusSPIE | MstatusSPP | MstatusFS |
	MstatusSUM | MstatusMXR | MstatusSD

func (h *Hart) readSstatus() uint32 { return h.Mstatus & sstatusMask }

func (h *Hart) writeSstatus(val uint32) {
	h.Mstatus = (h.Mstatus &^ sstatusMask) | (val & sstatusMask)
}

const mstatusMask = MstatusSIE | MstatusMIE | MstatusSPIE | MstatusMPIE |
	MstatusSPP | MstatusMPP | MstatusFS | MstatusMPRV | MstatusSUM |
	MstatusMXR | MstatusTVM | MstatusTW | MstatusTSR

func (h *Hart) writeMstatus(val uint32) {
	h.Mstatus = (h.Mstatus &^ mstatusMask) | (val & mstatusMask)
	if h.Mstatus&MstatusFS == MstatusFS {
		h.Mstatus |= MstatusSD
	} else {
		h.Mstatus &^= MstatusSD
	}
}

// mtime returns the platform's shared CLINT counter via TimeSource when
// wired (the normal case under machine.New), falling back to this
// hart's own Cycle for standalone Harts built outside a machine (unit
// tests, the JIT/tbcache packages' fixtures).
func (h *Hart) mtime() uint64 {
	if h.TimeSource != nil {
		return h.TimeSource()
	}
	return h.Cycle
}

// CSRRead reads a CSR, raising an illegal-instruction exception if the
// current privilege is below the CSR's encoded privilege field.
func (h *Hart) CSRRead(csr uint16) (uint32, error) {
	if h.Priv < uint8((csr>>8)&3) {
		return 0, Exception(CauseIllegalInsn, 0)
	}
	switch csr {
	case CSRFflags:
		return uint32(h.Fflags), nil
	case CSRFrm:
		return uint32(h.Frm), nil
	case CSRFcsr:
		return uint32(h.Fflags) | uint32(h.Frm)<<5, nil
	case CSRCycle:
		return uint32(h.Cycle), nil
	case CSRTime:
		return uint32(h.mtime()), nil
	case CSRInstret:
		return uint32(h.Instret), nil
	case CSRCycleH:
		return uint32(h.Cycle >> 32), nil
	case CSRTimeH:
		return uint32(h.mtime() >> 32), nil
	case CSRInstretH:
		return uint32(h.Instret >> 32), nil
	case CSRSstatus:
		return h.readSstatus(), nil
	case CSRSie:
		return h.Mie & h.Mideleg, nil
	case CSRStvec:
		return h.Stvec, nil
	case CSRScounteren:
		return h.Scounteren, nil
	case CSRSscratch:
		return h.Sscratch, nil
	case CSRSepc:
		return h.Sepc, nil
	case CSRScause:
		return h.Scause, nil
	case CSRStval:
		return h.Stval, nil
	case CSRSip:
		return h.Mip & h.Mideleg, nil
	case CSRSatp:
		if h.Priv == PrivSupervisor && h.Mstatus&MstatusTVM != 0 {
			return 0, Exception(CauseIllegalInsn, 0)
		}
		return h.Satp, nil
	case CSRMstatus:
		return h.Mstatus, nil
	case CSRMisa:
		return h.Misa, nil
	case CSRMedeleg:
		return h.Medeleg, nil
	case CSRMideleg:
		return h.Mideleg, nil
	case CSRMie:
		return h.Mie, nil
	case CSRMtvec:
		return h.Mtvec, nil
	case CSRMcounteren:
		return h.Mcounteren, nil
	case CSRMscratch:
		return h.Mscratch, nil
	case CSRMepc:
		return h.Mepc, nil
	case CSRMcause:
		return h.Mcause, nil
	case CSRMtval:
		return h.Mtval, nil
	case CSRMip:
		return h.Mip, nil
	case CSRMhartid:
		return h.Mhartid, nil
	default:
		return 0, nil
	}
}

// CSRWrite writes a CSR, applying the same read-only view masks used
// by CSRRead.
func (h *Hart) CSRWrite(csr uint16, val uint32) error {
	if h.Priv < uint8((csr>>8)&3) {
		return Exception(CauseIllegalInsn, 0)
	}
	// CSRs whose top two bits are both 1 are read-only (cycle/instret/time).
	if (csr>>10)&0x3 == 0x3 {
		return Exception(CauseIllegalInsn, 0)
	}
	switch csr {
	case CSRFflags:
		h.Fflags = uint8(val) & 0x1f
	case CSRFrm:
		h.Frm = uint8(val) & 0x7
	case CSRFcsr:
		h.Fflags = uint8(val) & 0x1f
		h.Frm = uint8(val>>5) & 0x7
	case CSRSstatus:
		h.writeSstatus(val)
	case CSRSie:
		h.Mie = (h.Mie &^ h.Mideleg) | (val & h.Mideleg)
	case CSRStvec:
		h.Stvec = val
	case CSRScounteren:
		h.Scounteren = val
	case CSRSscratch:
		h.Sscratch = val
	case CSRSepc:
		h.Sepc = val &^ 1
	case CSRScause:
		h.Scause = val
	case CSRStval:
		h.Stval = val
	case CSRSip:
		h.Mip = (h.Mip &^ h.Mideleg) | (val & h.Mideleg)
	case CSRSatp:
		if h.Priv == PrivSupervisor && h.Mstatus&MstatusTVM != 0 {
			return Exception(CauseIllegalInsn, 0)
		}
		h.Satp = val
		h.MMU.FlushTLB()
	case CSRMstatus:
		h.writeMstatus(val)
	case CSRMedeleg:
		h.Medeleg = val
	case CSRMideleg:
		h.Mideleg = val
	case CSRMie:
		h.Mie = val
	case CSRMtvec:
		h.Mtvec = val
	case CSRMcounteren:
		h.Mcounteren = val
	case CSRMscratch:
		h.Mscratch = val
	case CSRMepc:
		h.Mepc = val &^ 1
	case CSRMcause:
		h.Mcause = val
	case CSRMtval:
		h.Mtval = val
	case CSRMip:
		// Only the software-settable bits are writable by software.
		const writable = MipSSIP
		h.Mip = (h.Mip &^ writable) | (val & writable)
	default:
		// Unknown CSR: ignore, matching a permissive implementation
		// that lets an OS probe CSRs it doesn't strictly need.
	}
	return nil
}

// CheckInterrupt reports whether a pending, enabled interrupt should
// be taken right now, in priority order (external > software > timer,
// machine before supervisor).
func (h *Hart) CheckInterrupt() (bool, uint32) {
	pending := h.Mip & h.Mie
	if pending == 0 {
		return false, 0
	}

	mEnabled := h.Priv < PrivMachine || h.Mstatus&MstatusMIE != 0
	if pending&MipMEIP != 0 && mEnabled {
		return true, CauseMExternalInt
	}
	if pending&MipMSIP != 0 && mEnabled {
		return true, CauseMSoftwareInt
	}
	if pending&MipMTIP != 0 && mEnabled {
		return true, CauseMTimerInt
	}

	sEnabled := h.Priv < PrivSupervisor || (h.Priv == PrivSupervisor && h.Mstatus&MstatusSIE != 0)
	if pending&MipSEIP != 0 && sEnabled {
		return true, CauseSExternalInt
	}
	if pending&MipSSIP != 0 && sEnabled {
		return true, CauseSSoftwareInt
	}
	if pending&MipSTIP != 0 && sEnabled {
		return true, CauseSTimerInt
	}
	return false, 0
}

// HandleTrap delivers an exception or interrupt, applying the
// medeleg/mideleg delegation rule and updating the trap CSRs and
// privilege stack for whichever mode receives it.
func (h *Hart) HandleTrap(cause uint32, tval uint32) {
	isInterrupt := cause&(1<<31) != 0
	code := cause &^ (1 << 31)

	delegate := false
	if h.Priv <= PrivSupervisor {
		if isInterrupt {
			delegate = h.Mideleg&(1<<code) != 0
		} else {
			delegate = h.Medeleg&(1<<code) != 0
		}
	}

	if delegate {
		h.Sepc = h.PC
		h.Scause = cause
		h.Stval = tval
		if h.Mstatus&MstatusSIE != 0 {
			h.Mstatus |= MstatusSPIE
		} else {
			h.Mstatus &^= MstatusSPIE
		}
		h.Mstatus &^= MstatusSIE
		if h.Priv == PrivSupervisor {
			h.Mstatus |= MstatusSPP
		} else {
			h.Mstatus &^= MstatusSPP
		}
		h.Priv = PrivSupervisor
		if h.Stvec&1 == 1 && isInterrupt {
			h.PC = (h.Stvec &^ 1) + 4*code
		} else {
			h.PC = h.Stvec &^ 3
		}
		if h.Stvec&^3 == 0 {
			// No trap vector installed: this trap has nowhere architectural
			// to go, so stop the hart and let the scheduler drain it.
			h.Running = false
		}
		return
	}

	h.Mepc = h.PC
	h.Mcause = cause
	h.Mtval = tval
	if h.Mstatus&MstatusMIE != 0 {
		h.Mstatus |= MstatusMPIE
	} else {
		h.Mstatus &^= MstatusMPIE
	}
	h.Mstatus &^= MstatusMIE
	h.Mstatus &^= MstatusMPP
	h.Mstatus |= uint32(h.Priv) << MstatusMPPShift
	h.Priv = PrivMachine
	if h.Mtvec&1 == 1 && isInterrupt {
		h.PC = (h.Mtvec &^ 1) + 4*code
	} else {
		h.PC = h.Mtvec &^ 3
	}
	if h.Mtvec&^3 == 0 {
		h.Running = false
	}
}

// Mret and Sret implement the xRET privileged instructions.
func (h *Hart) Mret() error {
	if h.Priv < PrivMachine {
		return Exception(CauseIllegalInsn, 0)
	}
	mpp := (h.Mstatus >> MstatusMPPShift) & 3
	h.Priv = uint8(mpp)
	if h.Mstatus&MstatusMPIE != 0 {
		h.Mstatus |= MstatusMIE
	} else {
		h.Mstatus &^= MstatusMIE
	}
	h.Mstatus |= MstatusMPIE
	h.Mstatus &^= MstatusMPP
	h.PC = h.Mepc
	return nil
}

func (h *Hart) Sret() error {
	if h.Priv < PrivSupervisor {
		return Exception(CauseIllegalInsn, 0)
	}
	if h.Mstatus&MstatusSPP != 0 {
		h.Priv = PrivSupervisor
	} else {
		h.Priv = PrivUser
	}
	if h.Mstatus&MstatusSPIE != 0 {
		h.Mstatus |= MstatusSIE
	} else {
		h.Mstatus &^= MstatusSIE
	}
	h.Mstatus |= MstatusSPIE
	h.Mstatus &^= MstatusSPP
	h.PC = h.Sepc
	return nil
}
