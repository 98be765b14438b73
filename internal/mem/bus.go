// Package mem implements the SoC memory fabric: DRAM, the device bus,
// and the memory-mapped peripherals (UART, CLINT, PLIC, and a VirtIO
// stub slot).
package mem

import (
	"fmt"
	"sync"
)

// Device is implemented by anything mapped into the physical address
// space other than plain DRAM. Offsets are relative to the device's
// base address.
type Device interface {
	Read(offset uint64, size int) (uint64, error)
	Write(offset uint64, size int, value uint64) error
	Size() uint64
}

// AccessFault reports a host-side failure translating or servicing a
// physical access: an unmapped hole, a misaligned device access, or a
// device-internal error. It is distinct from a guest-architectural
// page fault, which the MMU raises itself.
type AccessFault struct {
	Addr  uint32
	Size  int
	Write bool
	Err   error
}

func (f *AccessFault) Error() string {
	dir := "read"
	if f.Write {
		dir = "write"
	}
	if f.Err != nil {
		return fmt.Sprintf("mem: %s fault at %#08x (size %d): %v", dir, f.Addr, f.Size, f.Err)
	}
	return fmt.Sprintf("mem: %s fault at %#08x (size %d): unmapped", dir, f.Addr, f.Size)
}

func (f *AccessFault) Unwrap() error { return f.Err }

// Mapping associates a device with its base address in the physical
// address space.
type Mapping struct {
	Base   uint32
	Size   uint64
	Device Device
}

// Bus is the flat physical address space: one DRAM region plus a
// linear list of device mappings, with RAM given a fast path and
// everything else scanned.
type Bus struct {
	RAM     *DRAM
	RAMBase uint32
	Devices []Mapping

	amoMu sync.Mutex

	// mmioMu serializes every device access. Devices are register state
	// machines with cross-device side effects (a UART write re-deriving
	// PLIC pending), so one lock covers them all rather than one each.
	mmioMu sync.Mutex
}

// LockAMO/UnlockAMO serialize the read-modify-write window of an AMO
// across harts. Ordinary loads/stores don't take this lock; only the
// multi-step AMO compute path does.
func (b *Bus) LockAMO()   { b.amoMu.Lock() }
func (b *Bus) UnlockAMO() { b.amoMu.Unlock() }

// NewBus allocates a DRAM region of ramSize bytes based at ramBase.
func NewBus(ramBase uint32, ramSize uint32) *Bus {
	return &Bus{
		RAM:     NewDRAM(ramSize),
		RAMBase: ramBase,
	}
}

// AddDevice maps dev at the given base address. Mappings are searched
// in registration order; the caller is responsible for non-overlap.
func (b *Bus) AddDevice(base uint32, dev Device) {
	b.Devices = append(b.Devices, Mapping{Base: base, Size: dev.Size(), Device: dev})
}

func (b *Bus) findDevice(addr uint32) (Mapping, bool) {
	for _, m := range b.Devices {
		if uint64(addr) >= uint64(m.Base) && uint64(addr) < uint64(m.Base)+m.Size {
			return m, true
		}
	}
	return Mapping{}, false
}

func (b *Bus) inRAM(addr uint32, size int) bool {
	end := uint64(b.RAMBase) + uint64(b.RAM.Size())
	return uint64(addr) >= uint64(b.RAMBase) && uint64(addr)+uint64(size) <= end
}

// Read performs a physical-address read of size bytes (1, 2, 4, or 8).
func (b *Bus) Read(addr uint32, size int) (uint64, error) {
	if b.inRAM(addr, size) {
		return b.RAM.Read(addr-b.RAMBase, size)
	}
	if m, ok := b.findDevice(addr); ok {
		b.mmioMu.Lock()
		v, err := m.Device.Read(uint64(addr-m.Base), size)
		b.mmioMu.Unlock()
		if err != nil {
			return 0, &AccessFault{Addr: addr, Size: size, Err: err}
		}
		return v, nil
	}
	return 0, &AccessFault{Addr: addr, Size: size}
}

// Write performs a physical-address write of size bytes.
func (b *Bus) Write(addr uint32, size int, value uint64) error {
	if b.inRAM(addr, size) {
		return b.RAM.Write(addr-b.RAMBase, size, value)
	}
	if m, ok := b.findDevice(addr); ok {
		b.mmioMu.Lock()
		err := m.Device.Write(uint64(addr-m.Base), size, value)
		b.mmioMu.Unlock()
		if err != nil {
			return &AccessFault{Addr: addr, Size: size, Write: true, Err: err}
		}
		return nil
	}
	return &AccessFault{Addr: addr, Size: size, Write: true}
}

func (b *Bus) Read8(addr uint32) (uint8, error) {
	v, err := b.Read(addr, 1)
	return uint8(v), err
}

func (b *Bus) Read16(addr uint32) (uint16, error) {
	v, err := b.Read(addr, 2)
	return uint16(v), err
}

func (b *Bus) Read32(addr uint32) (uint32, error) {
	v, err := b.Read(addr, 4)
	return uint32(v), err
}

func (b *Bus) Write8(addr uint32, v uint8) error  { return b.Write(addr, 1, uint64(v)) }
func (b *Bus) Write16(addr uint32, v uint16) error { return b.Write(addr, 2, uint64(v)) }
func (b *Bus) Write32(addr uint32, v uint32) error { return b.Write(addr, 4, uint64(v)) }

// LoadBytes copies data into DRAM starting at addr, bypassing any
// device mapping. Used by the (external) image loader.
func (b *Bus) LoadBytes(addr uint32, data []byte) error {
	if !b.inRAM(addr, len(data)) {
		return &AccessFault{Addr: addr, Size: len(data), Write: true}
	}
	return b.RAM.LoadBytes(addr-b.RAMBase, data)
}

// PhysicalRegion returns a slice view directly into DRAM covering
// [addr, addr+length) — the "get pointer to a physical region of
// length L" half of the image-loading contract, for a caller building
// a device tree blob or inspecting guest memory without going through
// Read/Write one word at a time. The slice aliases live DRAM; writes
// through it are visible to the guest immediately.
func (b *Bus) PhysicalRegion(addr uint32, length uint32) ([]byte, error) {
	if !b.inRAM(addr, int(length)) {
		return nil, &AccessFault{Addr: addr, Size: int(length)}
	}
	start := addr - b.RAMBase
	return b.RAM.Bytes()[start : start+length], nil
}

// Fetch16 reads the low 16 bits of the instruction at addr. Callers use
// them to decide whether the instruction is compressed before reading
// the second half-word themselves.
func (b *Bus) Fetch16(addr uint32) (uint16, error) {
	return b.Read16(addr)
}
