package mem

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// DRAM is a flat byte-addressable memory region, implementing the
// fast path of the bus directly rather than going through the Device
// interface. A single mutex covers every access so the threaded
// scheduler's per-hart goroutines stay race-free on overlapping words.
type DRAM struct {
	mu   sync.Mutex
	data []byte
}

func NewDRAM(size uint32) *DRAM {
	return &DRAM{data: make([]byte, size)}
}

func (d *DRAM) Size() uint64 { return uint64(len(d.data)) }

func (d *DRAM) Read(offset uint32, size int) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if uint64(offset)+uint64(size) > uint64(len(d.data)) {
		return 0, fmt.Errorf("dram: read out of range at %#x (size %d)", offset, size)
	}
	switch size {
	case 1:
		return uint64(d.data[offset]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(d.data[offset:])), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(d.data[offset:])), nil
	case 8:
		return binary.LittleEndian.Uint64(d.data[offset:]), nil
	default:
		return 0, fmt.Errorf("dram: unsupported access size %d", size)
	}
}

func (d *DRAM) Write(offset uint32, size int, value uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if uint64(offset)+uint64(size) > uint64(len(d.data)) {
		return fmt.Errorf("dram: write out of range at %#x (size %d)", offset, size)
	}
	switch size {
	case 1:
		d.data[offset] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(d.data[offset:], uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(d.data[offset:], uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(d.data[offset:], value)
	default:
		return fmt.Errorf("dram: unsupported access size %d", size)
	}
	return nil
}

func (d *DRAM) LoadBytes(offset uint32, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if uint64(offset)+uint64(len(src)) > uint64(len(d.data)) {
		return fmt.Errorf("dram: load out of range at %#x (len %d)", offset, len(src))
	}
	copy(d.data[offset:], src)
	return nil
}

// Bytes exposes the backing slice for the image loader and for tests
// that want to compare memory contents directly. The slice aliases
// live memory and bypasses the access lock; callers use it only while
// no hart is executing.
func (d *DRAM) Bytes() []byte { return d.data }
