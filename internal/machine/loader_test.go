package machine

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/otterbyte/rv32vm/internal/mem"
)

// buildMinimalELF32 assembles the smallest valid little-endian ELF32
// RISC-V file the stdlib decoder will accept: an ELF header plus one
// PT_LOAD program header describing payload placed at paddr, entry
// point entry.
func buildMinimalELF32(t *testing.T, paddr, entry uint32, payload []byte) []byte {
	t.Helper()
	const (
		ehsize = 52
		phsize = 32
	)
	var buf bytes.Buffer

	ident := [16]byte{0x7f, 'E', 'L', 'F', 1 /* ELFCLASS32 */, 1 /* ELFDATA2LSB */, 1 /* EV_CURRENT */}
	buf.Write(ident[:])
	binary.Write(&buf, binary.LittleEndian, uint16(2))      // e_type = ET_EXEC
	binary.Write(&buf, binary.LittleEndian, uint16(0xf3))   // e_machine = EM_RISCV
	binary.Write(&buf, binary.LittleEndian, uint32(1))      // e_version
	binary.Write(&buf, binary.LittleEndian, entry)          // e_entry
	binary.Write(&buf, binary.LittleEndian, uint32(ehsize)) // e_phoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))      // e_shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))      // e_flags
	binary.Write(&buf, binary.LittleEndian, uint16(ehsize)) // e_ehsize
	binary.Write(&buf, binary.LittleEndian, uint16(phsize)) // e_phentsize
	binary.Write(&buf, binary.LittleEndian, uint16(1))      // e_phnum
	binary.Write(&buf, binary.LittleEndian, uint16(0))      // e_shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(0))      // e_shnum
	binary.Write(&buf, binary.LittleEndian, uint16(0))      // e_shstrndx

	dataOff := uint32(ehsize + phsize)
	binary.Write(&buf, binary.LittleEndian, uint32(1))             // p_type = PT_LOAD
	binary.Write(&buf, binary.LittleEndian, dataOff)                // p_offset
	binary.Write(&buf, binary.LittleEndian, paddr)                  // p_vaddr
	binary.Write(&buf, binary.LittleEndian, paddr)                  // p_paddr
	binary.Write(&buf, binary.LittleEndian, uint32(len(payload)))   // p_filesz
	binary.Write(&buf, binary.LittleEndian, uint32(len(payload)))   // p_memsz
	binary.Write(&buf, binary.LittleEndian, uint32(5))              // p_flags = R+X
	binary.Write(&buf, binary.LittleEndian, uint32(4))              // p_align

	buf.Write(payload)
	return buf.Bytes()
}

func TestLoadKernelPlacesELFSegmentAndReturnsEntry(t *testing.T) {
	bus := mem.NewBus(DRAMBase, 1<<20)
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	elfBytes := buildMinimalELF32(t, DRAMBase+0x1000, DRAMBase+0x1004, payload)

	path := filepath.Join(t.TempDir(), "kernel.elf")
	if err := os.WriteFile(path, elfBytes, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	entry, err := loadKernel(bus, path, DRAMBase)
	if err != nil {
		t.Fatalf("loadKernel: %v", err)
	}
	if entry != DRAMBase+0x1004 {
		t.Fatalf("entry = %#x, want %#x", entry, DRAMBase+0x1004)
	}

	region, err := bus.PhysicalRegion(DRAMBase+0x1000, uint32(len(payload)))
	if err != nil {
		t.Fatalf("PhysicalRegion: %v", err)
	}
	if !bytes.Equal(region, payload) {
		t.Fatalf("placed segment = %v, want %v", region, payload)
	}
}

func TestLoadKernelFallsBackToRawBlob(t *testing.T) {
	bus := mem.NewBus(DRAMBase, 1<<20)
	raw := []byte("not an elf file")
	path := filepath.Join(t.TempDir(), "kernel.bin")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	entry, err := loadKernel(bus, path, DRAMBase+0x2000)
	if err != nil {
		t.Fatalf("loadKernel: %v", err)
	}
	if entry != DRAMBase+0x2000 {
		t.Fatalf("entry = %#x, want %#x", entry, DRAMBase+0x2000)
	}
	region, err := bus.PhysicalRegion(DRAMBase+0x2000, uint32(len(raw)))
	if err != nil {
		t.Fatalf("PhysicalRegion: %v", err)
	}
	if !bytes.Equal(region, raw) {
		t.Fatalf("placed blob = %q, want %q", region, raw)
	}
}

func TestNewLoadsKernelAndSetsEntryFromELF(t *testing.T) {
	payload := []byte{0x13, 0x00, 0x00, 0x00} // a nop-shaped word, contents irrelevant here
	elfBytes := buildMinimalELF32(t, DRAMBase, DRAMBase+8, payload)
	path := filepath.Join(t.TempDir(), "kernel.elf")
	if err := os.WriteFile(path, elfBytes, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	m, err := New(Options{RAMMB: 4, KernelPath: path}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.EntryPC != DRAMBase+8 {
		t.Fatalf("EntryPC = %#x, want %#x", m.EntryPC, DRAMBase+8)
	}
	if m.Harts[0].PC != DRAMBase+8 {
		t.Fatalf("hart PC = %#x, want %#x", m.Harts[0].PC, DRAMBase+8)
	}
}

func TestEntryOverrideWinsOverKernelELFEntry(t *testing.T) {
	elfBytes := buildMinimalELF32(t, DRAMBase, DRAMBase+8, []byte{0, 0, 0, 0})
	path := filepath.Join(t.TempDir(), "kernel.elf")
	if err := os.WriteFile(path, elfBytes, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	m, err := New(Options{RAMMB: 4, KernelPath: path, HasEntryOverride: true, EntryOverride: 0x8040_0000}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.EntryPC != 0x8040_0000 {
		t.Fatalf("EntryPC = %#x, want 0x80400000", m.EntryPC)
	}
}
