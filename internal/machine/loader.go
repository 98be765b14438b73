package machine

import (
	"bytes"
	"debug/elf"
	"fmt"
	"os"

	"github.com/otterbyte/rv32vm/internal/mem"
)

// Conventional placement for the DTB and initrd when no explicit load
// address is configured: far enough above the kernel's usual base that
// neither collides with a typical image, both within the smallest
// supported DRAM size.
const (
	defaultDTBOffset    = 0x0220_0000
	defaultInitrdOffset = 0x0400_0000
)

// loadImages places the kernel, DTB, and initrd (whichever paths are
// set) into bus and resolves the reset PC: an explicit entry_override
// always wins, otherwise the kernel's resolved entry point (ELF entry
// or its own load address for a raw blob), otherwise DRAMBase.
func loadImages(bus *mem.Bus, opts Options) (uint32, error) {
	resetPC := uint32(DRAMBase)

	if opts.KernelPath != "" {
		loadAddr := opts.KernelLoadAddr
		if loadAddr == 0 {
			loadAddr = DRAMBase
		}
		entry, err := loadKernel(bus, opts.KernelPath, loadAddr)
		if err != nil {
			return 0, err
		}
		resetPC = entry
	}

	if opts.DTBPath != "" {
		addr := opts.DTBLoadAddr
		if addr == 0 {
			addr = DRAMBase + defaultDTBOffset
		}
		if err := loadBlob(bus, opts.DTBPath, addr); err != nil {
			return 0, err
		}
	}
	if opts.InitrdPath != "" {
		addr := opts.InitrdLoadAddr
		if addr == 0 {
			addr = DRAMBase + defaultInitrdOffset
		}
		if err := loadBlob(bus, opts.InitrdPath, addr); err != nil {
			return 0, err
		}
	}

	if opts.HasEntryOverride {
		resetPC = opts.EntryOverride
	}
	return resetPC, nil
}

// loadKernel implements the path-based half of the image-loading
// contract: it identifies an ELF32 little-endian RISC-V image and
// places its PT_LOAD segments at their physical (falling back to
// virtual) addresses, returning the file's entry point; anything that
// doesn't parse as such an ELF is treated as a raw blob placed at
// loadAddr, whose entry point is simply loadAddr itself.
func loadKernel(bus *mem.Bus, path string, loadAddr uint32) (uint32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("machine: read kernel %q: %w", path, err)
	}

	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		if err := bus.LoadBytes(loadAddr, data); err != nil {
			return 0, fmt.Errorf("machine: place raw kernel blob: %w", err)
		}
		return loadAddr, nil
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 || f.Data != elf.ELFDATA2LSB || f.Machine != elf.EM_RISCV {
		return 0, fmt.Errorf("machine: kernel %q is not an ELF32 little-endian RISC-V image (class %v, data %v, machine %v)", path, f.Class, f.Data, f.Machine)
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		seg := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(seg, 0); err != nil {
			return 0, fmt.Errorf("machine: read PT_LOAD segment: %w", err)
		}
		addr := uint32(prog.Paddr)
		if addr == 0 {
			addr = uint32(prog.Vaddr)
		}
		if err := bus.LoadBytes(addr, seg); err != nil {
			return 0, fmt.Errorf("machine: place PT_LOAD segment at %#x: %w", addr, err)
		}
	}
	return uint32(f.Entry), nil
}

// loadBlob places path's raw contents at loadAddr, for the DTB and
// initrd images — neither is ever an ELF, so there's no format to
// detect.
func loadBlob(bus *mem.Bus, path string, loadAddr uint32) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("machine: read %q: %w", path, err)
	}
	if err := bus.LoadBytes(loadAddr, data); err != nil {
		return fmt.Errorf("machine: place %q at %#x: %w", path, loadAddr, err)
	}
	return nil
}
