package machine

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewWiresDevicesAndHarts(t *testing.T) {
	var out bytes.Buffer
	m, err := New(Options{RAMMB: 4, HartCount: 2, Output: &out}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(m.Harts) != 2 {
		t.Fatalf("len(Harts) = %d, want 2", len(m.Harts))
	}
	for i, h := range m.Harts {
		if h.PC != DRAMBase {
			t.Fatalf("hart %d PC = %#x, want %#x", i, h.PC, DRAMBase)
		}
	}
	if m.CLINT == nil || m.PLIC == nil || m.UART == nil {
		t.Fatal("expected CLINT/PLIC/UART to be wired")
	}
}

func TestNewClampsHartCountToFour(t *testing.T) {
	m, err := New(Options{HartCount: 99}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(m.Harts) != 4 {
		t.Fatalf("len(Harts) = %d, want 4 (clamped)", len(m.Harts))
	}
}

func TestEntryOverrideSetsResetPC(t *testing.T) {
	m, err := New(Options{HasEntryOverride: true, EntryOverride: 0x8020_0000}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.Harts[0].PC != 0x8020_0000 {
		t.Fatalf("PC = %#x, want 0x80200000", m.Harts[0].PC)
	}
}

func TestResetRestoresEntryPoint(t *testing.T) {
	m, err := New(Options{HasEntryOverride: true, EntryOverride: 0x8010_0000}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := m.Harts[0]
	h.PC = 0xdead_beef
	h.X[5] = 42
	m.Reset()
	if h.PC != 0x8010_0000 {
		t.Fatalf("PC after reset = %#x, want 0x80100000", h.PC)
	}
	if h.X[5] != 0 {
		t.Fatalf("X[5] after reset = %d, want 0", h.X[5])
	}
}

func TestSBIShimInstalledWhenEnabled(t *testing.T) {
	m, err := New(Options{EnableSBIShim: true}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.SBI == nil {
		t.Fatal("expected SBI shim to be constructed")
	}
	if m.Harts[0].SBI == nil {
		t.Fatal("expected hart 0's SBI hook to be installed")
	}
}

func TestRunHonorsMaxInstructionsOption(t *testing.T) {
	m, err := New(Options{RAMMB: 4, MaxInstructions: 100}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// addi x1, x1, 1 / jal x0, -4: a tight infinite loop.
	h := m.Harts[0]
	if err := h.Bus.Write32(DRAMBase, 0x00108093); err != nil {
		t.Fatal(err)
	}
	if err := h.Bus.Write32(DRAMBase+4, 0xffdff06f); err != nil {
		t.Fatal(err)
	}
	if got := m.Run(0); got != 100 {
		t.Fatalf("Run(0) retired = %d, want MaxInstructions (100)", got)
	}
	if m.CLINT.Mtime() != 100 {
		t.Fatalf("mtime = %d, want 100", m.CLINT.Mtime())
	}
}

func TestDeviceTreeHintsReportsFixedAddresses(t *testing.T) {
	m, err := New(Options{RAMMB: 4}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	hints := m.DeviceTreeHints()
	want := map[string]uint64{
		"uart": uint64(UARTBase), "clint": uint64(CLINTBase),
		"plic": uint64(PLICBase), "dram": uint64(DRAMBase),
	}
	for k, v := range want {
		if hints[k] != v {
			t.Errorf("hints[%q] = %#x, want %#x", k, hints[k], v)
		}
	}
}

func TestLoadTuningYAMLParsesFlatMap(t *testing.T) {
	doc := `
EXPERIMENTAL_JIT: "true"
EXPERIMENTAL_JIT_HOT: "128"
`
	tuning, err := LoadTuningYAML(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadTuningYAML: %v", err)
	}
	if !tuning.Bool("EXPERIMENTAL_JIT") {
		t.Fatal("expected EXPERIMENTAL_JIT to be true")
	}
	if got := tuning.Int("EXPERIMENTAL_JIT_HOT", -1); got != 128 {
		t.Fatalf("EXPERIMENTAL_JIT_HOT = %d, want 128", got)
	}
	if got := tuning.Int("EXPERIMENTAL_JIT_MISSING", 7); got != 7 {
		t.Fatalf("missing key default = %d, want 7", got)
	}
}

func TestLoadOptionsYAMLRoundTrips(t *testing.T) {
	doc := `
kernel_path: /boot/kernel
ram_mb: 256
hart_count: 2
enable_sbi_shim: true
`
	opts, err := LoadOptionsYAML(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadOptionsYAML: %v", err)
	}
	if opts.KernelPath != "/boot/kernel" || opts.RAMMB != 256 || opts.HartCount != 2 || !opts.EnableSBIShim {
		t.Fatalf("opts = %+v", opts)
	}
}

func TestEnableJITWiresCompilerAndAsyncPool(t *testing.T) {
	tuning := NewTuning(map[string]string{
		"EXPERIMENTAL_JIT":       "true",
		"EXPERIMENTAL_JIT_POOL_MB": "1",
		"EXPERIMENTAL_JIT_ASYNC": "true",
	})
	m, err := New(Options{}, tuning)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()
	if m.Compiler == nil {
		t.Fatal("expected JIT compiler to be constructed")
	}
	if m.Async == nil {
		t.Fatal("expected async compile pool to be constructed")
	}
}
