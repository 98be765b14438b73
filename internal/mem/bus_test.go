package mem

import "testing"

func TestBusRAMRoundTrip(t *testing.T) {
	b := NewBus(0x8000_0000, 4096)
	if err := b.Write32(0x8000_0010, 0xdeadbeef); err != nil {
		t.Fatalf("Write32: %v", err)
	}
	v, err := b.Read32(0x8000_0010)
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	if v != 0xdeadbeef {
		t.Fatalf("got %#x, want 0xdeadbeef", v)
	}
}

func TestBusUnmappedFaults(t *testing.T) {
	b := NewBus(0x8000_0000, 4096)
	if _, err := b.Read32(0x1234); err == nil {
		t.Fatal("expected AccessFault for unmapped address")
	}
}

func TestBusDeviceRoundTrip(t *testing.T) {
	b := NewBus(0x8000_0000, 4096)
	clint := NewCLINT(NullInterrupts{N: 1}, 1)
	b.AddDevice(0x0200_0000, clint)
	if err := b.Write32(0x0200_0000, 1); err != nil {
		t.Fatalf("Write32: %v", err)
	}
	v, err := b.Read32(0x0200_0000)
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	if v != 1 {
		t.Fatalf("msip = %d, want 1", v)
	}
}

func TestBusLoadBytes(t *testing.T) {
	b := NewBus(0x8000_0000, 4096)
	data := []byte{1, 2, 3, 4}
	if err := b.LoadBytes(0x8000_0000, data); err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	v, err := b.Read32(0x8000_0000)
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	if v != 0x04030201 {
		t.Fatalf("got %#x, want 0x04030201", v)
	}
}
