package mem

import "testing"

func TestVirtIOStubAdvertisesAbsence(t *testing.T) {
	v := NewVirtIOStub()

	magic, _ := v.Read(0x000, 4)
	if magic != virtioMagicValue {
		t.Fatalf("magic = %#x, want %#x", magic, virtioMagicValue)
	}
	devID, _ := v.Read(0x008, 4)
	if devID != 0 {
		t.Fatalf("DeviceID = %d, want 0 (not present)", devID)
	}
	vendor, _ := v.Read(0x00c, 4)
	if vendor != virtioVendorID {
		t.Fatalf("VendorID = %#x, want %#x", vendor, virtioVendorID)
	}
}
