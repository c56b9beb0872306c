package probe

import "testing"

func TestCapabilityString(t *testing.T) {
	tests := []struct {
		caps Capability
		want string
	}{
		{CapHID, "hid"},
		{CapWinUSB, "winusb"},
		{CapHID | CapWinUSB, "hid+winusb"},
		{0, "none"},
	}
	for _, tt := range tests {
		if got := tt.caps.String(); got != tt.want {
			t.Errorf("Capability(%d).String() = %q, want %q", tt.caps, got, tt.want)
		}
	}
}

func TestIdentifierIncludesSerialWhenPresent(t *testing.T) {
	d := Descriptor{VendorID: 0x0D28, ProductID: 0x0204, SerialNumber: "0240000034"}
	if got := d.Identifier(); got != "0d28:0204:0240000034" {
		t.Errorf("Identifier() = %q", got)
	}
}

func TestIdentifierWithoutSerial(t *testing.T) {
	d := Descriptor{VendorID: 0x0D28, ProductID: 0x0204}
	if got := d.Identifier(); got != "0d28:0204" {
		t.Errorf("Identifier() = %q", got)
	}
}

func TestDedupeMergesCapabilitiesAndSorts(t *testing.T) {
	in := []Descriptor{
		{VendorID: 0x1366, ProductID: 0x0101, SerialNumber: "B"},
		{VendorID: 0x0D28, ProductID: 0x0204, SerialNumber: "A", Caps: CapHID},
		{VendorID: 0x0D28, ProductID: 0x0204, SerialNumber: "A", Caps: CapWinUSB},
	}
	got := dedupe(in)
	if len(got) != 2 {
		t.Fatalf("dedupe() returned %d entries, want 2", len(got))
	}
	// Sorted by identifier: 0d28 before 1366.
	if got[0].SerialNumber != "A" || got[0].Caps != CapHID|CapWinUSB {
		t.Errorf("expected merged hid+winusb entry first, got %+v", got[0])
	}
	if got[1].VendorID != 0x1366 {
		t.Errorf("expected SEGGER entry second, got %+v", got[1])
	}
}
