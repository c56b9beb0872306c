package target

import (
	"testing"
)

func TestLookupExactMatchWins(t *testing.T) {
	r := NewRegistry()
	r.Put(Descriptor{Name: "GD32F470ZGT6", Core: "Cortex-M4"})
	r.Put(Descriptor{Name: "GD32F407", Core: "Cortex-M4"})

	d, ok := r.Lookup("GD32F470ZGT6")
	if !ok || d.Name != "GD32F470ZGT6" {
		t.Fatalf("expected exact match, got %+v ok=%v", d, ok)
	}
}

func TestLookupStripsPartSuffix(t *testing.T) {
	r := NewRegistry()
	r.Put(Descriptor{Name: "STM32F103C8"})

	d, ok := r.Lookup("STM32F103C8Tx")
	if !ok || d.Name != "STM32F103C8" {
		t.Fatalf("expected suffix-stripped match STM32F103C8, got %+v ok=%v", d, ok)
	}
}

func TestLookupFallsBackThroughAliasTable(t *testing.T) {
	r := NewRegistry()
	r.Put(Descriptor{Name: "GD32F407"})

	d, ok := r.Lookup("GD32F470ZGT6")
	if !ok || d.Name != "GD32F407" {
		t.Fatalf("expected alias fallback to GD32F407, got %+v ok=%v", d, ok)
	}
}

func TestLookupUnknownName(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Lookup("NoSuchChip9999"); ok {
		t.Fatal("expected lookup miss")
	}
}

func TestPutAllReplacesPackContents(t *testing.T) {
	r := NewRegistry()
	r.PutAll("DFP", []Descriptor{{Name: "ChipA"}, {Name: "ChipB"}})
	r.PutAll("DFP", []Descriptor{{Name: "ChipC"}})

	if _, ok := r.Lookup("ChipA"); ok {
		t.Error("expected ChipA gone after pack replacement")
	}
	if _, ok := r.Lookup("ChipC"); !ok {
		t.Error("expected ChipC present after pack replacement")
	}
	if got := len(r.List()); got != 1 {
		t.Errorf("expected 1 registered device, got %d", got)
	}
}

func TestRemovePack(t *testing.T) {
	r := NewRegistry()
	r.Put(Descriptor{Name: "Builtin1"})
	r.PutAll("DFP", []Descriptor{{Name: "PackChip"}})
	r.RemovePack("DFP")

	if _, ok := r.Lookup("PackChip"); ok {
		t.Error("expected pack device removed")
	}
	if _, ok := r.Lookup("Builtin1"); !ok {
		t.Error("expected built-in untouched by pack removal")
	}
}

func TestListSortedByName(t *testing.T) {
	r := NewRegistry()
	r.Put(Descriptor{Name: "Zeta"})
	r.Put(Descriptor{Name: "Alpha"})
	r.Put(Descriptor{Name: "Mid"})

	got := r.List()
	if len(got) != 3 || got[0].Name != "Alpha" || got[2].Name != "Zeta" {
		t.Errorf("expected sorted list, got %+v", got)
	}
}

func TestDefaultRegistrySeededWithBuiltins(t *testing.T) {
	d, ok := DefaultRegistry().Lookup("STM32F103C8")
	if !ok {
		t.Fatal("expected built-in STM32F103C8")
	}
	flash, ok := d.PrimaryFlash()
	if !ok || flash.Start != 0x08000000 || flash.End() != 0x08010000 {
		t.Errorf("expected flash 0x08000000..0x08010000, got %+v", flash)
	}
	ram, ok := d.PrimaryRAM()
	if !ok || ram.Start != 0x20000000 || ram.End() != 0x20005000 {
		t.Errorf("expected ram 0x20000000..0x20005000, got %+v", ram)
	}
}

func TestBuiltinMemoryRegionsNonOverlapping(t *testing.T) {
	for _, d := range builtinTargets {
		for i, a := range d.Memory {
			for _, b := range d.Memory[i+1:] {
				if a.Start < b.End() && b.Start < a.End() {
					t.Errorf("%s: regions %s and %s overlap", d.Name, a.Name, b.Name)
				}
			}
		}
	}
}

func TestPrimaryRAMPrefersMainSRAMOverTCM(t *testing.T) {
	d := Descriptor{
		Memory: []MemoryRegion{
			{Name: "CCM", Kind: "ram", Start: 0x10000000, Size: 0x10000},
			{Name: "IRAM1", Kind: "ram", Start: 0x20000000, Size: 0x20000},
		},
	}
	ram, ok := d.PrimaryRAM()
	if !ok || ram.Start != 0x20000000 {
		t.Errorf("expected main SRAM at 0x20000000 preferred, got %+v", ram)
	}
}
