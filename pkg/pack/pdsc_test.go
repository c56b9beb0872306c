package pack

import (
	"strings"
	"testing"
)

const samplePDSC = `<?xml version="1.0"?>
<package schemaVersion="1.7" xmlns:xs="http://www.w3.org/2001/XMLSchema-instance">
  <name>Sample_DFP</name>
  <vendor>Sample</vendor>
  <version>1.0.0</version>
  <description>Sample device family pack</description>
  <devices>
    <family Dfamily="SampleF1" Dvendor="Sample:99">
      <processor Dcore="Cortex-M3" Dfpu="NO_FPU" Dmpu="NO_MPU"/>
      <memory id="IROM1" start="0x08000000" size="0x40000" default="1"/>
      <subFamily DsubFamily="SampleF1xx">
        <memory id="IRAM1" start="0x20000000" size="0x8000" default="1"/>
        <algorithm name="SampleF1_512.FLM" start="0x08000000" size="0x80000" RAMstart="0x20000000" RAMsize="0x1000" default="1"/>
        <device Dname="SampleF103">
        </device>
      </subFamily>
      <subFamily DsubFamily="SampleF1yy">
        <memory id="IRAM1" start="0x20000000" size="0x10000" default="1"/>
        <device Dname="SampleF107">
          <processor Dcore="Cortex-M3" Dfpu="SP_FPU"/>
        </device>
      </subFamily>
    </family>
  </devices>
</package>`

func TestParsePDSCPackageInfo(t *testing.T) {
	info, devices, err := ParsePDSC(strings.NewReader(samplePDSC))
	if err != nil {
		t.Fatalf("ParsePDSC() unexpected error: %v", err)
	}
	if info.Name != "Sample_DFP" || info.Vendor != "Sample" || info.Version != "1.0.0" {
		t.Errorf("unexpected package info: %+v", info)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d: %+v", len(devices), devices)
	}
}

func TestParsePDSCInheritsFamilyMemoryAndProcessor(t *testing.T) {
	_, devices, err := ParsePDSC(strings.NewReader(samplePDSC))
	if err != nil {
		t.Fatalf("ParsePDSC() unexpected error: %v", err)
	}

	var f103 DeviceDefinition
	for _, d := range devices {
		if d.Name == "SampleF103" {
			f103 = d
		}
	}
	if f103.Name == "" {
		t.Fatal("SampleF103 not found")
	}
	if f103.core != "Cortex-M3" {
		t.Errorf("expected inherited core Cortex-M3, got %q", f103.core)
	}
	if len(f103.memory) != 2 {
		t.Fatalf("expected 2 inherited memory regions (family IROM1 + subFamily IRAM1), got %+v", f103.memory)
	}
	if len(f103.algos) != 1 || f103.algos[0].File != "SampleF1_512.FLM" {
		t.Errorf("expected inherited algorithm reference, got %+v", f103.algos)
	}
}

func TestParsePDSCSiblingSubFamiliesDoNotLeak(t *testing.T) {
	_, devices, err := ParsePDSC(strings.NewReader(samplePDSC))
	if err != nil {
		t.Fatalf("ParsePDSC() unexpected error: %v", err)
	}

	var f107 DeviceDefinition
	for _, d := range devices {
		if d.Name == "SampleF107" {
			f107 = d
		}
	}
	if f107.Name == "" {
		t.Fatal("SampleF107 not found")
	}
	// F107 is under a sibling subFamily that declares no <algorithm>;
	// it must not see SampleF1xx's algorithm reference.
	if len(f107.algos) != 0 {
		t.Errorf("expected no algorithms leaked from sibling subFamily, got %+v", f107.algos)
	}
	// Its own subFamily's IRAM1 (0x10000) must win over the family's,
	// and must not be polluted by the sibling's 0x8000 IRAM1.
	found := false
	for _, m := range f107.memory {
		if m.Name == "IRAM1" {
			found = true
			if m.Size != 0x10000 {
				t.Errorf("expected SampleF107 IRAM1 size 0x10000, got 0x%x", m.Size)
			}
		}
	}
	if !found {
		t.Error("expected IRAM1 region on SampleF107")
	}
	if f107.fpu != true {
		t.Error("expected device-level Dfpu=SP_FPU to set fpu true")
	}
}

func TestParsePDSCThreeSiblingSubFamilies(t *testing.T) {
	const pdsc = `<?xml version="1.0"?>
<package>
  <name>Multi_DFP</name>
  <vendor>Sample</vendor>
  <version>1.0.0</version>
  <devices>
    <family Dfamily="F" Dvendor="Sample:99">
      <processor Dcore="Cortex-M4"/>
      <memory id="IROM1" start="0x08000000" size="0x20000" default="1"/>
      <subFamily DsubFamily="A">
        <device Dname="ChipA1"/>
        <device Dname="ChipA2"/>
      </subFamily>
      <subFamily DsubFamily="B">
        <device Dname="ChipB1"/>
        <device Dname="ChipB2"/>
      </subFamily>
      <subFamily DsubFamily="C">
        <device Dname="ChipC1"/>
        <device Dname="ChipC2"/>
      </subFamily>
    </family>
  </devices>
</package>`

	_, devices, err := ParsePDSC(strings.NewReader(pdsc))
	if err != nil {
		t.Fatalf("ParsePDSC() unexpected error: %v", err)
	}
	// Exactly six devices: a subFamily close that clears too much (or
	// too little) family state breaks this count.
	if len(devices) != 6 {
		t.Fatalf("expected 6 devices, got %d: %+v", len(devices), devices)
	}
	for _, d := range devices {
		if d.core != "Cortex-M4" {
			t.Errorf("%s: expected inherited family core, got %q", d.Name, d.core)
		}
		if len(d.memory) != 1 || d.memory[0].Name != "IROM1" {
			t.Errorf("%s: expected inherited family memory map, got %+v", d.Name, d.memory)
		}
	}
}

func TestParseMemoryClassification(t *testing.T) {
	const pdsc = `<?xml version="1.0"?>
<package>
  <name>Kinds_DFP</name>
  <vendor>Sample</vendor>
  <version>1.0.0</version>
  <devices>
    <family Dfamily="F" Dvendor="Sample:99">
      <device Dname="ChipK">
        <memory id="IROM1" start="0x08000000" size="0x10000" default="1"/>
        <memory id="IRAM1" start="0x20000000" size="0x4000" default="1"/>
        <memory name="SRAM2" start="0x20004000" size="0x4000"/>
        <memory name="Backup" start="0x40024000" size="0x1000"/>
      </device>
    </family>
  </devices>
</package>`

	_, devices, err := ParsePDSC(strings.NewReader(pdsc))
	if err != nil {
		t.Fatalf("ParsePDSC() unexpected error: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devices))
	}
	kinds := map[string]string{}
	for _, m := range devices[0].memory {
		kinds[m.Name] = m.Kind
	}
	want := map[string]string{"IROM1": "flash", "IRAM1": "ram", "SRAM2": "ram", "Backup": "generic"}
	for name, kind := range want {
		if kinds[name] != kind {
			t.Errorf("region %s classified %q, want %q", name, kinds[name], kind)
		}
	}
}

func TestParseHexOrDec(t *testing.T) {
	tests := []struct {
		in   string
		want uint32
	}{
		{"0x1000", 0x1000},
		{"0X2000", 0x2000},
		{"4096", 4096},
		{"0x1000 ", 0x1000},
		{"", 0},
		{"not-a-number", 0},
	}
	for _, tt := range tests {
		if got := parseHexOrDec(tt.in); got != tt.want {
			t.Errorf("parseHexOrDec(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
