// Package target is the device catalogue: chip descriptors with
// their memory maps and extracted flash algorithms, registered either
// from the built-in table or from an imported CMSIS-Pack.
package target

// MemoryRegion is one half-open address range [Start, Start+Size) in a
// device's memory map.
type MemoryRegion struct {
	Name    string
	Kind    string // "flash", "ram", or "generic"
	Start   uint32
	Size    uint32
	Default bool
}

// End returns the exclusive upper bound of the region.
func (m MemoryRegion) End() uint32 { return m.Start + m.Size }

// Contains reports whether addr falls inside the region.
func (m MemoryRegion) Contains(addr uint32) bool {
	return addr >= m.Start && addr < m.End()
}

// Sector is one erasable flash sector. Address is relative to the
// flash region start, so the first sector is always at 0.
type Sector struct {
	Size    uint32
	Address uint32
}

// FlashAlgorithm is a vendor flash loader extracted from an FLM,
// ready to load into target RAM and call. Entry point offsets carry
// the thumb bit already folded in.
type FlashAlgorithm struct {
	Name        string
	Description string
	Default     bool

	// LoadAddress is where the blob goes in target RAM; the 0x20
	// bytes below it are reserved for the loader header.
	LoadAddress       uint32
	Instructions      []byte
	DataSectionOffset uint32

	PCInit        uint32
	HasPCInit     bool
	PCUnInit      uint32
	HasPCUnInit   bool
	PCProgramPage uint32
	PCEraseSector uint32
	PCEraseAll    uint32
	HasPCEraseAll bool

	FlashStart         uint32
	FlashSize          uint32
	PageSize           uint32
	ErasedByteValue    byte
	ProgramPageTimeout uint32 // ms
	EraseSectorTimeout uint32 // ms
	Sectors            []Sector
}

// Descriptor is one registered chip variant.
type Descriptor struct {
	Name   string
	Vendor string
	Core   string // PDSC Dcore string, e.g. "Cortex-M3"
	FPU    bool
	MPU    bool

	Memory     []MemoryRegion
	Algorithms []FlashAlgorithm

	// PackName records which imported pack contributed this entry;
	// empty for the built-in table.
	PackName string
}

// PrimaryFlash returns the device's main flash region: the one marked
// default, else the first flash region.
func (d Descriptor) PrimaryFlash() (MemoryRegion, bool) {
	return primaryRegion(d.Memory, "flash")
}

// PrimaryRAM returns the device's main RAM region, preferring an
// explicit default, then a region at or above 0x20000000 (main SRAM
// rather than TCM), then the first RAM region.
func (d Descriptor) PrimaryRAM() (MemoryRegion, bool) {
	var candidates []MemoryRegion
	for _, m := range d.Memory {
		if m.Kind != "ram" {
			continue
		}
		if m.Default {
			return m, true
		}
		candidates = append(candidates, m)
	}
	for _, m := range candidates {
		if m.Start >= 0x20000000 {
			return m, true
		}
	}
	if len(candidates) > 0 {
		return candidates[0], true
	}
	return MemoryRegion{}, false
}

func primaryRegion(regions []MemoryRegion, kind string) (MemoryRegion, bool) {
	var first MemoryRegion
	found := false
	for _, m := range regions {
		if m.Kind != kind {
			continue
		}
		if m.Default {
			return m, true
		}
		if !found {
			first, found = m, true
		}
	}
	return first, found
}
