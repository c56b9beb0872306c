package pack

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/daschewie/dapbridge/pkg/target"
)

// flashDeviceSize is the fixed byte layout of the CMSIS FlashDevice
// struct embedded in every .FLM, per the Keil Flash Algorithm ABI.
const flashDeviceSize = 0xA0

type flashDevice struct {
	driverVersion       uint16
	name                string
	deviceType          uint16
	startAddress        uint32
	deviceSize          uint32
	pageSize            uint32
	erasedDefaultValue  byte
	programPageTimeout  uint32
	eraseSectorTimeout  uint32
	sectors             []target.Sector // (size, region start), run-length encoded
}

func parseFlashDevice(data []byte) (flashDevice, error) {
	if len(data) < flashDeviceSize {
		return flashDevice{}, fmt.Errorf("FlashDevice struct truncated: got %d bytes, want at least %d", len(data), flashDeviceSize)
	}
	var fd flashDevice
	fd.driverVersion = binary.LittleEndian.Uint16(data[0x00:])
	nameBytes := data[0x02:0x82]
	if i := bytes.IndexByte(nameBytes, 0); i >= 0 {
		nameBytes = nameBytes[:i]
	}
	fd.name = string(nameBytes)
	fd.deviceType = binary.LittleEndian.Uint16(data[0x82:])
	fd.startAddress = binary.LittleEndian.Uint32(data[0x84:])
	fd.deviceSize = binary.LittleEndian.Uint32(data[0x88:])
	fd.pageSize = binary.LittleEndian.Uint32(data[0x8c:])
	fd.erasedDefaultValue = data[0x94]
	fd.programPageTimeout = binary.LittleEndian.Uint32(data[0x98:])
	fd.eraseSectorTimeout = binary.LittleEndian.Uint32(data[0x9c:])

	for off := 0xA0; off+8 <= len(data); off += 8 {
		size := binary.LittleEndian.Uint32(data[off:])
		addr := binary.LittleEndian.Uint32(data[off+4:])
		if size == 0xFFFFFFFF {
			break
		}
		fd.sectors = append(fd.sectors, target.Sector{Size: size, Address: addr})
	}
	return fd, nil
}

// buildSectors expands the FlashDevice's run-length sector list into an
// explicit per-sector list. FlashDevice sector entries already encode
// (size, offset-from-flash-base) pairs, so each run covers offsets
// [run.Address, next run's offset) — or device end for the last run.
func buildSectors(fd flashDevice) []target.Sector {
	if len(fd.sectors) == 0 {
		return generateDefaultSectors(fd.deviceSize)
	}
	var out []target.Sector
	for i, run := range fd.sectors {
		runEnd := fd.deviceSize
		if i+1 < len(fd.sectors) {
			runEnd = fd.sectors[i+1].Address
		}
		for addr := run.Address; addr < runEnd; addr += run.Size {
			out = append(out, target.Sector{Address: addr, Size: run.Size})
		}
	}
	return out
}

func generateDefaultSectors(deviceSize uint32) []target.Sector {
	const sectorSize = 4096
	var out []target.Sector
	for addr := uint32(0); addr < deviceSize; addr += sectorSize {
		out = append(out, target.Sector{Address: addr, Size: sectorSize})
	}
	return out
}

// ExtractAlgorithm parses an FLM (a relocatable or partially linked ARM
// ELF) and produces a ready-to-load FlashAlgorithm: the PrgCode/PrgData
// blob at its natural layout, the entry point offsets with the thumb
// bit folded in, and the expanded sector map.
func ExtractAlgorithm(flmPath string, data []byte, flashStart, flashSize uint32) (target.FlashAlgorithm, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return target.FlashAlgorithm{}, fmt.Errorf("parsing FLM ELF %s: %w", flmPath, err)
	}
	defer f.Close()

	fdBytes, err := extractFlashDeviceBytes(f)
	if err != nil {
		return target.FlashAlgorithm{}, fmt.Errorf("%s: %w", flmPath, err)
	}
	fd, err := parseFlashDevice(fdBytes)
	if err != nil {
		return target.FlashAlgorithm{}, fmt.Errorf("%s: %w", flmPath, err)
	}
	if fd.startAddress == 0 && fd.deviceSize == 0 {
		fd.startAddress = flashStart
		fd.deviceSize = flashSize
	}

	blob, codeStart, dataOffset, err := extractAlgorithmBlob(f)
	if err != nil {
		return target.FlashAlgorithm{}, fmt.Errorf("%s: %w", flmPath, err)
	}

	algo := target.FlashAlgorithm{
		Name:               strings.TrimSuffix(filepath.Base(flmPath), filepath.Ext(flmPath)),
		Instructions:       blob,
		DataSectionOffset:  dataOffset,
		FlashStart:         fd.startAddress,
		FlashSize:          fd.deviceSize,
		PageSize:           fd.pageSize,
		ErasedByteValue:    fd.erasedDefaultValue,
		ProgramPageTimeout: fd.programPageTimeout,
		EraseSectorTimeout: fd.eraseSectorTimeout,
		Sectors:            buildSectors(fd),
	}
	if algo.ProgramPageTimeout == 0 {
		algo.ProgramPageTimeout = 1000
	}
	if algo.EraseSectorTimeout == 0 {
		algo.EraseSectorTimeout = 2000
	}
	if algo.ErasedByteValue == 0 {
		algo.ErasedByteValue = 0xFF
	}

	entries, err := extractFunctionSymbols(f, codeStart)
	if err != nil {
		return target.FlashAlgorithm{}, fmt.Errorf("%s: %w", flmPath, err)
	}
	if v, ok := entries["Init"]; ok {
		algo.PCInit, algo.HasPCInit = v, true
	}
	if v, ok := entries["UnInit"]; ok {
		algo.PCUnInit, algo.HasPCUnInit = v, true
	}
	if v, ok := entries["ProgramPage"]; ok {
		algo.PCProgramPage = v
	}
	if v, ok := entries["EraseSector"]; ok {
		algo.PCEraseSector = v
	}
	if v, ok := entries["EraseChip"]; ok {
		algo.PCEraseAll, algo.HasPCEraseAll = v, true
	}

	return algo, nil
}

func extractFlashDeviceBytes(f *elf.File) ([]byte, error) {
	syms, err := f.Symbols()
	if err != nil || len(syms) == 0 {
		syms, err = f.DynamicSymbols()
	}
	if err != nil {
		return nil, fmt.Errorf("reading symbols: %w", err)
	}
	for _, s := range syms {
		if s.Name != "FlashDevice" {
			continue
		}
		if int(s.Section) >= len(f.Sections) {
			continue
		}
		sec := f.Sections[s.Section]
		raw, err := sec.Data()
		if err != nil {
			return nil, fmt.Errorf("reading section %s: %w", sec.Name, err)
		}
		off := s.Value - sec.Addr
		// The symbol's own size covers the fixed header plus the
		// variable-length sector table that follows it; slicing to a
		// fixed header length would drop every sector entry. Symbols
		// with no recorded size get the rest of the section instead.
		end := off + s.Size
		if s.Size == 0 || end > uint64(len(raw)) {
			end = uint64(len(raw))
		}
		if off+flashDeviceSize > end {
			return nil, fmt.Errorf("FlashDevice symbol extends past section %s", sec.Name)
		}
		return raw[off:end], nil
	}
	return nil, fmt.Errorf("no FlashDevice symbol found")
}

// extractAlgorithmBlob builds the code+data+bss blob the flash engine
// loads into target RAM: PrgCode and PrgData sections by name if
// present, else the first non-empty .text/.data sections; trailing
// zero-initialized (BSS) space is appended explicitly since targets.
func extractAlgorithmBlob(f *elf.File) (blob []byte, codeStart uint32, dataOffset uint32, err error) {
	var code, data *elf.Section
	var bssSize uint64

	for _, s := range f.Sections {
		switch s.Name {
		case "PrgCode", ".text":
			if s.Name == "PrgCode" || (code == nil && s.Size > 0) {
				code = s
			}
		case "PrgData", ".data":
			if s.Name == "PrgData" || (data == nil && s.Size > 0) {
				data = s
			}
		}
		if s.Type == elf.SHT_NOBITS && (s.Name == "PrgData" || s.Name == ".bss") {
			bssSize += s.Size
		}
	}
	if code == nil {
		return nil, 0, 0, fmt.Errorf("no PrgCode/.text section found")
	}

	codeBytes, err := code.Data()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("reading code section: %w", err)
	}
	codeStart = uint32(code.Addr)

	blob = append(blob, codeBytes...)

	if data != nil && data.Type != elf.SHT_NOBITS {
		pad := int64(data.Addr) - int64(code.Addr) - int64(len(blob))
		for ; pad > 0; pad-- {
			blob = append(blob, 0)
		}
		dataBytes, derr := data.Data()
		if derr != nil {
			return nil, 0, 0, fmt.Errorf("reading data section: %w", derr)
		}
		dataOffset = uint32(len(blob))
		blob = append(blob, dataBytes...)
	} else {
		dataOffset = uint32(len(blob))
	}

	for i := uint64(0); i < bssSize; i++ {
		blob = append(blob, 0)
	}

	return blob, codeStart, dataOffset, nil
}

func extractFunctionSymbols(f *elf.File, codeStart uint32) (map[string]uint32, error) {
	syms, err := f.Symbols()
	if err != nil {
		return nil, fmt.Errorf("reading symbols: %w", err)
	}
	want := map[string]bool{"Init": true, "UnInit": true, "ProgramPage": true, "EraseSector": true, "EraseChip": true}
	out := make(map[string]uint32)
	for _, s := range syms {
		if !want[s.Name] {
			continue
		}
		offset := uint32(s.Value) - codeStart
		out[s.Name] = offset | 1 // thumb bit
	}
	return out, nil
}

// FindFLMFiles recursively searches packDir for .flm/.FLM files.
func FindFLMFiles(packDir string, readDir func(string) ([]fs.DirEntry, error), isFLM func(string) bool) ([]string, error) {
	var out []string
	var walk func(dir string) error
	walk = func(dir string) error {
		entries, err := readDir(dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			p := filepath.Join(dir, e.Name())
			if e.IsDir() {
				if err := walk(p); err != nil {
					return err
				}
				continue
			}
			if isFLM(p) {
				out = append(out, p)
			}
		}
		return nil
	}
	if err := walk(packDir); err != nil {
		return nil, err
	}
	return out, nil
}

// MatchFLM ranks candidate FLM files against a device name and flash
// size using the four-tier priority scheme: exact stem match, then
// series-prefix + size-suffix match, then device's own series prefix,
// then a bare fuzzy prefix match. Returns "" if nothing matched.
func MatchFLM(flmFiles []string, deviceName string, flashSizeBytes uint32) string {
	stems := make(map[string]string, len(flmFiles))
	for _, f := range flmFiles {
		stem := strings.TrimSuffix(filepath.Base(f), filepath.Ext(f))
		stems[stem] = f
	}

	if f, ok := stems[deviceName]; ok {
		return f
	}

	prefixLen := 4
	upper := strings.ToUpper(deviceName)
	if strings.HasPrefix(upper, "STM32") || strings.HasPrefix(upper, "GD32") {
		prefixLen = 6
	}
	if len(deviceName) < prefixLen {
		prefixLen = len(deviceName)
	}
	series := upper[:prefixLen]

	sizeKB := flashSizeBytes / 1024
	sizeMB := sizeKB / 1024
	var sizeTags []string
	if sizeMB > 0 {
		sizeTags = append(sizeTags, fmt.Sprintf("_%dMB", sizeMB), fmt.Sprintf("%dMB", sizeMB))
	}
	sizeTags = append(sizeTags, fmt.Sprintf("_%dKB", sizeKB), fmt.Sprintf("%dKB", sizeKB))

	for stem, f := range stems {
		su := strings.ToUpper(stem)
		if !strings.HasPrefix(su, series) {
			continue
		}
		for _, tag := range sizeTags {
			if strings.Contains(su, strings.ToUpper(tag)) {
				return f
			}
		}
	}

	if len(deviceName) >= 8 {
		devSeries := upper[:8]
		for stem, f := range stems {
			if strings.ToUpper(stem) == devSeries {
				return f
			}
		}
	}

	for stem, f := range stems {
		if strings.HasPrefix(strings.ToUpper(stem), series) {
			return f
		}
	}

	return ""
}
