package pack

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	yaml "go.yaml.in/yaml/v3"

	"github.com/daschewie/dapbridge/pkg/target"
)

// scannerVersion is stamped as a leading comment in every emitted
// targets.yaml so a later rescan can tell whether the file was
// produced by an older layout and needs regenerating.
const scannerVersion = "1.1.0"

const scannerVersionPrefix = "# dapbridge-scanner-version: "

// ScannerVersionOf extracts the version marker from a previously
// emitted targets.yaml, or "" when the file carries none.
func ScannerVersionOf(data []byte) string {
	text := string(data)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	if !strings.HasPrefix(text, scannerVersionPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(text, scannerVersionPrefix))
}

type yamlMemoryRegion struct {
	Name  string `yaml:"name"`
	Start uint32 `yaml:"start"`
	Size  uint32 `yaml:"size"`
}

type yamlCore struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

type yamlFlashProperties struct {
	AddressRange      [2]uint32        `yaml:"address_range"`
	PageSize          uint32           `yaml:"page_size"`
	ErasedByteValue   byte             `yaml:"erased_byte_value"`
	ProgramPageTimeout uint32          `yaml:"program_page_timeout"`
	EraseSectorTimeout uint32          `yaml:"erase_sector_timeout"`
	Sectors           []yamlSectorSpec `yaml:"sectors"`
}

type yamlSectorSpec struct {
	Address uint32 `yaml:"address"`
	Size    uint32 `yaml:"size"`
}

type yamlFlashAlgorithm struct {
	LoadAddress       uint32              `yaml:"load_address"`
	TransferEncoding  string              `yaml:"transfer_encoding"`
	PCInit            uint32              `yaml:"pc_init,omitempty"`
	PCUnInit          uint32              `yaml:"pc_uninit,omitempty"`
	PCProgramPage     uint32              `yaml:"pc_program_page"`
	PCEraseSector     uint32              `yaml:"pc_erase_sector"`
	PCEraseAll        uint32              `yaml:"pc_erase_all,omitempty"`
	FlashProperties   yamlFlashProperties `yaml:"flash_properties"`
	Instructions      string              `yaml:"instructions"`
}

type yamlVariant struct {
	Name            string             `yaml:"name"`
	MemoryMap       []yamlMemoryRegion `yaml:"memory_map"`
	Cores           []yamlCore         `yaml:"cores"`
	FlashAlgorithms []string           `yaml:"flash_algorithms"`
}

type yamlFamily struct {
	Name            string                        `yaml:"name"`
	FlashAlgorithms map[string]yamlFlashAlgorithm `yaml:"flash_algorithms"`
	Variants        []yamlVariant                 `yaml:"variants"`
}

// Emit renders the family's device set (already folded from the PDSC
// stack, with algorithms resolved from FLM extraction) into the
// targets.yaml text, unique flash algorithms keyed by
// "{name}_{flash_size_kb}" so two devices that share an algorithm but
// differ in flash size get distinct entries.
func Emit(familyName string, devices []target.Descriptor) (string, error) {
	fam := yamlFamily{Name: familyName, FlashAlgorithms: make(map[string]yamlFlashAlgorithm)}

	for _, d := range devices {
		v := yamlVariant{Name: d.Name}
		for _, m := range d.Memory {
			v.MemoryMap = append(v.MemoryMap, yamlMemoryRegion{Name: m.Name, Start: m.Start, Size: m.Size})
		}
		v.Cores = append(v.Cores, yamlCore{Name: "main", Type: mapCoreType(d.Core)})

		ramStart := ramBase(d.Memory)
		for _, a := range d.Algorithms {
			key := fmt.Sprintf("%s_%d", a.Name, a.FlashSize/1024)
			if _, ok := fam.FlashAlgorithms[key]; !ok {
				fam.FlashAlgorithms[key] = yamlFlashAlgorithm{
					LoadAddress:      ramStart + 0x20,
					TransferEncoding: "raw",
					PCInit:           a.PCInit,
					PCUnInit:         a.PCUnInit,
					PCProgramPage:    a.PCProgramPage,
					PCEraseSector:    a.PCEraseSector,
					PCEraseAll:       a.PCEraseAll,
					FlashProperties: yamlFlashProperties{
						AddressRange:       [2]uint32{a.FlashStart, a.FlashStart + a.FlashSize},
						PageSize:           a.PageSize,
						ErasedByteValue:    a.ErasedByteValue,
						ProgramPageTimeout: a.ProgramPageTimeout,
						EraseSectorTimeout: a.EraseSectorTimeout,
						Sectors:            toYAMLSectors(a.Sectors),
					},
					Instructions: base64.StdEncoding.EncodeToString(a.Instructions),
				}
			}
			v.FlashAlgorithms = append(v.FlashAlgorithms, key)
		}
		fam.Variants = append(fam.Variants, v)
	}

	body, err := yaml.Marshal(fam)
	if err != nil {
		return "", fmt.Errorf("marshaling targets.yaml: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(scannerVersionPrefix)
	sb.WriteString(scannerVersion)
	sb.WriteByte('\n')
	sb.Write(body)
	return sb.String(), nil
}

func toYAMLSectors(sectors []target.Sector) []yamlSectorSpec {
	out := make([]yamlSectorSpec, len(sectors))
	for i, s := range sectors {
		out[i] = yamlSectorSpec{Address: s.Address, Size: s.Size}
	}
	return out
}

func ramBase(regions []target.MemoryRegion) uint32 {
	for _, m := range regions {
		if m.Kind == "ram" && m.Default {
			return m.Start
		}
	}
	for _, m := range regions {
		if m.Kind == "ram" {
			return m.Start
		}
	}
	return 0x20000000
}

// mapCoreType normalizes a PDSC Dcore string to the architecture family
// name used by the memory-access/flash-call conventions: M0/M0+ share
// armv6m, M3 is armv7m, M4/M7 share armv7em (both support the same
// Thumb-2 DSP extensions our flash-algorithm caller relies on), and
// M23/M33 are armv8m.
func mapCoreType(core string) string {
	switch {
	case strings.Contains(core, "M23"), strings.Contains(core, "M33"):
		return "armv8m"
	case strings.Contains(core, "M0+"), strings.Contains(core, "M0"):
		return "armv6m"
	case strings.Contains(core, "M3"):
		return "armv7m"
	case strings.Contains(core, "M4"), strings.Contains(core, "M7"):
		return "armv7em"
	default:
		return "armv7em"
	}
}

// ScanReport is written alongside targets.yaml: what ParsePDSC/FLM
// extraction found and skipped, so an import failure for one device
// doesn't hide the rest from the user.
type ScanReport struct {
	PackName       string   `json:"pack_name"`
	DevicesFound   int      `json:"devices_found"`
	DevicesEmitted int      `json:"devices_emitted"`
	Warnings       []string `json:"warnings,omitempty"`
}

// EmitScanReport renders a ScanReport as the scan_report.json text.
func EmitScanReport(r ScanReport) (string, error) {
	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling scan report: %w", err)
	}
	return string(body) + "\n", nil
}

// ParseTargetsYAML re-parses a previously emitted file (skipping the
// leading scanner-version comment) and returns its family name. Only
// the emit/re-parse test calls it; Rescan does not.
func ParseTargetsYAML(data []byte) (familyName string, err error) {
	var fam yamlFamily
	text := string(data)
	if i := strings.Index(text, "\n"); i >= 0 && strings.HasPrefix(text, "#") {
		text = text[i+1:]
	}
	if err := yaml.Unmarshal([]byte(text), &fam); err != nil {
		return "", fmt.Errorf("parsing targets.yaml: %w", err)
	}
	return fam.Name, nil
}
