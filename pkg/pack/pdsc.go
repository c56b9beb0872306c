package pack

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/daschewie/dapbridge/pkg/target"
)

// PackageInfo is the package-level metadata a PDSC file carries outside
// its device tree.
type PackageInfo struct {
	Name        string
	Vendor      string
	Version     string
	Description string
}

// AlgorithmRef is a <memory>/<algorithm> cross-reference before FLM
// extraction has resolved it to a full target.FlashAlgorithm — just the
// file path and the flash region it claims to cover.
type AlgorithmRef struct {
	File        string
	Start       uint32
	Size        uint32
	RAMStart    uint32
	RAMSize     uint32
	Default     bool
}

// level accumulates the processor/memory/algorithm state contributed
// by one tag of the family > subFamily > device stack. Each level
// starts as a COPY of its parent's accumulated state (inheritance) and
// is discarded entirely when its closing tag is seen. Conflating two
// levels' state is the bug this structure exists to avoid.
type level struct {
	core    string
	fpu     bool
	mpu     bool
	memory  []target.MemoryRegion
	algos   []AlgorithmRef
}

func (l level) clone() level {
	out := l
	out.memory = append([]target.MemoryRegion(nil), l.memory...)
	out.algos = append([]AlgorithmRef(nil), l.algos...)
	return out
}

// DeviceDefinition is one fully folded <device> (or <variant>) entry,
// before memory-region/algorithm-default resolution picks winners among
// duplicate kinds.
type DeviceDefinition struct {
	Name   string
	Vendor string
	level
}

// ParsePDSC reads the family/subFamily/device inheritance stack from an
// already-open PDSC XML stream. Family and subFamily attributes
// propagate down to every device under them, and state from one
// subFamily never leaks into a sibling subFamily.
func ParsePDSC(r io.Reader) (PackageInfo, []DeviceDefinition, error) {
	dec := xml.NewDecoder(r)

	var info PackageInfo
	var devices []DeviceDefinition

	var stack []level
	var vendor string
	inPackage := false
	var currentTag string

	push := func() {
		parent := level{}
		if len(stack) > 0 {
			parent = stack[len(stack)-1].clone()
		}
		stack = append(stack, parent)
	}
	pop := func() {
		stack = stack[:len(stack)-1]
	}
	top := func() *level {
		return &stack[len(stack)-1]
	}

	var deviceStack []*DeviceDefinition

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return info, nil, fmt.Errorf("parsing PDSC: %w", err)
		}

		switch e := tok.(type) {
		case xml.StartElement:
			currentTag = e.Name.Local
			switch e.Name.Local {
			case "package":
				inPackage = true
			case "family":
				vendor = attr(e, "Dvendor")
				if vendor != "" && info.Vendor == "" {
					info.Vendor = strings.SplitN(vendor, ":", 2)[0]
				}
				push()
				applyProcessor(top(), e)
			case "subFamily":
				push()
			case "device", "variant":
				push()
				d := &DeviceDefinition{Name: attr(e, "Dname"), Vendor: info.Vendor}
				deviceStack = append(deviceStack, d)
				applyProcessor(top(), e)
			case "processor":
				if len(stack) > 0 {
					applyProcessor(top(), e)
				}
			case "memory":
				if len(stack) > 0 {
					top().memory = append(top().memory, parseMemory(e))
				}
			case "algorithm":
				if len(stack) > 0 {
					top().algos = append(top().algos, parseAlgorithm(e))
				}
			}
		case xml.EndElement:
			switch e.Name.Local {
			case "package":
				inPackage = false
			case "family":
				pop()
			case "subFamily":
				pop()
			case "device", "variant":
				d := deviceStack[len(deviceStack)-1]
				deviceStack = deviceStack[:len(deviceStack)-1]
				d.level = top().clone()
				devices = append(devices, *d)
				pop()
			}
		case xml.CharData:
			if inPackage && len(stack) == 0 {
				text := strings.TrimSpace(string(e))
				if text == "" {
					break
				}
				switch currentTag {
				case "name":
					if info.Name == "" {
						info.Name = text
					}
				case "vendor":
					if info.Vendor == "" {
						info.Vendor = text
					}
				case "version":
					if info.Version == "" {
						info.Version = text
					}
				case "description":
					if info.Description == "" {
						info.Description = text
					}
				}
			}
		}
	}

	return info, devices, nil
}

func attr(e xml.StartElement, name string) string {
	for _, a := range e.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func applyProcessor(l *level, e xml.StartElement) {
	if core := attr(e, "Dcore"); core != "" {
		l.core = core
	}
	if fpu := attr(e, "Dfpu"); fpu != "" {
		l.fpu = fpu != "NO_FPU" && fpu != ""
	}
	if mpu := attr(e, "Dmpu"); mpu != "" {
		l.mpu = mpu == "MPU"
	}
}

func parseMemory(e xml.StartElement) target.MemoryRegion {
	m := target.MemoryRegion{Name: attr(e, "id")}
	if m.Name == "" {
		m.Name = attr(e, "name")
	}
	m.Start = parseHexOrDec(attr(e, "start"))
	m.Size = parseHexOrDec(attr(e, "size"))

	// IROM/FLASH/ROM names are flash, IRAM/RAM/SRAM names are RAM;
	// anything else (peripheral aliases, vendor "Generic" regions) is
	// generic and never competes for flash- or RAM-default selection.
	upper := strings.ToUpper(m.Name)
	switch {
	case strings.Contains(upper, "ROM"), strings.Contains(upper, "FLASH"):
		m.Kind = "flash"
	case strings.Contains(upper, "RAM"):
		m.Kind = "ram"
	default:
		m.Kind = "generic"
	}
	m.Default = attr(e, "default") == "1" || attr(e, "default") == "true"
	return m
}

func parseAlgorithm(e xml.StartElement) AlgorithmRef {
	return AlgorithmRef{
		File:     attr(e, "name"),
		Start:    parseHexOrDec(attr(e, "start")),
		Size:     parseHexOrDec(attr(e, "size")),
		RAMStart: parseHexOrDec(attr(e, "RAMstart")),
		RAMSize:  parseHexOrDec(attr(e, "RAMsize")),
		Default:  attr(e, "default") == "1" || attr(e, "default") == "true",
	}
}

// parseHexOrDec parses a PDSC numeric attribute: hex with a 0x prefix,
// decimal otherwise, surrounding whitespace tolerated. Malformed
// values fold to 0 — downstream treats a zero size as "no region".
func parseHexOrDec(s string) uint32 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseUint(s[2:], 16, 32)
		if err != nil {
			return 0
		}
		return uint32(v)
	}
	if v, err := strconv.ParseUint(s, 10, 32); err == nil {
		return uint32(v)
	}
	return 0
}
