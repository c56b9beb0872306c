// Package probe enumerates and classifies attached CMSIS-DAP debug
// probes over USB. It is deliberately thin: descriptor inspection only,
// no wire-protocol traffic — opening a probe for a debug session is
// pkg/probe/dap's job.
package probe

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/gousb"
)

// Capability is a bitset of transport classes a probe interface exposes.
type Capability uint8

const (
	CapHID Capability = 1 << iota
	CapWinUSB
)

func (c Capability) String() string {
	switch {
	case c&CapHID != 0 && c&CapWinUSB != 0:
		return "hid+winusb"
	case c&CapHID != 0:
		return "hid"
	case c&CapWinUSB != 0:
		return "winusb"
	default:
		return "none"
	}
}

// Descriptor identifies one attached probe.
type Descriptor struct {
	VendorID     gousb.ID
	ProductID    gousb.ID
	SerialNumber string
	Product      string
	Manufacturer string
	Caps         Capability
}

// Identifier is the stable string used to re-select this probe later
// (vendor:product:serial, or vendor:product when the device reports no
// serial number).
func (d Descriptor) Identifier() string {
	if d.SerialNumber != "" {
		return fmt.Sprintf("%04x:%04x:%s", d.VendorID, d.ProductID, d.SerialNumber)
	}
	return fmt.Sprintf("%04x:%04x", d.VendorID, d.ProductID)
}

const hidInterfaceClass = gousb.ClassHID
const vendorInterfaceClass = gousb.ClassVendorSpec

// knownVendorIDs are vendors known to ship CMSIS-DAP firmware (DAPLink,
// ST-Link V3 bridges, SEGGER, Keil); devices from other vendors are
// kept only when their product string names CMSIS-DAP. Mirrors the VID
// set pkg/probe/udev grants access to.
var knownVendorIDs = map[gousb.ID]bool{
	0x0D28: true, // ARM DAPLink
	0x0483: true, // STMicroelectronics
	0x1366: true, // SEGGER
	0xC251: true, // Keil
}

// Enumerator discovers attached probes through a shared gousb context.
type Enumerator struct {
	ctx *gousb.Context
}

// New opens a USB context. Callers must Close it when done.
func New() *Enumerator {
	return &Enumerator{ctx: gousb.NewContext()}
}

// Close releases the underlying USB context.
func (e *Enumerator) Close() error {
	return e.ctx.Close()
}

// List walks every attached USB device and returns those whose product
// string contains "CMSIS-DAP" (case-insensitive) or whose vendor ID is
// in knownVendorIDs, and that expose at least one HID or vendor-specific
// interface. A device that fails
// descriptor reads (permissions, transient USB errors) is logged via
// onSkip and excluded rather than aborting the whole scan.
func (e *Enumerator) List(onSkip func(err error)) ([]Descriptor, error) {
	var found []Descriptor

	devs, err := e.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("opening USB devices: %w", err)
	}
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()

	for _, d := range devs {
		desc, derr := classify(d)
		if derr != nil {
			if onSkip != nil {
				onSkip(derr)
			}
			continue
		}
		if desc == nil {
			continue
		}
		found = append(found, *desc)
	}
	return dedupe(found), nil
}

// dedupe collapses entries sharing a stable identifier (the same
// physical probe surfaced by more than one enumeration path), merging
// their capability bits, and returns the result in identifier order.
func dedupe(descs []Descriptor) []Descriptor {
	byID := make(map[string]Descriptor)
	for _, d := range descs {
		if prev, ok := byID[d.Identifier()]; ok {
			prev.Caps |= d.Caps
			byID[d.Identifier()] = prev
			continue
		}
		byID[d.Identifier()] = d
	}
	out := make([]Descriptor, 0, len(byID))
	for _, d := range byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier() < out[j].Identifier() })
	return out
}

func classify(d *gousb.Device) (*Descriptor, error) {
	product, _ := d.Product()
	manufacturer, _ := d.Manufacturer()
	serial, _ := d.SerialNumber()

	isCMSISDAP := strings.Contains(strings.ToLower(product), "cmsis-dap")
	if !isCMSISDAP && !knownVendorIDs[d.Desc.Vendor] {
		return nil, nil
	}

	cfg, err := d.Config(1)
	if err != nil {
		return nil, fmt.Errorf("reading config descriptor: %w", err)
	}
	defer cfg.Close()

	var caps Capability
	for _, intf := range cfg.Desc.Interfaces {
		for _, alt := range intf.AltSettings {
			switch alt.Class {
			case hidInterfaceClass:
				caps |= CapHID
			case vendorInterfaceClass:
				caps |= CapWinUSB
			}
		}
	}

	if caps == 0 {
		return nil, nil
	}

	return &Descriptor{
		VendorID:     d.Desc.Vendor,
		ProductID:    d.Desc.Product,
		SerialNumber: serial,
		Product:      product,
		Manufacturer: manufacturer,
		Caps:         caps,
	}, nil
}
