// Package dap implements the minimal slice of the CMSIS-DAP command set
// that the session, flash, and RTT engines need to drive a target: port
// selection, clock, memory/register transfers, and run control. It is
// deliberately not a complete CMSIS-DAP stack; only the commands the
// higher layers actually issue are encoded.
package dap

import (
	"fmt"

	"github.com/google/gousb"
)

// Transport moves raw CMSIS-DAP command/response packets over the
// probe's bulk (WinUSB) or interrupt (HID) endpoints.
type Transport struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	intf *gousb.Interface
	cfg  *gousb.Config

	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint

	packetSize int
}

// Open opens the first device matching vid/pid and claims its CMSIS-DAP
// interface. When serial is non-empty and that device reports a
// different serial number, Open fails; other devices with the same
// vid/pid are not tried. A device whose serial number cannot be read is
// accepted.
func Open(vid, pid gousb.ID, serial string) (*Transport, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil || dev == nil {
		ctx.Close()
		if err == nil {
			err = fmt.Errorf("no device matching %s:%s", vid, pid)
		}
		return nil, fmt.Errorf("opening device: %w", err)
	}
	if serial != "" {
		if s, serr := dev.SerialNumber(); serr == nil && s != serial {
			dev.Close()
			ctx.Close()
			return nil, fmt.Errorf("serial number mismatch: want %s, got %s", serial, s)
		}
	}

	_ = dev.SetAutoDetach(true)

	t := &Transport{ctx: ctx, dev: dev, packetSize: 64}
	if err := t.claimInterface(); err != nil {
		dev.Close()
		ctx.Close()
		return nil, err
	}
	return t, nil
}

func (t *Transport) claimInterface() error {
	cfg, err := t.dev.Config(1)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	t.cfg = cfg

	vendorIntfNum := -1
	for _, intf := range cfg.Desc.Interfaces {
		for _, alt := range intf.AltSettings {
			if alt.Class == gousb.ClassVendorSpec {
				vendorIntfNum = intf.Number
				break
			}
		}
		if vendorIntfNum >= 0 {
			break
		}
	}
	if vendorIntfNum < 0 {
		vendorIntfNum = 0
	}

	intf, err := cfg.Interface(vendorIntfNum, 0)
	if err != nil {
		return fmt.Errorf("claiming interface %d: %w", vendorIntfNum, err)
	}
	t.intf = intf

	return t.findEndpoints()
}

func (t *Transport) findEndpoints() error {
	for _, ep := range t.intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk && ep.TransferType != gousb.TransferTypeInterrupt {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionOut && t.epOut == nil {
			out, err := t.intf.OutEndpoint(ep.Address)
			if err != nil {
				return fmt.Errorf("opening out endpoint: %w", err)
			}
			t.epOut = out
			if ep.MaxPacketSize > 0 {
				t.packetSize = ep.MaxPacketSize
			}
		}
		if ep.Direction == gousb.EndpointDirectionIn && t.epIn == nil {
			in, err := t.intf.InEndpoint(ep.Address)
			if err != nil {
				return fmt.Errorf("opening in endpoint: %w", err)
			}
			t.epIn = in
		}
	}
	if t.epOut == nil || t.epIn == nil {
		return fmt.Errorf("CMSIS-DAP interface missing bulk endpoints")
	}
	return nil
}

// PacketSize returns the negotiated USB packet size.
func (t *Transport) PacketSize() int { return t.packetSize }

// WriteRead sends cmd (padded to the packet size) and reads one
// response packet back.
func (t *Transport) WriteRead(cmd []byte) ([]byte, error) {
	padded := make([]byte, t.packetSize)
	copy(padded, cmd)

	if _, err := t.epOut.Write(padded); err != nil {
		return nil, fmt.Errorf("writing command: %w", err)
	}

	resp := make([]byte, t.packetSize)
	n, err := t.epIn.Read(resp)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return resp[:n], nil
}

// Close releases the interface, device, and USB context in order.
func (t *Transport) Close() error {
	if t.intf != nil {
		t.intf.Close()
	}
	if t.cfg != nil {
		t.cfg.Close()
	}
	if t.dev != nil {
		t.dev.Close()
	}
	if t.ctx != nil {
		return t.ctx.Close()
	}
	return nil
}
