package dap

import (
	"fmt"
	"time"
)

// Protocol selects the physical wire protocol for DAP_Connect.
type Protocol int

const (
	SWD Protocol = iota
	JTAG
)

// Cortex-M Debug Core registers, memory-mapped and reached through the
// normal AP memory-access transfer rather than a dedicated DAP command.
const (
	regDHCSR = 0xE000EDF0
	regDCRSR = 0xE000EDF4
	regDCRDR = 0xE000EDF8
	regDEMCR = 0xE000EDFC

	dhcsrDbgKey  = 0xA05F0000
	dhcsrCDebugE = 1 << 0
	dhcsrCHalt   = 1 << 1
	dhcsrSHalt   = 1 << 17
)

// MEM-AP register addresses (bank 0), reached via DAP_Transfer with
// APnDP set.
const (
	apCSW = 0x00
	apTAR = 0x04
	apDRW = 0x0c
)

// DP register addresses.
const (
	dpIDCODE   = 0x00
	dpCTRLSTAT = 0x04
	dpSELECT   = 0x08
)

const cswSize32 = 0x00000012 // 32-bit auto-incrementing transfer size

// Core is the register/memory-level interface the session, flash, and
// RTT engines drive a CMSIS-DAP probe through. It intentionally stops
// short of a complete CMSIS-DAP command set: only what attach, memory
// read/write, and flash-algorithm execution need.
type Core interface {
	SelectProtocol(p Protocol) error
	SetClockHz(hz uint32) error
	ReadIDCode() (uint32, error)
	ReadDPIDR() (uint32, error)
	Halt() error
	Run() error
	IsHalted() (bool, error)
	ReadMem32(addr uint32, count int) ([]uint32, error)
	WriteMem32(addr uint32, words []uint32) error
	ReadMem8(addr uint32, count int) ([]byte, error)
	WriteMem8(addr uint32, data []byte) error
	WriteCoreRegister(n int, v uint32) error
	ReadCoreRegister(n int) (uint32, error)
	RunToBreakpoint(entry, lr uint32, args [4]uint32, sp uint32, timeout time.Duration) (r0 uint32, err error)
	ResetTarget() error
	Close() error
}

// DAPCore is the concrete implementation backed by a real USB
// transport.
type DAPCore struct {
	t *Transport
}

// NewDAPCore wraps an already-opened transport.
func NewDAPCore(t *Transport) *DAPCore { return &DAPCore{t: t} }

func (c *DAPCore) SelectProtocol(p Protocol) error {
	port := byte(PortSWD)
	if p == JTAG {
		port = PortJTAG
	}
	resp, err := c.t.WriteRead(encodeConnect(port))
	if err != nil {
		return err
	}
	got, err := decodeConnect(resp)
	if err != nil {
		return err
	}
	if got != port {
		return fmt.Errorf("dap: connect returned port %d, wanted %d", got, port)
	}
	resp, err = c.t.WriteRead(encodeTransferConfigure())
	if err != nil {
		return err
	}
	return decodeStatusOnly(resp, cmdTransferConfig)
}

func (c *DAPCore) SetClockHz(hz uint32) error {
	resp, err := c.t.WriteRead(encodeSWJClock(hz))
	if err != nil {
		return err
	}
	return decodeStatusOnly(resp, cmdSWJClock)
}

func (c *DAPCore) readDP(addr byte) (uint32, error) {
	resp, err := c.t.WriteRead(encodeReadRegister(false, addr))
	if err != nil {
		return 0, err
	}
	return decodeReadRegister(resp)
}

func (c *DAPCore) writeDP(addr byte, v uint32) error {
	resp, err := c.t.WriteRead(encodeWriteRegister(false, addr, v))
	if err != nil {
		return err
	}
	return decodeWriteRegister(resp)
}

func (c *DAPCore) readAP(addr byte) (uint32, error) {
	resp, err := c.t.WriteRead(encodeReadRegister(true, addr))
	if err != nil {
		return 0, err
	}
	return decodeReadRegister(resp)
}

func (c *DAPCore) writeAP(addr byte, v uint32) error {
	resp, err := c.t.WriteRead(encodeWriteRegister(true, addr, v))
	if err != nil {
		return err
	}
	return decodeWriteRegister(resp)
}

func (c *DAPCore) ReadDPIDR() (uint32, error) { return c.readDP(dpIDCODE) }

// idcodeProbeAddrs are the vendor-specific chip identification
// registers tried in order: STM32 DBGMCU_IDCODE, STM32G0/G4 DBGMCU,
// STM32 UID, Nordic nRF FICR.INFO.PART, RP2040.
var idcodeProbeAddrs = []uint32{
	0xE0042000,
	0x40015800,
	0x1FFFF7E8,
	0x10000060,
	0x40000FF8,
}

// ReadIDCode probes the known DBGMCU_IDCODE-style registers and
// returns the first value that is neither all-zeros nor all-ones.
// Read faults on unmapped addresses are expected and skipped.
func (c *DAPCore) ReadIDCode() (uint32, error) {
	for _, addr := range idcodeProbeAddrs {
		words, err := c.ReadMem32(addr, 1)
		if err != nil {
			continue
		}
		if v := words[0]; v != 0 && v != 0xFFFFFFFF {
			return v, nil
		}
	}
	return 0, fmt.Errorf("dap: no chip identification register responded")
}

func (c *DAPCore) setCSW() error {
	return c.writeAP(apCSW, cswSize32)
}

func (c *DAPCore) ReadMem32(addr uint32, count int) ([]uint32, error) {
	if err := c.setCSW(); err != nil {
		return nil, err
	}
	if err := c.writeAP(apTAR, addr); err != nil {
		return nil, err
	}
	resp, err := c.t.WriteRead(encodeTransferBlock(true, apDRW, false, make([]uint32, count)))
	if err != nil {
		return nil, err
	}
	return decodeTransferBlockRead(resp, count)
}

func (c *DAPCore) WriteMem32(addr uint32, words []uint32) error {
	if err := c.setCSW(); err != nil {
		return err
	}
	if err := c.writeAP(apTAR, addr); err != nil {
		return err
	}
	resp, err := c.t.WriteRead(encodeTransferBlock(true, apDRW, true, words))
	if err != nil {
		return err
	}
	return decodeStatusOnly(resp, cmdTransferBlock)
}

// ReadMem8 reads a byte range via word-aligned reads, trimming the
// first/last word — unaligned byte access on Cortex-M debug APs is not
// guaranteed, so we always round out to word boundaries.
func (c *DAPCore) ReadMem8(addr uint32, count int) ([]byte, error) {
	base := addr &^ 3
	lead := int(addr - base)
	words := (lead + count + 3) / 4
	data, err := c.ReadMem32(base, words)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, words*4)
	for i, w := range data {
		buf[i*4] = byte(w)
		buf[i*4+1] = byte(w >> 8)
		buf[i*4+2] = byte(w >> 16)
		buf[i*4+3] = byte(w >> 24)
	}
	return buf[lead : lead+count], nil
}

// WriteMem8 performs a read-modify-write of the enclosing words so
// arbitrary byte ranges can be written without relying on a native
// byte-transfer size on the AP.
func (c *DAPCore) WriteMem8(addr uint32, data []byte) error {
	base := addr &^ 3
	lead := int(addr - base)
	total := lead + len(data)
	words := (total + 3) / 4

	existing, err := c.ReadMem32(base, words)
	if err != nil {
		return err
	}
	buf := make([]byte, words*4)
	for i, w := range existing {
		buf[i*4] = byte(w)
		buf[i*4+1] = byte(w >> 8)
		buf[i*4+2] = byte(w >> 16)
		buf[i*4+3] = byte(w >> 24)
	}
	copy(buf[lead:lead+len(data)], data)

	out := make([]uint32, words)
	for i := range out {
		out[i] = uint32(buf[i*4]) | uint32(buf[i*4+1])<<8 | uint32(buf[i*4+2])<<16 | uint32(buf[i*4+3])<<24
	}
	return c.WriteMem32(base, out)
}

func (c *DAPCore) Halt() error {
	return c.WriteMem32(regDHCSR, []uint32{dhcsrDbgKey | dhcsrCDebugE | dhcsrCHalt})
}

func (c *DAPCore) Run() error {
	return c.WriteMem32(regDHCSR, []uint32{dhcsrDbgKey | dhcsrCDebugE})
}

func (c *DAPCore) IsHalted() (bool, error) {
	words, err := c.ReadMem32(regDHCSR, 1)
	if err != nil {
		return false, err
	}
	return words[0]&dhcsrSHalt != 0, nil
}

// core register indices, matching the DCRSR REGSEL encoding (R0-R15,
// then special registers starting at 16).
const (
	RegR0 = 0
	RegSP = 13
	RegLR = 14
	RegPC = 15
)

func (c *DAPCore) WriteCoreRegister(n int, v uint32) error {
	if err := c.WriteMem32(regDCRDR, []uint32{v}); err != nil {
		return err
	}
	return c.WriteMem32(regDCRSR, []uint32{uint32(n) | 0x10000})
}

func (c *DAPCore) ReadCoreRegister(n int) (uint32, error) {
	if err := c.WriteMem32(regDCRSR, []uint32{uint32(n)}); err != nil {
		return 0, err
	}
	words, err := c.ReadMem32(regDCRDR, 1)
	if err != nil {
		return 0, err
	}
	return words[0], nil
}

// RunToBreakpoint loads args into R0-R3, sets SP/LR/PC per the flash
// algorithm call convention (LR points at a breakpoint trap the
// algorithm executes a `bkpt` at on return), releases the core, and
// polls DHCSR.S_HALT until it re-halts or timeout elapses.
func (c *DAPCore) RunToBreakpoint(entry, lr uint32, args [4]uint32, sp uint32, timeout time.Duration) (uint32, error) {
	for i, a := range args {
		if err := c.WriteCoreRegister(RegR0+i, a); err != nil {
			return 0, fmt.Errorf("loading r%d: %w", i, err)
		}
	}
	if err := c.WriteCoreRegister(RegSP, sp); err != nil {
		return 0, fmt.Errorf("loading sp: %w", err)
	}
	if err := c.WriteCoreRegister(RegLR, lr); err != nil {
		return 0, fmt.Errorf("loading lr: %w", err)
	}
	if err := c.WriteCoreRegister(RegPC, entry); err != nil {
		return 0, fmt.Errorf("loading pc: %w", err)
	}

	if err := c.Run(); err != nil {
		return 0, err
	}

	deadline := time.Now().Add(timeout)
	for {
		halted, err := c.IsHalted()
		if err != nil {
			return 0, err
		}
		if halted {
			break
		}
		if time.Now().After(deadline) {
			_ = c.Halt()
			return 0, fmt.Errorf("dap: flash algorithm call timed out after %s", timeout)
		}
		time.Sleep(2 * time.Millisecond)
	}

	return c.ReadCoreRegister(RegR0)
}

func (c *DAPCore) ResetTarget() error {
	resp, err := c.t.WriteRead(encodeResetTarget())
	if err != nil {
		return err
	}
	return decodeStatusOnly(resp, cmdResetTarget)
}

func (c *DAPCore) Close() error {
	_, _ = c.t.WriteRead(encodeDisconnect())
	return c.t.Close()
}

var _ Core = (*DAPCore)(nil)
