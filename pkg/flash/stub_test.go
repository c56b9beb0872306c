package flash

import (
	"time"

	"github.com/daschewie/dapbridge/pkg/probe/dap"
)

// stubCore is a no-op dap.Core embedded by the fakes in this package so
// each test only needs to override the methods it cares about.
type stubCore struct{}

func (stubCore) SelectProtocol(p dap.Protocol) error { return nil }
func (stubCore) SetClockHz(hz uint32) error           { return nil }
func (stubCore) ReadIDCode() (uint32, error)          { return 0, nil }
func (stubCore) ReadDPIDR() (uint32, error)           { return 0, nil }
func (stubCore) Halt() error                          { return nil }
func (stubCore) Run() error                           { return nil }
func (stubCore) IsHalted() (bool, error)              { return true, nil }
func (stubCore) ReadMem32(addr uint32, count int) ([]uint32, error) {
	return make([]uint32, count), nil
}
func (stubCore) WriteMem32(addr uint32, words []uint32) error { return nil }
func (stubCore) ReadMem8(addr uint32, count int) ([]byte, error) {
	return make([]byte, count), nil
}
func (stubCore) WriteMem8(addr uint32, data []byte) error { return nil }
func (stubCore) WriteCoreRegister(n int, v uint32) error  { return nil }
func (stubCore) ReadCoreRegister(n int) (uint32, error)   { return 0, nil }
func (stubCore) RunToBreakpoint(entry, lr uint32, args [4]uint32, sp uint32, timeout time.Duration) (uint32, error) {
	return 0, nil
}
func (stubCore) ResetTarget() error { return nil }
func (stubCore) Close() error       { return nil }

var _ dap.Core = stubCore{}
