package flash

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/daschewie/dapbridge/pkg/probe"
	"github.com/daschewie/dapbridge/pkg/probe/dap"
	"github.com/daschewie/dapbridge/pkg/session"
	"github.com/daschewie/dapbridge/pkg/target"
)

const (
	testFlashStart = 0x08000000
	testFlashSize  = 0x10000
	testRAMStart   = 0x20000000
	testLoadAddr   = testRAMStart + 0x20

	// Blob-relative entry offsets, thumb bit folded in.
	offInit        = 0x01
	offEraseSector = 0x41
	offProgramPage = 0x81
	offEraseChip   = 0xC1
)

// targetSim is a dap.Core emulating just enough of a target for the
// engine: a sparse memory map plus a flash algorithm whose entry
// points behave like a real vendor loader (erase fills 0xFF, program
// copies the staged page buffer).
type targetSim struct {
	mu  sync.Mutex
	mem map[uint32]byte

	// stuckAddr, when non-zero, is a flash byte ProgramPage silently
	// fails to write, emulating a worn cell.
	stuckAddr uint32

	erasedSectors []uint32
	chipErases    int
	programCalls  int
	runCalls      int
}

func newTargetSim() *targetSim {
	s := &targetSim{mem: make(map[uint32]byte)}
	for a := uint32(testFlashStart); a < testFlashStart+testFlashSize; a++ {
		s.mem[a] = 0x00 // deliberately not blank, so erase matters
	}
	return s
}

func (s *targetSim) SelectProtocol(p dap.Protocol) error { return nil }
func (s *targetSim) SetClockHz(hz uint32) error          { return nil }
func (s *targetSim) ReadIDCode() (uint32, error)         { return 0x410, nil }
func (s *targetSim) ReadDPIDR() (uint32, error)          { return 0x1BA01477, nil }
func (s *targetSim) Halt() error                         { return nil }
func (s *targetSim) Run() error                          { s.runCalls++; return nil }
func (s *targetSim) IsHalted() (bool, error)             { return true, nil }
func (s *targetSim) ReadMem32(addr uint32, count int) ([]uint32, error) {
	return make([]uint32, count), nil
}
func (s *targetSim) WriteMem32(addr uint32, words []uint32) error { return nil }
func (s *targetSim) ReadMem8(addr uint32, count int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, count)
	for i := range out {
		out[i] = s.mem[addr+uint32(i)]
	}
	return out, nil
}
func (s *targetSim) WriteMem8(addr uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range data {
		s.mem[addr+uint32(i)] = b
	}
	return nil
}
func (s *targetSim) WriteCoreRegister(n int, v uint32) error { return nil }
func (s *targetSim) ReadCoreRegister(n int) (uint32, error)  { return 0, nil }
func (s *targetSim) ResetTarget() error                      { return nil }
func (s *targetSim) Close() error                            { return nil }

func (s *targetSim) RunToBreakpoint(entry, lr uint32, args [4]uint32, sp uint32, timeout time.Duration) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch entry &^ 1 {
	case testLoadAddr + (offInit &^ 1):
		return 0, nil
	case testLoadAddr + (offEraseSector &^ 1):
		addr := args[0]
		s.erasedSectors = append(s.erasedSectors, addr)
		for a := addr; a < addr+0x1000; a++ {
			s.mem[a] = 0xFF
		}
		return 0, nil
	case testLoadAddr + (offProgramPage &^ 1):
		dest, n, src := args[0], args[1], args[2]
		s.programCalls++
		for i := uint32(0); i < n; i++ {
			if s.stuckAddr != 0 && dest+i == s.stuckAddr {
				continue
			}
			s.mem[dest+i] = s.mem[src+i]
		}
		return 0, nil
	case testLoadAddr + (offEraseChip &^ 1):
		s.chipErases++
		for a := uint32(testFlashStart); a < testFlashStart+testFlashSize; a++ {
			s.mem[a] = 0xFF
		}
		return 0, nil
	}
	return 1, nil
}

var _ dap.Core = (*targetSim)(nil)

func testAlgorithm() target.FlashAlgorithm {
	var sectors []target.Sector
	for off := uint32(0); off < testFlashSize; off += 0x1000 {
		sectors = append(sectors, target.Sector{Address: off, Size: 0x1000})
	}
	return target.FlashAlgorithm{
		Name:               "TestAlgo",
		Default:            true,
		LoadAddress:        testLoadAddr,
		Instructions:       make([]byte, 0x200),
		PCInit:             offInit,
		HasPCInit:          true,
		PCProgramPage:      offProgramPage,
		PCEraseSector:      offEraseSector,
		PCEraseAll:         offEraseChip,
		HasPCEraseAll:      true,
		FlashStart:         testFlashStart,
		FlashSize:          testFlashSize,
		PageSize:           256,
		ErasedByteValue:    0xFF,
		ProgramPageTimeout: 1000,
		EraseSectorTimeout: 2000,
		Sectors:            sectors,
	}
}

func attachedEngine(t *testing.T, sim *targetSim) *Engine {
	t.Helper()
	reg := target.NewRegistry()
	reg.Put(target.Descriptor{
		Name: "TestChip",
		Core: "Cortex-M3",
		Memory: []target.MemoryRegion{
			{Name: "IROM1", Kind: "flash", Start: testFlashStart, Size: testFlashSize, Default: true},
			{Name: "IRAM1", Kind: "ram", Start: testRAMStart, Size: 0x8000, Default: true},
		},
		Algorithms: []target.FlashAlgorithm{testAlgorithm()},
	})

	log := logrus.NewEntry(logrus.New())
	mgr := session.NewManager(reg, log)
	mgr.SetTransportOpener(func(d probe.Descriptor) (dap.Core, error) { return sim, nil })
	if _, err := mgr.Attach(session.Main, session.AttachOptions{TargetName: "TestChip"}); err != nil {
		t.Fatalf("Attach() failed: %v", err)
	}
	return NewEngine(mgr, log)
}

func TestFlashSectorEraseProgramsAndVerifies(t *testing.T) {
	sim := newTargetSim()
	engine := attachedEngine(t, sim)

	image := bytes.Repeat([]byte{0xAA}, 4096)
	var events []ProgressEvent
	err := engine.Flash(Options{
		Data:           image,
		FileExt:        ".bin",
		BinBaseAddress: testFlashStart,
		EraseMode:      SectorErase,
		Verify:         true,
		ResetAfter:     true,
	}, func(ev ProgressEvent) { events = append(events, ev) })
	if err != nil {
		t.Fatalf("Flash() unexpected error: %v", err)
	}

	if len(events) == 0 {
		t.Fatal("expected progress events")
	}
	if events[0].Phase != "init" {
		t.Errorf("first event phase = %q, want init", events[0].Phase)
	}
	last := events[len(events)-1]
	if last.Phase != "complete" || last.Progress != 1.0 {
		t.Errorf("last event = %+v, want complete/1.0", last)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Progress < events[i-1].Progress {
			t.Fatalf("progress regressed at event %d: %f -> %f", i, events[i-1].Progress, events[i].Progress)
		}
	}

	// Only the single touched 4 KiB sector erased, not the whole chip.
	if len(sim.erasedSectors) != 1 || sim.erasedSectors[0] != testFlashStart {
		t.Errorf("erased sectors = %#x, want just 0x08000000", sim.erasedSectors)
	}
	if sim.chipErases != 0 {
		t.Errorf("chip erases = %d, want 0", sim.chipErases)
	}
	if sim.programCalls != 16 { // 4096 / 256-byte pages
		t.Errorf("program calls = %d, want 16", sim.programCalls)
	}
	if sim.runCalls == 0 {
		t.Error("expected core resumed after reset_after flash")
	}

	back, _ := sim.ReadMem8(testFlashStart, 4096)
	if !bytes.Equal(back, image) {
		t.Error("flash contents do not match image after programming")
	}
}

func TestFlashChipEraseUsesEraseChipEntry(t *testing.T) {
	sim := newTargetSim()
	engine := attachedEngine(t, sim)

	err := engine.Flash(Options{
		Data:           bytes.Repeat([]byte{0x55}, 512),
		FileExt:        ".bin",
		BinBaseAddress: testFlashStart,
		EraseMode:      ChipErase,
	}, nil)
	if err != nil {
		t.Fatalf("Flash() unexpected error: %v", err)
	}
	if sim.chipErases != 1 {
		t.Errorf("chip erases = %d, want 1", sim.chipErases)
	}
	if len(sim.erasedSectors) != 0 {
		t.Errorf("sector erases = %d, want 0", len(sim.erasedSectors))
	}
}

func TestFlashSkipEraseSkipsErase(t *testing.T) {
	sim := newTargetSim()
	engine := attachedEngine(t, sim)

	err := engine.Flash(Options{
		Data:           bytes.Repeat([]byte{0x11}, 256),
		FileExt:        ".bin",
		BinBaseAddress: testFlashStart,
		SkipErase:      true,
		EraseMode:      SectorErase,
	}, nil)
	if err != nil {
		t.Fatalf("Flash() unexpected error: %v", err)
	}
	if len(sim.erasedSectors) != 0 || sim.chipErases != 0 {
		t.Error("expected no erase activity with skip_erase")
	}
}

func TestFlashPreverifySkipsMatchingPages(t *testing.T) {
	sim := newTargetSim()
	engine := attachedEngine(t, sim)

	image := bytes.Repeat([]byte{0xCC}, 512)
	// Pre-load the first page so preverify finds it already matching.
	if err := sim.WriteMem8(testFlashStart, image[:256]); err != nil {
		t.Fatal(err)
	}

	err := engine.Flash(Options{
		Data:           image,
		FileExt:        ".bin",
		BinBaseAddress: testFlashStart,
		SkipErase:      true,
		Preverify:      true,
	}, nil)
	if err != nil {
		t.Fatalf("Flash() unexpected error: %v", err)
	}
	if sim.programCalls != 1 {
		t.Errorf("program calls = %d, want 1 (first page skipped)", sim.programCalls)
	}
}

func TestVerifyMismatchReportsExactAddress(t *testing.T) {
	sim := newTargetSim()
	sim.stuckAddr = testFlashStart + 0x123
	engine := attachedEngine(t, sim)

	err := engine.Flash(Options{
		Data:           bytes.Repeat([]byte{0xAA}, 4096),
		FileExt:        ".bin",
		BinBaseAddress: testFlashStart,
		EraseMode:      SectorErase,
		Verify:         true,
	}, nil)
	if err == nil {
		t.Fatal("expected verify failure for stuck flash byte")
	}
	if want := "0x8000123"; !bytes.Contains([]byte(err.Error()), []byte(want)) {
		t.Errorf("error %q does not name mismatch address %s", err, want)
	}
}
