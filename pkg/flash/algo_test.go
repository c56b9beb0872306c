package flash

import (
	"errors"
	"testing"
	"time"

	"github.com/daschewie/dapbridge/pkg/target"
)

func TestAlignRoundsUpToMultiple(t *testing.T) {
	tests := []struct {
		v, n, want uint32
	}{
		{0, 4, 0},
		{1, 4, 4},
		{4, 4, 4},
		{5, 4, 8},
		{0x1003, 4, 0x1004},
	}
	for _, tt := range tests {
		if got := align(tt.v, tt.n); got != tt.want {
			t.Errorf("align(%d, %d) = %d, want %d", tt.v, tt.n, got, tt.want)
		}
	}
}

func TestNewAlgoLayoutNonOverlapping(t *testing.T) {
	algo := target.FlashAlgorithm{
		LoadAddress:  0x20000000,
		Instructions: make([]byte, 513), // deliberately unaligned
		PageSize:     256,
	}
	l := newAlgoLayout(algo)

	blobEnd := algo.LoadAddress + uint32(len(algo.Instructions))
	if l.pageBufAddr < blobEnd {
		t.Errorf("page buffer at 0x%x overlaps algorithm blob ending at 0x%x", l.pageBufAddr, blobEnd)
	}
	if l.pageBufAddr%4 != 0 {
		t.Errorf("page buffer address 0x%x not word-aligned", l.pageBufAddr)
	}
	if l.stackTop <= l.pageBufAddr+algo.PageSize {
		t.Errorf("stack top 0x%x does not clear page buffer", l.stackTop)
	}
	if l.trampoline != l.stackTop {
		t.Errorf("trampoline = 0x%x, want == stackTop 0x%x", l.trampoline, l.stackTop)
	}
}

func TestNewAlgoLayoutDefaultsPageSize(t *testing.T) {
	algo := target.FlashAlgorithm{LoadAddress: 0x20000000, Instructions: []byte{1, 2, 3, 4}}
	l := newAlgoLayout(algo)
	if l.stackTop-l.pageBufAddr < 256 {
		t.Errorf("expected default 256-byte page size reserved, layout = %+v", l)
	}
}

type fakeAlgoCore struct {
	stubCore
	writes     map[uint32][]byte
	r0         uint32
	runErr     error
	gotEntry   uint32
	gotLR      uint32
	gotArgs    [4]uint32
	gotSP      uint32
}

func (f *fakeAlgoCore) WriteMem8(addr uint32, data []byte) error {
	if f.writes == nil {
		f.writes = make(map[uint32][]byte)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.writes[addr] = cp
	return nil
}

func (f *fakeAlgoCore) RunToBreakpoint(entry, lr uint32, args [4]uint32, sp uint32, timeout time.Duration) (uint32, error) {
	f.gotEntry, f.gotLR, f.gotArgs, f.gotSP = entry, lr, args, sp
	return f.r0, f.runErr
}

func TestAlgoLayoutLoadWritesBlobAndTrampoline(t *testing.T) {
	algo := target.FlashAlgorithm{LoadAddress: 0x20000000, Instructions: []byte{0xAA, 0xBB, 0xCC, 0xDD}}
	l := newAlgoLayout(algo)
	core := &fakeAlgoCore{}

	if err := l.load(core); err != nil {
		t.Fatalf("load() unexpected error: %v", err)
	}
	if got := core.writes[l.loadAddr]; len(got) != 4 {
		t.Errorf("expected 4-byte blob written at loadAddr, got %v", got)
	}
	tramp := core.writes[l.trampoline]
	if len(tramp) != 2 || tramp[0] != byte(bkptInstruction) || tramp[1] != byte(bkptInstruction>>8) {
		t.Errorf("expected bkpt trampoline bytes, got %v", tramp)
	}
}

func TestAlgoLayoutCallRebasesEntryAndSetsThumbBit(t *testing.T) {
	// PCProgramPage is a blob-relative offset with the thumb bit
	// already folded in; the call must rebase it onto the load address.
	algo := target.FlashAlgorithm{LoadAddress: 0x20000000, PCProgramPage: 0x100 | 1}
	l := newAlgoLayout(algo)
	core := &fakeAlgoCore{r0: 0}

	args := [4]uint32{0x1000, 0x200, 0x20000200, 0}
	r0, err := l.call(core, algo.PCProgramPage, args, 0)
	if err != nil {
		t.Fatalf("call() unexpected error: %v", err)
	}
	if r0 != 0 {
		t.Errorf("r0 = %d, want 0", r0)
	}
	if want := uint32(0x20000100 | 1); core.gotEntry != want {
		t.Errorf("entry = 0x%x, want rebased thumb-bit 0x%x", core.gotEntry, want)
	}
	if core.gotLR != l.trampoline|1 {
		t.Errorf("lr = 0x%x, want thumb-bit set trampoline 0x%x", core.gotLR, l.trampoline|1)
	}
	if core.gotArgs != args {
		t.Errorf("args = %v, want %v", core.gotArgs, args)
	}
	if core.gotSP != l.stackTop {
		t.Errorf("sp = 0x%x, want stackTop 0x%x", core.gotSP, l.stackTop)
	}
}

func TestAlgoLayoutCallZeroEntryErrors(t *testing.T) {
	algo := target.FlashAlgorithm{LoadAddress: 0x20000000}
	l := newAlgoLayout(algo)
	_, err := l.call(&fakeAlgoCore{}, 0, [4]uint32{}, 0)
	if err == nil {
		t.Fatal("call() expected error for zero entry point")
	}
}

func TestAlgoLayoutCallNonZeroR0Errors(t *testing.T) {
	algo := target.FlashAlgorithm{LoadAddress: 0x20000000}
	l := newAlgoLayout(algo)
	core := &fakeAlgoCore{r0: 7}
	r0, err := l.call(core, 0x20000100, [4]uint32{}, time.Millisecond)
	if err == nil {
		t.Fatal("call() expected error for non-zero r0")
	}
	if r0 != 7 {
		t.Errorf("r0 = %d, want 7", r0)
	}
}

func TestAlgoLayoutCallPropagatesRunError(t *testing.T) {
	algo := target.FlashAlgorithm{LoadAddress: 0x20000000}
	l := newAlgoLayout(algo)
	wantErr := errors.New("probe disconnected")
	core := &fakeAlgoCore{runErr: wantErr}
	_, err := l.call(core, 0x20000100, [4]uint32{}, time.Millisecond)
	if !errors.Is(err, wantErr) {
		t.Errorf("call() error = %v, want %v", err, wantErr)
	}
}
