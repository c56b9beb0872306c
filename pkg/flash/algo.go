package flash

import (
	"fmt"
	"time"

	"github.com/daschewie/dapbridge/pkg/probe/dap"
	"github.com/daschewie/dapbridge/pkg/target"
)

// bkptInstruction is a single Thumb "bkpt #0" halfword. Every algorithm
// call uses its address (with the thumb bit set) as LR, so the
// algorithm halts there on return regardless of what return
// instruction it actually used, the same trick the probe firmware uses
// to avoid depending on an algorithm's own epilogue.
const bkptInstruction = 0xBE00

// algoLayout places a flash algorithm's code/data blob, a page
// program buffer, and a stack in the target's RAM, ordered so the
// algorithm and its working data never overlap.
type algoLayout struct {
	algo        target.FlashAlgorithm
	loadAddr    uint32
	pageBufAddr uint32
	stackTop    uint32
	trampoline  uint32
}

func newAlgoLayout(algo target.FlashAlgorithm) *algoLayout {
	base := algo.LoadAddress
	blobEnd := base + uint32(len(algo.Instructions))
	blobEnd = align(blobEnd, 4)

	pageBuf := blobEnd
	pageSize := algo.PageSize
	if pageSize == 0 {
		pageSize = 256
	}
	stackBase := pageBuf + align(pageSize, 4)

	const stackSize = 512
	stackTop := stackBase + stackSize
	trampoline := stackTop

	return &algoLayout{
		algo:        algo,
		loadAddr:    base,
		pageBufAddr: pageBuf,
		stackTop:    stackTop,
		trampoline:  trampoline,
	}
}

func align(v, n uint32) uint32 {
	if v%n == 0 {
		return v
	}
	return v + (n - v%n)
}

func (l *algoLayout) load(core dap.Core) error {
	if err := core.WriteMem8(l.loadAddr, l.algo.Instructions); err != nil {
		return fmt.Errorf("writing algorithm blob: %w", err)
	}
	trampolineBytes := []byte{byte(bkptInstruction), byte(bkptInstruction >> 8)}
	if err := core.WriteMem8(l.trampoline, trampolineBytes); err != nil {
		return fmt.Errorf("writing breakpoint trampoline: %w", err)
	}
	return nil
}

// call invokes a flash algorithm entry point using the register-call
// convention: args in R0-R3, SP at the scratch stack top, PC at the
// entry's blob offset rebased onto the load address with the thumb bit
// set, LR pointing at the bkpt trampoline (also thumb-bit set) so the
// core halts there when the algorithm returns, however it returns.
// Returns the algorithm's R0 result code.
func (l *algoLayout) call(core dap.Core, entry uint32, args [4]uint32, timeout time.Duration) (uint32, error) {
	if entry == 0 {
		return 0, fmt.Errorf("algorithm entry point not present")
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	pc := l.loadAddr + (entry &^ 1)
	r0, err := core.RunToBreakpoint(pc|1, l.trampoline|1, args, l.stackTop, timeout)
	if err != nil {
		return 0, err
	}
	if r0 != 0 {
		return r0, fmt.Errorf("algorithm returned code %d", r0)
	}
	return r0, nil
}

func (l *algoLayout) uninit(core dap.Core) {
	_ = core // cleanup hook; RAM is reclaimed by the next attach, nothing to release here
}
