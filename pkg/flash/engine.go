// Package flash implements the flash programming engine: image
// loading, erase, page programming through a loaded flash algorithm,
// verify, and the phase-weighted progress model.
package flash

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/daschewie/dapbridge/pkg/dapbridge/errs"
	"github.com/daschewie/dapbridge/pkg/flash/format"
	"github.com/daschewie/dapbridge/pkg/probe/dap"
	"github.com/daschewie/dapbridge/pkg/session"
	"github.com/daschewie/dapbridge/pkg/target"
)

// EraseMode selects how the destination flash is prepared before
// programming.
type EraseMode int

const (
	ChipErase EraseMode = iota
	SectorErase
)

// Options configures one flash operation.
type Options struct {
	Data           []byte
	FileExt        string // drives format.DetectByExtension
	BinBaseAddress uint32

	SkipErase  bool
	EraseMode  EraseMode
	Verify     bool
	Preverify  bool
	ResetAfter bool

	AlgorithmName string // empty selects the target's default algorithm
}

// ProgressEvent is one tick of the phase-weighted overall progress
// bar.
type ProgressEvent struct {
	Phase    string
	Progress float64 // 0.0-1.0
	Message  string
}

// Engine runs flash operations against the Main session slot.
type Engine struct {
	sessions *session.Manager
	log      *logrus.Entry
}

func NewEngine(sessions *session.Manager, log *logrus.Entry) *Engine {
	return &Engine{sessions: sessions, log: log}
}

type imageBlock struct {
	Address uint32
	Data    []byte
}

// Flash loads an image, erases (unless skipped), programs page by
// page, optionally verifies, and optionally resets the core through
// AIRCR.SYSRESETREQ and lets it run (never a hardware reset through the
// probe's reset line).
func (e *Engine) Flash(opts Options, onProgress func(ProgressEvent)) error {
	emit := func(phase string, progress float64, msg string) {
		if onProgress != nil {
			onProgress(ProgressEvent{Phase: phase, Progress: progress, Message: msg})
		}
	}

	emit("init", 0.00, "loading image")
	loader, err := format.DetectByExtension(strings.ToLower(opts.FileExt), opts.BinBaseAddress)
	if err != nil {
		return fmt.Errorf("flash: %w", err)
	}

	var blocks []imageBlock
	if err := loader.Load(opts.Data, func(addr uint32, data []byte) error {
		cp := make([]byte, len(data))
		copy(cp, data)
		blocks = append(blocks, imageBlock{Address: addr, Data: cp})
		return nil
	}); err != nil {
		return fmt.Errorf("flash: loading image: %w", err)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Address < blocks[j].Address })
	emit("init", 0.02, fmt.Sprintf("loaded %d block(s)", len(blocks)))

	return e.sessions.WithSession(session.Main, func(sess *session.Session) error {
		algo, err := selectAlgorithm(sess.Target, opts.AlgorithmName)
		if err != nil {
			return fmt.Errorf("flash: %w", err)
		}

		layout := newAlgoLayout(algo)
		if err := layout.load(sess.Core); err != nil {
			return fmt.Errorf("flash: loading flash algorithm: %w", err)
		}
		defer layout.uninit(sess.Core)

		if algo.HasPCInit {
			if _, err := layout.call(sess.Core, algo.PCInit, [4]uint32{algo.FlashStart, 0, 1, 0}, time.Duration(algo.ProgramPageTimeout)*time.Millisecond); err != nil {
				return fmt.Errorf("flash: algorithm Init failed: %w", err)
			}
		}

		if !opts.SkipErase {
			if err := e.erase(sess.Core, layout, algo, opts, blocks, func(p float64, msg string) {
				emit("erase", 0.02+p*0.28, msg)
			}); err != nil {
				return err
			}
		}
		emit("erase", 0.30, "erase complete")

		if err := e.program(sess.Core, layout, algo, opts, blocks, func(p float64, msg string) {
			emit("program", 0.30+p*0.60, msg)
		}); err != nil {
			return err
		}
		emit("program", 0.90, "programming complete")

		emit("finishing", 0.92, "finishing")
		if algo.HasPCUnInit {
			if _, err := layout.call(sess.Core, algo.PCUnInit, [4]uint32{}, time.Duration(algo.ProgramPageTimeout)*time.Millisecond); err != nil {
				e.log.Warnf("flash: algorithm UnInit failed: %v", err)
			}
		}
		emit("finishing", 0.95, "finished")

		if opts.Verify {
			if err := e.verify(sess.Core, blocks, func(p float64, msg string) {
				emit("finishing", 0.95, msg)
			}); err != nil {
				return fmt.Errorf("flash: verify failed: %w", err)
			}
		}

		if opts.ResetAfter {
			emit("reset", 0.97, "resetting core")
			// AIRCR (0xE000ED0C) with VECTKEY and SYSRESETREQ: a reset
			// requested by the core over the debug port.
			if err := sess.Core.WriteMem32(0xE000ED0C, []uint32{0x05FA0004}); err != nil {
				return fmt.Errorf("flash: resetting core after program: %w", err)
			}
			if err := sess.Core.Run(); err != nil {
				return fmt.Errorf("flash: resuming core after reset: %w", err)
			}
		}
		emit("complete", 1.0, "done")
		return nil
	})
}

// withLoadedAlgorithm stages the target's default algorithm into RAM,
// runs its Init entry, and hands the prepared layout to fn; UnInit runs
// afterwards regardless of fn's outcome.
func (e *Engine) withLoadedAlgorithm(fn func(sess *session.Session, layout *algoLayout, algo target.FlashAlgorithm) error) error {
	return e.sessions.WithSession(session.Main, func(sess *session.Session) error {
		algo, err := selectAlgorithm(sess.Target, "")
		if err != nil {
			return fmt.Errorf("flash: %w", err)
		}
		layout := newAlgoLayout(algo)
		if err := layout.load(sess.Core); err != nil {
			return fmt.Errorf("flash: loading flash algorithm: %w", err)
		}
		defer layout.uninit(sess.Core)

		if algo.HasPCInit {
			if _, err := layout.call(sess.Core, algo.PCInit, [4]uint32{algo.FlashStart, 0, 1, 0}, time.Duration(algo.ProgramPageTimeout)*time.Millisecond); err != nil {
				return fmt.Errorf("flash: algorithm Init failed: %w", err)
			}
		}
		err = fn(sess, layout, algo)
		if algo.HasPCUnInit {
			if _, uerr := layout.call(sess.Core, algo.PCUnInit, [4]uint32{}, time.Duration(algo.ProgramPageTimeout)*time.Millisecond); uerr != nil {
				e.log.Warnf("flash: algorithm UnInit failed: %v", uerr)
			}
		}
		return err
	})
}

// EraseAll erases the entire flash region: the algorithm's EraseChip
// entry when mode is ChipErase and one exists, otherwise every sector
// in turn.
func (e *Engine) EraseAll(mode EraseMode) error {
	return e.withLoadedAlgorithm(func(sess *session.Session, layout *algoLayout, algo target.FlashAlgorithm) error {
		timeout := time.Duration(algo.EraseSectorTimeout) * time.Millisecond
		if mode == ChipErase && algo.HasPCEraseAll {
			if _, err := layout.call(sess.Core, algo.PCEraseAll, [4]uint32{}, timeout); err != nil {
				return errs.New(errs.KindFlash, "flash.erase", fmt.Errorf("erasing chip: %w", err))
			}
			return nil
		}
		for _, s := range algo.Sectors {
			if _, err := layout.call(sess.Core, algo.PCEraseSector, [4]uint32{algo.FlashStart + s.Address, 0, 0, 0}, timeout); err != nil {
				return errs.New(errs.KindFlash, "flash.erase", fmt.Errorf("erasing sector at 0x%x: %w", algo.FlashStart+s.Address, err))
			}
		}
		return nil
	})
}

// EraseRange erases exactly the sectors overlapping [addr, addr+size).
func (e *Engine) EraseRange(addr, size uint32) error {
	return e.withLoadedAlgorithm(func(sess *session.Session, layout *algoLayout, algo target.FlashAlgorithm) error {
		timeout := time.Duration(algo.EraseSectorTimeout) * time.Millisecond
		end := addr + size
		erased := 0
		for _, s := range algo.Sectors {
			secStart := algo.FlashStart + s.Address
			if secStart >= end || secStart+s.Size <= addr {
				continue
			}
			if _, err := layout.call(sess.Core, algo.PCEraseSector, [4]uint32{secStart, 0, 0, 0}, timeout); err != nil {
				return errs.New(errs.KindFlash, "flash.erase", fmt.Errorf("erasing sector at 0x%x: %w", secStart, err))
			}
			erased++
		}
		if erased == 0 {
			return fmt.Errorf("flash: no sectors overlap 0x%x..0x%x", addr, end)
		}
		return nil
	})
}

// Verify compares an image against flash contents without programming
// anything.
func (e *Engine) Verify(opts Options) error {
	loader, err := format.DetectByExtension(strings.ToLower(opts.FileExt), opts.BinBaseAddress)
	if err != nil {
		return fmt.Errorf("flash: %w", err)
	}
	var blocks []imageBlock
	if err := loader.Load(opts.Data, func(addr uint32, data []byte) error {
		cp := make([]byte, len(data))
		copy(cp, data)
		blocks = append(blocks, imageBlock{Address: addr, Data: cp})
		return nil
	}); err != nil {
		return fmt.Errorf("flash: loading image: %w", err)
	}
	return e.sessions.WithSession(session.Main, func(sess *session.Session) error {
		return e.verify(sess.Core, blocks, func(float64, string) {})
	})
}

// Read returns size bytes of target memory starting at addr through
// the Main session.
func (e *Engine) Read(addr uint32, size int) ([]byte, error) {
	var out []byte
	err := e.sessions.WithSession(session.Main, func(sess *session.Session) error {
		data, err := sess.Core.ReadMem8(addr, size)
		if err != nil {
			return errs.New(errs.KindMemory, "flash.read", err)
		}
		out = data
		return nil
	})
	return out, err
}

func selectAlgorithm(td target.Descriptor, name string) (target.FlashAlgorithm, error) {
	if name != "" {
		for _, a := range td.Algorithms {
			if a.Name == name {
				return a, nil
			}
		}
		return target.FlashAlgorithm{}, fmt.Errorf("no algorithm named %q for target %q", name, td.Name)
	}
	for _, a := range td.Algorithms {
		if a.Default {
			return a, nil
		}
	}
	if len(td.Algorithms) > 0 {
		return td.Algorithms[0], nil
	}
	return target.FlashAlgorithm{}, fmt.Errorf("target %q has no flash algorithm", td.Name)
}

func (e *Engine) erase(core dap.Core, layout *algoLayout, algo target.FlashAlgorithm, opts Options, blocks []imageBlock, progress func(float64, string)) error {
	timeout := time.Duration(algo.EraseSectorTimeout) * time.Millisecond

	if opts.EraseMode == ChipErase {
		progress(0, "erasing entire chip")
		if !algo.HasPCEraseAll {
			return fmt.Errorf("algorithm has no EraseChip entry point")
		}
		if _, err := layout.call(core, algo.PCEraseAll, [4]uint32{}, timeout); err != nil {
			return fmt.Errorf("erasing chip: %w", err)
		}
		progress(1, "chip erased")
		return nil
	}

	sectors := sectorsOverlapping(algo, blocks)
	for i, s := range sectors {
		progress(float64(i)/float64(len(sectors)), fmt.Sprintf("erasing sector at 0x%08x", algo.FlashStart+s.Address))
		if _, err := layout.call(core, algo.PCEraseSector, [4]uint32{algo.FlashStart + s.Address, 0, 0, 0}, timeout); err != nil {
			return fmt.Errorf("erasing sector at 0x%x: %w", algo.FlashStart+s.Address, err)
		}
	}
	return nil
}

func sectorsOverlapping(algo target.FlashAlgorithm, blocks []imageBlock) []target.Sector {
	var out []target.Sector
	for _, s := range algo.Sectors {
		secStart := algo.FlashStart + s.Address
		secEnd := secStart + s.Size
		for _, b := range blocks {
			bEnd := b.Address + uint32(len(b.Data))
			if b.Address < secEnd && bEnd > secStart {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

func (e *Engine) program(core dap.Core, layout *algoLayout, algo target.FlashAlgorithm, opts Options, blocks []imageBlock, progress func(float64, string)) error {
	pageSize := algo.PageSize
	if pageSize == 0 {
		pageSize = 256
	}
	timeout := time.Duration(algo.ProgramPageTimeout) * time.Millisecond

	var pages [][]byte
	var addrs []uint32
	for _, b := range blocks {
		for off := uint32(0); off < uint32(len(b.Data)); off += pageSize {
			end := off + pageSize
			if end > uint32(len(b.Data)) {
				end = uint32(len(b.Data))
			}
			page := make([]byte, pageSize)
			for i := range page {
				page[i] = algo.ErasedByteValue
			}
			copy(page, b.Data[off:end])
			pages = append(pages, page)
			addrs = append(addrs, b.Address+off)
		}
	}

	for i, page := range pages {
		progress(float64(i)/float64(len(pages)), fmt.Sprintf("programming 0x%08x", addrs[i]))

		if opts.Preverify {
			existing, err := core.ReadMem8(addrs[i], len(page))
			if err == nil && bytes.Equal(existing, page) {
				continue
			}
		}

		if err := core.WriteMem8(layout.pageBufAddr, page); err != nil {
			return fmt.Errorf("staging page at 0x%x: %w", addrs[i], err)
		}
		if _, err := layout.call(core, algo.PCProgramPage, [4]uint32{addrs[i], uint32(len(page)), layout.pageBufAddr}, timeout); err != nil {
			return fmt.Errorf("programming page at 0x%x: %w", addrs[i], err)
		}
	}
	return nil
}

const verifyChunk = 4096
const verifyProgressTick = 64 * 1024

// mismatchIndex returns the index of the first differing byte, or -1
// when the slices are equal. Verify reports the exact target address
// of the first bad byte, not just its chunk.
func mismatchIndex(a, b []byte) int {
	if bytes.Equal(a, b) {
		return -1
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

func (e *Engine) verify(core dap.Core, blocks []imageBlock, progress func(float64, string)) error {
	var totalRead uint32
	for _, b := range blocks {
		for off := 0; off < len(b.Data); off += verifyChunk {
			end := off + verifyChunk
			if end > len(b.Data) {
				end = len(b.Data)
			}
			actual, err := core.ReadMem8(b.Address+uint32(off), end-off)
			if err != nil {
				return fmt.Errorf("reading back 0x%x: %w", b.Address+uint32(off), err)
			}
			if i := mismatchIndex(actual, b.Data[off:end]); i >= 0 {
				return errs.New(errs.KindFlash, "flash.verify", fmt.Errorf("mismatch at address 0x%x", b.Address+uint32(off)+uint32(i)))
			}
			totalRead += uint32(end - off)
			if totalRead >= verifyProgressTick {
				progress(0, fmt.Sprintf("verified through 0x%x", b.Address+uint32(end)))
				totalRead = 0
			}
		}
	}
	return nil
}
