package format

import (
	"bytes"
	"debug/elf"
	"fmt"
)

// ELFLoader feeds each PT_LOAD program header's file-backed bytes to
// the handler at its physical load address, mirroring how a probe
// library's own ELF flash loader works — section-level detail doesn't
// matter for programming, only what ends up resident in memory.
type ELFLoader struct{}

func (l *ELFLoader) Load(data []byte, handler WriteHandler) error {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("parsing ELF: %w", err)
	}
	defer f.Close()

	loaded := 0
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		buf := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(buf, 0); err != nil {
			return fmt.Errorf("reading PT_LOAD segment: %w", err)
		}
		if err := handler(uint32(prog.Paddr), buf); err != nil {
			return fmt.Errorf("handler failed for segment at 0x%x: %w", prog.Paddr, err)
		}
		loaded++
	}
	if loaded == 0 {
		return fmt.Errorf("ELF file has no loadable segments")
	}
	return nil
}
