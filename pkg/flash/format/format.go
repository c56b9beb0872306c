// Package format provides firmware image loaders (Intel HEX, raw
// binary, ELF) for the flash programming engine, each feeding
// contiguous image blocks to a caller-supplied handler.
package format

import "fmt"

// WriteHandler receives one contiguous block of image data destined
// for address.
type WriteHandler func(address uint32, data []byte) error

// Loader parses one firmware image format and feeds WriteHandler.
type Loader interface {
	Load(data []byte, handler WriteHandler) error
}

// DetectByExtension picks a Loader from a file's extension:
// .hex/.ihex -> Hex, .bin -> Bin (needs an explicit base address),
// anything else (.elf/.axf/.out or unrecognized) -> ELF.
func DetectByExtension(ext string, binBaseAddress uint32) (Loader, error) {
	switch ext {
	case ".hex", ".ihex":
		return &HexLoader{}, nil
	case ".bin":
		return &BinLoader{BaseAddress: binBaseAddress}, nil
	case ".elf", ".axf", ".out", "":
		return &ELFLoader{}, nil
	default:
		return &ELFLoader{}, nil
	}
}

func hexStringToBytes(hexStr string) ([]byte, error) {
	if len(hexStr)%2 != 0 {
		return nil, fmt.Errorf("hex string length must be even")
	}
	out := make([]byte, len(hexStr)/2)
	for i := 0; i < len(hexStr); i += 2 {
		var b byte
		if _, err := fmt.Sscanf(hexStr[i:i+2], "%02x", &b); err != nil {
			return nil, fmt.Errorf("invalid hex at position %d: %w", i, err)
		}
		out[i/2] = b
	}
	return out, nil
}
