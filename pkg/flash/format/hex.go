package format

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strconv"
)

// HexLoader parses Intel HEX. It owns no file handle; callers hand it
// bytes already read from disk.
type HexLoader struct {
	baseAddress uint32
}

var hexRecordPattern = regexp.MustCompile(`^:([0-9a-fA-F]{2})([0-9a-fA-F]{4})([0-9a-fA-F]{2})([0-9a-fA-F]*)([0-9a-fA-F]{2})`)

func (l *HexLoader) Load(data []byte, handler WriteHandler) error {
	l.baseAddress = 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}

		matches := hexRecordPattern.FindStringSubmatch(line)
		if matches == nil {
			return fmt.Errorf("invalid Intel HEX format at line %d: %s", lineNum, line)
		}

		byteCount, _ := strconv.ParseUint(matches[1], 16, 8)
		address, _ := strconv.ParseUint(matches[2], 16, 16)
		recordType, _ := strconv.ParseUint(matches[3], 16, 8)
		dataHex := matches[4]

		switch recordType {
		case 0x00:
			rec, err := hexStringToBytes(dataHex)
			if err != nil {
				return fmt.Errorf("invalid data at line %d: %w", lineNum, err)
			}
			if uint64(len(rec)) != byteCount {
				return fmt.Errorf("byte count mismatch at line %d: expected %d, got %d", lineNum, byteCount, len(rec))
			}
			if err := handler(l.baseAddress+uint32(address), rec); err != nil {
				return fmt.Errorf("handler failed at line %d: %w", lineNum, err)
			}
		case 0x01:
			return nil
		case 0x02:
			segmentAddr, _ := strconv.ParseUint(dataHex, 16, 32)
			l.baseAddress = uint32(segmentAddr) << 4
		case 0x04:
			extAddr, _ := strconv.ParseUint(dataHex, 16, 32)
			l.baseAddress = uint32(extAddr) << 16
		case 0x03, 0x05:
			// execution start address, not image data
		default:
			return fmt.Errorf("unsupported record type 0x%02X at line %d", recordType, lineNum)
		}
	}
	return scanner.Err()
}
