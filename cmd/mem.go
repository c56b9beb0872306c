package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daschewie/dapbridge/pkg/session"
	"github.com/daschewie/dapbridge/pkg/util"
)

var memCmd = &cobra.Command{
	Use:   "mem",
	Short: "Read or write target memory through the Main session",
}

var memReadCmd = &cobra.Command{
	Use:   "read <address> <length>",
	Short: "Read target memory and print a hex dump",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMemRead(args[0], args[1])
	},
}

var memWriteCmd = &cobra.Command{
	Use:   "write <address> <hex-bytes>",
	Short: "Write raw bytes (hex, no 0x prefix per byte) to target memory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMemWrite(args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(memCmd)
	memCmd.AddCommand(memReadCmd, memWriteCmd)
}

func runMemRead(addrStr, lenStr string) error {
	addr, err := util.ParseHexAddress(addrStr)
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	length, err := util.ParseHexSize(lenStr)
	if err != nil {
		return fmt.Errorf("invalid length: %w", err)
	}

	return sess.WithSession(session.Main, func(s *session.Session) error {
		data, err := s.Core.ReadMem8(addr, int(length))
		if err != nil {
			return fmt.Errorf("reading memory: %w", err)
		}
		util.HexDump(data, addr)
		return nil
	})
}

func runMemWrite(addrStr, hexStr string) error {
	addr, err := util.ParseHexAddress(addrStr)
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	data, err := hexToBytes(hexStr)
	if err != nil {
		return fmt.Errorf("invalid data: %w", err)
	}

	return sess.WithSession(session.Main, func(s *session.Session) error {
		if err := s.Core.WriteMem8(addr, data); err != nil {
			return fmt.Errorf("writing memory: %w", err)
		}
		printInfo("Wrote %d byte(s) at 0x%08x.\n", len(data), addr)
		return nil
	})
}

func hexToBytes(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("hex string must have an even number of digits")
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		var b byte
		if _, err := fmt.Sscanf(s[i*2:i*2+2], "%02x", &b); err != nil {
			return nil, fmt.Errorf("invalid hex digit at position %d", i*2)
		}
		out[i] = b
	}
	return out, nil
}
