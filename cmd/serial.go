package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/daschewie/dapbridge/pkg/bus"
	"github.com/daschewie/dapbridge/pkg/terminal"
)

var (
	serialBaud   int
	serialBits   int
	serialStop   string
	serialParity string
	serialFlow   string
)

var serialCmd = &cobra.Command{
	Use:   "serial",
	Short: "Bridge a local or TCP-backed serial terminal",
}

var serialLocalCmd = &cobra.Command{
	Use:   "local <port>",
	Short: "Open a local serial port and relay stdin/stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSerialLocal(args[0])
	},
}

var serialTCPCmd = &cobra.Command{
	Use:   "tcp <host:port>",
	Short: "Connect to a ser2net-style TCP serial bridge and relay stdin/stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSerialTCP(args[0])
	},
}

func init() {
	rootCmd.AddCommand(serialCmd)
	serialCmd.AddCommand(serialLocalCmd, serialTCPCmd)

	serialLocalCmd.Flags().IntVar(&serialBaud, "baud", 115200, "Baud rate")
	serialLocalCmd.Flags().IntVar(&serialBits, "data-bits", 8, "Data bits (5,6,7,8)")
	serialLocalCmd.Flags().StringVar(&serialStop, "stop-bits", "1", "Stop bits (1, 1.5, 2)")
	serialLocalCmd.Flags().StringVar(&serialParity, "parity", "none", "Parity (none, odd, even, mark, space)")
	serialLocalCmd.Flags().StringVar(&serialFlow, "flow-control", "none", "Flow control (none, hardware, software)")
}

func runSerialLocal(port string) error {
	if serialFlow == "software" {
		return fmt.Errorf("software flow control is not supported by the underlying serial library")
	}
	term := terminal.NewLocal(terminal.Config{
		BaudRate:    serialBaud,
		DataBits:    serialBits,
		StopBits:    serialStop,
		Parity:      serialParity,
		FlowControl: serialFlow,
	})
	if err := term.Open(port); err != nil {
		return fmt.Errorf("opening %s: %w", port, err)
	}
	defer term.Close()
	return runSerialBridge(func(ctx context.Context, onData func([]byte), onStatus func(bool, error)) error {
		return term.Run(ctx, onData, onStatus)
	}, term.Write)
}

func runSerialTCP(addr string) error {
	term := terminal.NewTCP()
	if err := term.Open(addr); err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer term.Close()
	return runSerialBridge(func(ctx context.Context, onData func([]byte), onStatus func(bool, error)) error {
		return term.Run(ctx, onData, onStatus)
	}, term.Write)
}

func runSerialBridge(run func(ctx context.Context, onData func([]byte), onStatus func(bool, error)) error, write func([]byte) (int, error)) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := append(scanner.Bytes(), '\n')
			if _, err := write(line); err != nil {
				printError("writing to terminal: %v", err)
				return
			}
		}
	}()

	return run(ctx, func(data []byte) {
		evt.Emit(bus.Event{Name: "serial-data", Data: data})
		os.Stdout.Write(data)
	}, func(connected bool, err error) {
		if err != nil {
			printError("serial connection lost: %v", err)
		}
	})
}
