package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/daschewie/dapbridge/pkg/bus"
	"github.com/daschewie/dapbridge/pkg/rtt"
	"github.com/daschewie/dapbridge/pkg/util"
)

var (
	rttScanMode    string
	rttAddress     string
	rttRangeStart  string
	rttRangeSize   string
	rttInterval    time.Duration
	rttHaltOnRead  bool
)

var rttCmd = &cobra.Command{
	Use:   "rtt",
	Short: "Stream SEGGER RTT up-channel output from the attached target",
}

var rttStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start RTT polling and print up-channel data until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRTTStart()
	},
}

var rttWriteCmd = &cobra.Command{
	Use:   "write <channel> <text>",
	Short: "Write text to an RTT down-channel",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var channel int
		if _, err := fmt.Sscanf(args[0], "%d", &channel); err != nil {
			return fmt.Errorf("invalid channel %q", args[0])
		}
		if _, down := rte.Channels(); len(down) == 0 {
			if err := rte.Discover(rtt.Config{}); err != nil {
				return err
			}
		}
		n, err := rte.Write(channel, []byte(args[1]))
		if err != nil {
			return err
		}
		printInfo("Wrote %d byte(s) to down-channel %d.\n", n, channel)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rttCmd)
	rttCmd.AddCommand(rttStartCmd, rttWriteCmd)

	rttStartCmd.Flags().StringVar(&rttScanMode, "scan-mode", "auto", "Scan mode: auto, exact, or range")
	rttStartCmd.Flags().StringVar(&rttAddress, "address", "", "Control block address for --scan-mode exact")
	rttStartCmd.Flags().StringVar(&rttRangeStart, "range-start", "", "RAM range start for --scan-mode range")
	rttStartCmd.Flags().StringVar(&rttRangeSize, "range-size", "", "RAM range size for --scan-mode range")
	rttStartCmd.Flags().DurationVar(&rttInterval, "interval", 10*time.Millisecond, "Poll interval")
	rttStartCmd.Flags().BoolVar(&rttHaltOnRead, "halt-on-read", false, "Halt the core during each poll tick (slow, off by default)")
}

func runRTTStart() error {
	cfgRTT := rtt.Config{PollInterval: rttInterval, HaltOnRead: rttHaltOnRead}

	switch rttScanMode {
	case "auto", "":
		cfgRTT.Mode = rtt.ScanAuto
	case "exact":
		addr, err := util.ParseHexAddress(rttAddress)
		if err != nil {
			return fmt.Errorf("invalid --address: %w", err)
		}
		cfgRTT.Mode = rtt.ScanExact
		cfgRTT.Address = addr
	case "range":
		start, err := util.ParseHexAddress(rttRangeStart)
		if err != nil {
			return fmt.Errorf("invalid --range-start: %w", err)
		}
		size, err := util.ParseHexSize(rttRangeSize)
		if err != nil {
			return fmt.Errorf("invalid --range-size: %w", err)
		}
		cfgRTT.Mode = rtt.ScanRange
		cfgRTT.RangeStart = start
		cfgRTT.RangeSize = size
	default:
		return fmt.Errorf("invalid --scan-mode %q", rttScanMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fatal := make(chan error, 1)
	err := rte.Start(ctx, cfgRTT, func(ev rtt.DataEvent) {
		evt.Emit(bus.Event{Name: "rtt-data", Data: ev})
		fmt.Printf("[ch%d] %s", ev.Channel, ev.Data)
	}, func(err error) {
		select {
		case fatal <- err:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("starting rtt: %w", err)
	}

	up, _ := rte.Channels()
	printInfo("RTT attached, %d up-channel(s):\n", len(up))
	for _, c := range up {
		printInfo("  [%d] %s (%d bytes)\n", c.Index, c.Name, c.BufferSize)
	}

	select {
	case <-ctx.Done():
	case err := <-fatal:
		rte.Stop()
		return err
	}
	rte.Stop()
	return nil
}
