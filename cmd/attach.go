package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daschewie/dapbridge/pkg/probe"
	"github.com/daschewie/dapbridge/pkg/probe/dap"
	"github.com/daschewie/dapbridge/pkg/session"
)

var (
	connectProbeID string
	connectTarget  string
	connectProto   string
	connectClockHz uint32
	connectReset   bool
	connectRTT     bool
)

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Detach the Main and RTT sessions, resuming the target core",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := sess.Detach(session.Main); err != nil {
			printError("detaching main session: %v", err)
		}
		if err := sess.Detach(session.RTT); err != nil {
			printError("detaching rtt session: %v", err)
		}
		printInfo("Disconnected.\n")
		return nil
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Attach the Main (and optionally RTT) session to a target",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConnect()
	},
}

func init() {
	rootCmd.AddCommand(connectCmd, disconnectCmd)
	connectCmd.Flags().StringVar(&connectProbeID, "probe", "", "Probe identifier from 'probe list' (required if more than one is attached)")
	connectCmd.Flags().StringVar(&connectTarget, "target", "", "Target device name")
	connectCmd.Flags().StringVar(&connectProto, "protocol", "swd", "Wire protocol: swd or jtag")
	connectCmd.Flags().Uint32Var(&connectClockHz, "clock", 0, "SWD/JTAG clock in Hz (0 = use configured default)")
	connectCmd.Flags().BoolVar(&connectReset, "under-reset", false, "Hold the target in reset while attaching")
	connectCmd.Flags().BoolVar(&connectRTT, "rtt", false, "Also attach the RTT session, against the same probe")
	connectCmd.MarkFlagRequired("target")
}

func findProbe(identifier string) (probe.Descriptor, error) {
	enum := probe.New()
	defer enum.Close()

	descs, err := enum.List(func(err error) {
		log.WithError(err).Debug("probe: skipping device")
	})
	if err != nil {
		return probe.Descriptor{}, fmt.Errorf("enumerating probes: %w", err)
	}
	if len(descs) == 0 {
		return probe.Descriptor{}, fmt.Errorf("no CMSIS-DAP probes attached")
	}
	if identifier == "" {
		if len(descs) > 1 {
			return probe.Descriptor{}, fmt.Errorf("multiple probes attached, specify --probe")
		}
		return descs[0], nil
	}
	for _, d := range descs {
		if d.Identifier() == identifier {
			return d, nil
		}
	}
	return probe.Descriptor{}, fmt.Errorf("no probe matching %q", identifier)
}

func protocolFromFlag(s string) (dap.Protocol, error) {
	switch s {
	case "swd", "":
		return dap.SWD, nil
	case "jtag":
		return dap.JTAG, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q (expected swd or jtag)", s)
	}
}

func runConnect() error {
	pd, err := findProbe(connectProbeID)
	if err != nil {
		return err
	}
	proto, err := protocolFromFlag(connectProto)
	if err != nil {
		return err
	}
	clock := connectClockHz
	if clock == 0 {
		clock = uint32(cfg.DefaultClockHz)
	}

	opts := session.AttachOptions{
		Probe:      pd,
		TargetName: connectTarget,
		Protocol:   proto,
		ClockHz:    clock,
		UnderReset: connectReset,
	}

	main, err := sess.Attach(session.Main, opts)
	if err != nil {
		return fmt.Errorf("attaching main session: %w", err)
	}
	printInfo("Main session attached: %s on %s", main.Target.Name, main.Probe.Identifier())
	if main.HasChipID {
		printInfo(" (chip id 0x%08x)", main.ChipID)
	}
	if main.HasDPIDR {
		printInfo(" (dpidr 0x%08x)", main.DPIDR)
	}
	printInfo("\n")

	if connectRTT {
		if _, err := sess.Attach(session.RTT, opts); err != nil {
			return fmt.Errorf("attaching rtt session: %w", err)
		}
		printInfo("RTT session attached.\n")
	}
	return nil
}
