package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daschewie/dapbridge/pkg/probe"
	"github.com/daschewie/dapbridge/pkg/probe/udev"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Inspect attached CMSIS-DAP probes",
}

var probeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List attached CMSIS-DAP probes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listProbes()
	},
}

var probeUdevInstallCmd = &cobra.Command{
	Use:   "udev-install",
	Short: "Install udev rules for unprivileged CMSIS-DAP USB access (Linux only, no-op elsewhere)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, _ := udev.Installed()
		if ok {
			printInfo("udev rules already installed.\n")
			return nil
		}
		if err := udev.Install(); err != nil {
			return fmt.Errorf("installing udev rules: %w", err)
		}
		printInfo("udev rules installed.\n")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.AddCommand(probeListCmd, probeUdevInstallCmd)
}

func listProbes() error {
	enum := probe.New()
	defer enum.Close()

	descs, err := enum.List(func(err error) {
		log.WithError(err).Debug("probe: skipping device")
	})
	if err != nil {
		return fmt.Errorf("enumerating probes: %w", err)
	}

	if len(descs) == 0 {
		printInfo("No CMSIS-DAP probes found.\n")
		return nil
	}
	for _, d := range descs {
		printInfo("%-28s %-24s caps=%s (%04x:%04x)\n", d.Identifier(), d.Product, d.Caps, d.VendorID, d.ProductID)
	}
	return nil
}
