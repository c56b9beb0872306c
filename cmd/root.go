// Package cmd implements all CLI commands for dapbridge.
package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/daschewie/dapbridge/internal/logging"
	"github.com/daschewie/dapbridge/pkg/bus"
	"github.com/daschewie/dapbridge/pkg/config"
	"github.com/daschewie/dapbridge/pkg/flash"
	"github.com/daschewie/dapbridge/pkg/probe/udev"
	"github.com/daschewie/dapbridge/pkg/rtt"
	"github.com/daschewie/dapbridge/pkg/session"
	"github.com/daschewie/dapbridge/pkg/target"
)

var (
	cfg  *config.Config
	log  *logrus.Entry
	evt  *bus.Bus
	reg  *target.Registry
	sess *session.Manager
	fe   *flash.Engine
	rte  *rtt.Engine

	verboseFlag bool
	quietFlag   bool
)

var rootCmd = &cobra.Command{
	Use:   "dapbridge",
	Short: "dapbridge - ARM Cortex-M debug, flash, and RTT bridge over CMSIS-DAP",
	Long: `dapbridge drives a CMSIS-DAP debug probe to attach to a target chip over
SWD or JTAG, program its flash from vendor CMSIS-Pack algorithms, stream
SEGGER RTT output, and bridge a local or TCP serial terminal alongside
the debug session.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := logrus.InfoLevel
		if verboseFlag {
			level = logrus.DebugLevel
		}
		if quietFlag {
			level = logrus.WarnLevel
		}
		log = logging.New(level)

		var err error
		cfg, err = config.Load(viper.New())
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}

		reg = target.DefaultRegistry()
		evt = bus.New()
		sess = session.NewManager(reg, log)
		fe = flash.NewEngine(sess, log)
		rte = rtt.NewEngine(sess, log)

		if ok, _ := udev.Installed(); !ok {
			evt.Emit(bus.Event{Name: "udev-rules-missing"})
			log.Warn("udev rules for CMSIS-DAP probes are missing; run 'dapbridge probe udev-install'")
		}
		return nil
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress informational output")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func printInfo(format string, args ...interface{}) {
	if !quietFlag {
		fmt.Printf(format, args...)
	}
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}
