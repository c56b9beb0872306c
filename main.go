// dapbridge - debug-and-provisioning service for ARM Cortex-M targets
// over CMSIS-DAP.
//
// It attaches to a target over SWD/JTAG, programs and verifies flash
// from vendor CMSIS-Pack algorithms, streams SEGGER RTT output, and
// bridges a local or TCP serial terminal alongside the debug session.
package main

import (
	"fmt"
	"os"

	"github.com/daschewie/dapbridge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
