package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/daschewie/dapbridge/pkg/bus"
	"github.com/daschewie/dapbridge/pkg/flash"
	"github.com/daschewie/dapbridge/pkg/util"
)

var (
	flashSkipErase  bool
	flashPreverify  bool
	flashVerify     bool
	flashResetAfter bool
	flashAlgorithm  string
	flashBinBase    string
)

var flashCmd = &cobra.Command{
	Use:   "flash <image>",
	Short: "Program flash memory on the attached target from a firmware image",
	Long: `Program flash memory from an Intel HEX, raw binary, or ELF firmware image.

The Main session must already be attached (see 'dapbridge connect').

Example:
  dapbridge flash firmware.elf --verify
  dapbridge flash firmware.bin --bin-base 0x08000000 --erase-mode chip`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFlash(args[0])
	},
}

var eraseModeFlag string

var (
	eraseAddr string
	eraseSize string
)

var eraseCmd = &cobra.Command{
	Use:   "erase",
	Short: "Erase target flash (whole chip, or a sector range with --addr/--size)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runErase()
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <image>",
	Short: "Compare target flash against a firmware image without programming",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerify(args[0])
	},
}

func runErase() error {
	mode := flash.SectorErase
	if strings.ToLower(eraseModeFlag) == "chip" {
		mode = flash.ChipErase
	}

	if eraseAddr != "" || eraseSize != "" {
		addr, err := util.ParseHexAddress(eraseAddr)
		if err != nil {
			return fmt.Errorf("invalid --addr: %w", err)
		}
		size, err := util.ParseHexSize(eraseSize)
		if err != nil {
			return fmt.Errorf("invalid --size: %w", err)
		}
		if !util.ConfirmDanger(fmt.Sprintf("You are about to erase 0x%x bytes of flash at 0x%08x", size, addr)) {
			printInfo("Operation cancelled.\n")
			return nil
		}
		if err := fe.EraseRange(addr, size); err != nil {
			return err
		}
		printInfo("Erased.\n")
		return nil
	}

	if !util.ConfirmDanger("You are about to erase the entire flash") {
		printInfo("Operation cancelled.\n")
		return nil
	}
	if err := fe.EraseAll(mode); err != nil {
		return err
	}
	printInfo("Erased.\n")
	return nil
}

func runVerify(path string) error {
	data, err := util.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}
	binBase, err := util.ParseHexAddress(flashBinBase)
	if err != nil {
		return fmt.Errorf("invalid --bin-base: %w", err)
	}
	if err := fe.Verify(flash.Options{Data: data, FileExt: filepath.Ext(path), BinBaseAddress: binBase}); err != nil {
		return err
	}
	printInfo("Verify OK.\n")
	return nil
}

func init() {
	rootCmd.AddCommand(flashCmd, eraseCmd, verifyCmd)
	eraseCmd.Flags().StringVar(&eraseModeFlag, "mode", "sector", "Erase mode when erasing everything: chip or sector")
	eraseCmd.Flags().StringVar(&eraseAddr, "addr", "", "Start address of a sector range to erase")
	eraseCmd.Flags().StringVar(&eraseSize, "size", "", "Byte length of the sector range to erase")
	flashCmd.Flags().BoolVar(&flashSkipErase, "skip-erase", false, "Skip erase entirely (assumes flash is already blank)")
	flashCmd.Flags().StringVar(&eraseModeFlag, "erase-mode", "sector", "Erase mode: chip or sector")
	flashCmd.Flags().BoolVar(&flashPreverify, "preverify", false, "Skip programming pages that already match the image")
	flashCmd.Flags().BoolVar(&flashVerify, "verify", false, "Read back and compare every programmed byte")
	flashCmd.Flags().BoolVar(&flashResetAfter, "reset", true, "Reset the core (AIRCR system reset, not the hardware reset line) and run it after programming")
	flashCmd.Flags().StringVar(&flashAlgorithm, "algorithm", "", "Flash algorithm name (default: target's default)")
	flashCmd.Flags().StringVar(&flashBinBase, "bin-base", "0x08000000", "Base address for .bin images")
}

func runFlash(path string) error {
	data, err := util.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}
	binBase, err := util.ParseHexAddress(flashBinBase)
	if err != nil {
		return fmt.Errorf("invalid --bin-base: %w", err)
	}

	mode := flash.SectorErase
	switch strings.ToLower(eraseModeFlag) {
	case "chip":
		mode = flash.ChipErase
	case "sector", "":
	default:
		return fmt.Errorf("invalid --erase-mode %q (expected chip or sector)", eraseModeFlag)
	}

	if !flashSkipErase {
		what := "the sectors covered by this image"
		if mode == flash.ChipErase {
			what = "the entire chip"
		}
		if !util.ConfirmDanger(fmt.Sprintf("You are about to erase %s", what)) {
			printInfo("Operation cancelled.\n")
			return nil
		}
	}

	opts := flash.Options{
		Data:           data,
		FileExt:        filepath.Ext(path),
		BinBaseAddress: binBase,
		SkipErase:      flashSkipErase,
		EraseMode:      mode,
		Verify:         flashVerify,
		Preverify:      flashPreverify,
		ResetAfter:     flashResetAfter,
		AlgorithmName:  flashAlgorithm,
	}

	return fe.Flash(opts, func(ev flash.ProgressEvent) {
		evt.Emit(bus.Event{Name: "flash-progress", Data: ev})
		printInfo("[%-10s %5.1f%%] %s\n", ev.Phase, ev.Progress*100, ev.Message)
	})
}
