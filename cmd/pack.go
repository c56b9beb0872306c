package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/daschewie/dapbridge/pkg/pack"
)

var packCmd = &cobra.Command{
	Use:   "pack",
	Short: "Manage imported CMSIS-Pack target definitions",
}

var packImportCmd = &cobra.Command{
	Use:   "import <archive.pack>",
	Short: "Import a CMSIS-Pack archive and register its devices",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPackImport(args[0])
	},
}

var packListCmd = &cobra.Command{
	Use:   "list",
	Short: "List imported packs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPackList()
	},
}

var packRescanCmd = &cobra.Command{
	Use:   "rescan <pack-name>",
	Short: "Re-extract flash algorithms for an imported pack and refresh the target registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPackRescan(args[0])
	},
}

var packCheckOutdatedCmd = &cobra.Command{
	Use:   "check-outdated",
	Short: "List packs whose generated target data predates the current scanner",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		stale := store.CheckOutdated()
		if len(stale) == 0 {
			printInfo("All packs are up to date.\n")
			return nil
		}
		for _, name := range stale {
			printInfo("%s (run 'dapbridge pack rescan %s')\n", name, name)
		}
		return nil
	},
}

var packRemoveCmd = &cobra.Command{
	Use:   "remove <pack-name>",
	Short: "Remove an imported pack and its registered devices",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPackRemove(args[0])
	},
}

func init() {
	rootCmd.AddCommand(packCmd)
	packCmd.AddCommand(packImportCmd, packListCmd, packRescanCmd, packCheckOutdatedCmd, packRemoveCmd)
}

func openStore() (*pack.Store, error) {
	return pack.NewStore(afero.NewOsFs(), cfg.DataRoot)
}

func runPackImport(archivePath string) error {
	data, err := os.ReadFile(archivePath)
	if err != nil {
		return fmt.Errorf("reading archive: %w", err)
	}
	store, err := openStore()
	if err != nil {
		return err
	}
	rec, err := store.Import(data)
	if err != nil {
		return fmt.Errorf("importing pack: %w", err)
	}
	printInfo("Imported %s %s (%d device(s)).\n", rec.Name, rec.Version, rec.DeviceCount)

	report, err := store.Rescan(rec.Name, reg)
	if err != nil {
		return fmt.Errorf("scanning flash algorithms: %w", err)
	}
	printInfo("Registered %d of %d device(s).\n", report.DevicesEmitted, report.DevicesFound)
	for _, w := range report.Warnings {
		printInfo("  warning: %s\n", w)
	}
	return nil
}

func runPackList() error {
	store, err := openStore()
	if err != nil {
		return err
	}
	recs := store.List()
	if len(recs) == 0 {
		printInfo("No packs imported.\n")
		return nil
	}
	for _, r := range recs {
		printInfo("%-30s %-10s %s (%d devices)\n", r.Name, r.Version, r.Vendor, r.DeviceCount)
	}
	return nil
}

func runPackRescan(name string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	report, err := store.Rescan(name, reg)
	if err != nil {
		return fmt.Errorf("rescanning pack: %w", err)
	}
	printInfo("Registered %d of %d device(s).\n", report.DevicesEmitted, report.DevicesFound)
	for _, w := range report.Warnings {
		printInfo("  warning: %s\n", w)
	}
	return nil
}

func runPackRemove(name string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	if err := store.Remove(name); err != nil {
		return fmt.Errorf("removing pack: %w", err)
	}
	reg.RemovePack(name)
	printInfo("Removed %s.\n", name)
	return nil
}
