package cmd

import (
	"github.com/spf13/cobra"
)

var targetCmd = &cobra.Command{
	Use:   "target",
	Short: "Inspect the registered target device table",
}

var targetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every registered target device",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, d := range reg.List() {
			from := d.PackName
			if from == "" {
				from = "built-in"
			}
			printInfo("%-24s %-16s %-10s algorithms=%d\n", d.Name, d.Core, from, len(d.Algorithms))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(targetCmd)
	targetCmd.AddCommand(targetListCmd)
}
