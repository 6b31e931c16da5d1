// Package cli wires the colony commands: run, review, version.
package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// version can be overridden at build time via:
// go build -ldflags "-X github.com/basket/go-colony/internal/cli.version=1.2.3"
var version = "0.3.0"

var rootCmd = &cobra.Command{
	Use:   "colony",
	Short: "colony - stigmergic code migration",
	Long: color.CyanString("colony") + " coordinates four worker roles through a shared\n" +
		"pheromone medium to migrate a legacy codebase file by file.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(versionCmd)
}
