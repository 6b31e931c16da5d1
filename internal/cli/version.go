package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the colony version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("colony %s (%s)\n", version, runtime.Version())
	},
}
