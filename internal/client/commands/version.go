package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raeenos/raepkg/internal/client/output"
)

// Version is stamped at build time; the default marks a source build.
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the raepkg version",
	Args:  cobra.NoArgs,
	Run:   runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func runVersion(cmd *cobra.Command, args []string) {
	if flagJSON {
		output.OutputJSON(map[string]string{"version": Version}, nil)
	} else {
		fmt.Printf("raepkg version %s\n", Version)
	}
}
