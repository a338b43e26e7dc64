package commands

import (
	"github.com/spf13/cobra"

	"github.com/raeenos/raepkg/internal/client/output"
)

var (
	// Global flags
	flagConfigDir string
	flagJSON      bool
	flagVerbose   bool
	flagQuiet     bool
	flagYes       bool
)

var version = "1.0.0"

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "raepkg",
	Short: "RaeenOS package manager",
	Long: `raepkg installs, updates, and removes RaeenOS packages.

Every change to the system is one transaction: raepkg resolves dependencies,
downloads and verifies the archives, snapshots the files it is about to
touch, and rolls the whole operation back if any step fails.`,
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		output.Quiet = flagQuiet
	},
}

// Execute executes the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&flagConfigDir, "config", "c", "", "Configuration directory (or use RAEPKG_CONFIG_DIR env var)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable verbose logging (or use RAEPKG_VERBOSE env var)")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress informational output")
	rootCmd.PersistentFlags().BoolVarP(&flagYes, "yes", "y", false, "Skip confirmation prompts (or use RAEPKG_ASSUME_YES env var)")

	// Set version template
	rootCmd.SetVersionTemplate(`{{.Version}}
`)
}
