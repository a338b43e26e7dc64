package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/raeenos/raepkg/internal/cli"
)

var version = "1.0.0"

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "raepkgd",
	Short: "RaeenOS package repository daemon",
	Long: `raepkgd is the publisher side of raepkg. It builds signed package
archives, publishes the repository index, and serves both over HTTP.`,
	Version: version,
}

func init() {
	// Add subcommands
	rootCmd.AddCommand(cli.ServeCmd)
	rootCmd.AddCommand(cli.BuildCmd)
	rootCmd.AddCommand(cli.IndexCmd)
	rootCmd.AddCommand(cli.SignCmd)
	rootCmd.AddCommand(cli.KeygenCmd)
	rootCmd.AddCommand(cli.AuthCmd)

	// Set version template
	rootCmd.SetVersionTemplate(`{{.Version}}
`)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
