package commands

import (
	"github.com/spf13/cobra"

	"github.com/raeenos/raepkg/internal/client/errors"
	"github.com/raeenos/raepkg/internal/resolver"
)

var (
	// Install command flags
	installDowngrade bool
)

var installCmd = &cobra.Command{
	Use:   "install <package>[=version]...",
	Short: "Install packages",
	Long: `Install one or more packages together with their dependencies.

A package spec is a name with an optional version constraint:
hello, hello=1.2.0, hello>=2.0.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runInstall,
}

func init() {
	installCmd.Flags().BoolVar(&installDowngrade, "downgrade", false, "Permit installing a version below the installed one")
	rootCmd.AddCommand(installCmd)
}

func runInstall(cmd *cobra.Command, args []string) {
	requests := parseSpecs(resolver.ActionInstall, args)
	for i := range requests {
		requests[i].Downgrade = installDowngrade
	}
	runTransaction(newApp(), requests)
}

// parseSpecs parses every package spec or exits with a usage error.
func parseSpecs(action resolver.Action, args []string) []resolver.Request {
	requests := make([]resolver.Request, 0, len(args))
	for _, arg := range args {
		req, err := resolver.ParseSpec(action, arg)
		if err != nil {
			errors.ExitWithCode(errors.ExitUsage, err.Error())
		}
		requests = append(requests, req)
	}
	return requests
}
