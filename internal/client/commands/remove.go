package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raeenos/raepkg/internal/client/output"
	"github.com/raeenos/raepkg/internal/resolver"
)

var removeCmd = &cobra.Command{
	Use:   "remove <package>...",
	Short: "Remove installed packages",
	Long: `Remove one or more installed packages.

Removal is refused when another installed package still requires the
target; remove the dependents first or let autoremove find them.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runRemove,
}

var autoremoveCmd = &cobra.Command{
	Use:   "autoremove",
	Short: "Remove dependencies that nothing requires anymore",
	Long: `Remove packages that were installed as dependencies and are no
longer required by any explicitly installed package.`,
	Args: cobra.NoArgs,
	Run:  runAutoremove,
}

func init() {
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(autoremoveCmd)
}

func runRemove(cmd *cobra.Command, args []string) {
	requests := parseSpecs(resolver.ActionRemove, args)
	runTransaction(newApp(), requests)
}

func runAutoremove(cmd *cobra.Command, args []string) {
	a := newApp()

	orphans := a.resolver.Orphans()
	if len(orphans) == 0 {
		if flagJSON {
			output.OutputJSON(struct {
				Operations []string `json:"operations"`
			}{Operations: []string{}}, nil)
		} else {
			fmt.Println("Nothing to do")
		}
		return
	}

	requests := make([]resolver.Request, 0, len(orphans))
	for _, pkg := range orphans {
		requests = append(requests, resolver.Request{Action: resolver.ActionRemove, Name: pkg.Name})
	}
	runTransaction(a, requests)
}
