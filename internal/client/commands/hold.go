package commands

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/raeenos/raepkg/internal/client/errors"
	"github.com/raeenos/raepkg/internal/client/output"
)

var holdCmd = &cobra.Command{
	Use:   "hold <package>...",
	Short: "Pin installed packages at their current version",
	Long: `Held packages are skipped by upgrade and never replaced during
dependency resolution unless the request names them explicitly.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runHold,
}

var unholdCmd = &cobra.Command{
	Use:   "unhold <package>...",
	Short: "Release held packages",
	Args:  cobra.MinimumNArgs(1),
	Run:   runUnhold,
}

func init() {
	rootCmd.AddCommand(holdCmd)
	rootCmd.AddCommand(unholdCmd)
}

func runHold(cmd *cobra.Command, args []string) {
	setHeld(args, true)
}

func runUnhold(cmd *cobra.Command, args []string) {
	setHeld(args, false)
}

func setHeld(names []string, held bool) {
	a := newApp()
	ctx, cancel := commandContext()
	defer cancel()

	for _, name := range names {
		if err := a.store.SetHeld(ctx, name, held); err != nil {
			errors.ExitWithError(err, "")
		}
	}

	if flagJSON {
		output.OutputJSON(struct {
			Packages []string `json:"packages"`
			Held     bool     `json:"held"`
		}{Packages: names, Held: held}, nil)
		return
	}
	if held {
		output.PrintSuccess("Held %s", strings.Join(names, ", "))
	} else {
		output.PrintSuccess("Released %s", strings.Join(names, ", "))
	}
}
