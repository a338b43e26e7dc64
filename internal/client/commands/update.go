package commands

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/raeenos/raepkg/internal/client/errors"
	"github.com/raeenos/raepkg/internal/client/output"
	"github.com/raeenos/raepkg/internal/models"
	"github.com/raeenos/raepkg/internal/repo"
	"github.com/raeenos/raepkg/internal/resolver"
)

var updateCmd = &cobra.Command{
	Use:   "update [repository...]",
	Short: "Sync repository metadata",
	Long: `Fetch and verify the package index of every enabled repository, or
only the named ones. One repository failing does not stop the others.`,
	Run: runUpdate,
}

var upgradeCmd = &cobra.Command{
	Use:   "upgrade [package...]",
	Short: "Upgrade installed packages",
	Long: `Upgrade every installed package to its best available version, or
only the named ones. Held packages are left alone.`,
	Run: runUpgrade,
}

var checkUpdatesCmd = &cobra.Command{
	Use:   "check-updates",
	Short: "List available updates",
	Long: `List installed packages a newer version is available for, without
changing anything. Run 'raepkg update' first to refresh the catalog.`,
	Args: cobra.NoArgs,
	Run:  runCheckUpdates,
}

func init() {
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(upgradeCmd)
	rootCmd.AddCommand(checkUpdatesCmd)
}

// syncRow is the JSON row for one repository sync outcome.
type syncRow struct {
	Repository string `json:"repository"`
	Packages   int    `json:"packages"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

func runUpdate(cmd *cobra.Command, args []string) {
	a := newApp()
	ctx, cancel := commandContext()
	defer cancel()

	var report *repo.Report
	if len(args) == 0 {
		var err error
		report, err = a.syncer.SyncAll(ctx)
		if err != nil {
			errors.ExitWithError(err, "failed to sync repositories")
		}
	} else {
		report = &repo.Report{}
		for _, name := range args {
			res, err := a.syncer.SyncOne(ctx, name)
			if err != nil {
				errors.ExitWithError(err, "failed to sync repository")
			}
			report.Results = append(report.Results, *res)
		}
	}

	a.engine.Stats().RecordUpdateCheck(time.Now())
	updates := a.resolver.CheckUpdates()

	if flagJSON {
		rows := make([]syncRow, 0, len(report.Results))
		for _, res := range report.Results {
			row := syncRow{
				Repository: res.Repository,
				Packages:   res.Packages,
				DurationMS: res.Duration.Milliseconds(),
			}
			if res.Err != nil {
				row.Error = res.Err.Error()
			}
			rows = append(rows, row)
		}
		output.OutputJSON(struct {
			Repositories []syncRow           `json:"repositories"`
			Updates      []models.UpdateInfo `json:"updates"`
		}{Repositories: rows, Updates: updates}, nil)
	} else {
		table := output.NewTableWriter(os.Stdout)
		table.WriteHeader("REPOSITORY", "PACKAGES", "DURATION", "STATUS")
		for _, res := range report.Results {
			status := "ok"
			if res.Err != nil {
				status = output.Truncate(res.Err.Error(), 48)
			}
			table.WriteRow(res.Repository, fmt.Sprintf("%d", res.Packages),
				res.Duration.Round(time.Millisecond).String(), status)
		}
		table.Flush()

		if len(updates) == 0 {
			fmt.Println("\nAll packages are up to date")
		} else {
			fmt.Printf("\n%d package(s) can be upgraded. Run 'raepkg upgrade' to apply.\n", len(updates))
		}
	}

	if report.AllFailed() {
		errors.ExitWithCode(errors.ExitGeneralError, "all repositories failed to sync")
	}
}

func runCheckUpdates(cmd *cobra.Command, args []string) {
	a := newApp()
	updates := a.resolver.CheckUpdates()

	if flagJSON {
		if updates == nil {
			updates = []models.UpdateInfo{}
		}
		output.OutputJSON(updates, nil)
		return
	}

	if len(updates) == 0 {
		fmt.Println("All packages are up to date")
		return
	}

	table := output.NewTableWriter(os.Stdout)
	table.WriteHeader("NAME", "CURRENT", "AVAILABLE", "REPOSITORY", "NOTES")
	for _, u := range updates {
		table.WriteRow(u.Name, u.Current, u.Available, u.Repository, updateNotes(u))
	}
	table.Flush()
	fmt.Printf("\n%d package(s) can be upgraded\n", len(updates))
}

// updateNotes renders the notes column for one update row.
func updateNotes(u models.UpdateInfo) string {
	var notes []string
	if u.SecurityUpdate {
		notes = append(notes, "security")
	}
	if u.BreakingChanges {
		notes = append(notes, "major")
	}
	return strings.Join(notes, ",")
}

func runUpgrade(cmd *cobra.Command, args []string) {
	a := newApp()

	var requests []resolver.Request
	if len(args) > 0 {
		requests = parseSpecs(resolver.ActionInstall, args)
		for _, req := range requests {
			if _, err := a.store.InstalledOwner(req.Name); err != nil {
				errors.ExitWithError(err, "cannot upgrade")
			}
		}
	} else {
		for _, u := range a.resolver.CheckUpdates() {
			requests = append(requests, resolver.Request{Action: resolver.ActionInstall, Name: u.Name})
		}
		if len(requests) == 0 {
			if flagJSON {
				output.OutputJSON(struct {
					Operations []string `json:"operations"`
				}{Operations: []string{}}, nil)
			} else {
				fmt.Println("All packages are up to date")
			}
			return
		}
	}
	runTransaction(a, requests)
}
