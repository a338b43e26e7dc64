package commands

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raeenos/raepkg/internal/catalog"
	"github.com/raeenos/raepkg/internal/client/errors"
	"github.com/raeenos/raepkg/internal/client/output"
	"github.com/raeenos/raepkg/internal/models"
)

var (
	// List command flags
	listInstalled bool
)

var searchCmd = &cobra.Command{
	Use:   "search <pattern>",
	Short: "Search the catalog",
	Long:  `Search package names, summaries, and descriptions for a substring.`,
	Args:  cobra.ExactArgs(1),
	Run:   runSearch,
}

var infoCmd = &cobra.Command{
	Use:   "info <package>",
	Short: "Show package details",
	Args:  cobra.ExactArgs(1),
	Run:   runInfo,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List packages",
	Long:  `List every known package, or only the installed ones.`,
	Args:  cobra.NoArgs,
	Run:   runList,
}

func init() {
	listCmd.Flags().BoolVar(&listInstalled, "installed", false, "List only installed packages")

	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(listCmd)
}

// statusLabel renders the status column; empty for mere candidates.
func statusLabel(pkg *models.Package) string {
	if pkg.Status.Owning() {
		return string(pkg.Status)
	}
	return ""
}

// distinctNames returns the sorted distinct package names in entries.
func distinctNames(entries []*models.Package) []string {
	seen := make(map[string]bool)
	var names []string
	for _, pkg := range entries {
		if !seen[pkg.Name] {
			seen[pkg.Name] = true
			names = append(names, pkg.Name)
		}
	}
	sort.Strings(names)
	return names
}

func runSearch(cmd *cobra.Command, args []string) {
	a := newApp()
	pattern := strings.ToLower(args[0])

	var matched []*models.Package
	seen := make(map[string]bool)
	for _, pkg := range a.store.List(catalog.Filter{}) {
		if seen[pkg.Name] {
			continue
		}
		hay := strings.ToLower(pkg.Name + " " + pkg.Summary + " " + pkg.Description)
		if !strings.Contains(hay, pattern) {
			continue
		}
		seen[pkg.Name] = true
		best, err := a.store.Lookup(pkg.Name)
		if err != nil {
			continue
		}
		matched = append(matched, best)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })

	if flagJSON {
		output.OutputJSON(matched, nil)
		return
	}
	if len(matched) == 0 {
		fmt.Printf("No packages match '%s'\n", args[0])
		return
	}

	table := output.NewTableWriter(os.Stdout)
	table.WriteHeader("NAME", "VERSION", "REPOSITORY", "STATUS", "SUMMARY")
	for _, pkg := range matched {
		table.WriteRow(pkg.Name, pkg.Version, pkg.Source.Repository,
			statusLabel(pkg), output.Truncate(pkg.Summary, 48))
	}
	table.Flush()
}

func runInfo(cmd *cobra.Command, args []string) {
	a := newApp()
	name := args[0]

	pkg, err := a.store.Lookup(name)
	if err != nil {
		errors.ExitWithError(err, "")
	}
	available := a.store.Entries(name)

	if flagJSON {
		output.OutputJSON(struct {
			Package   *models.Package   `json:"package"`
			Available []*models.Package `json:"available"`
		}{Package: pkg, Available: available}, nil)
		return
	}

	fmt.Printf("Name: %s\n", pkg.Name)
	if pkg.Summary != "" {
		fmt.Printf("Summary: %s\n", pkg.Summary)
	}
	fmt.Printf("Version: %s\n", pkg.Version)
	fmt.Printf("Architecture: %s\n", pkg.Architecture)
	fmt.Printf("Repository: %s\n", pkg.Source.Repository)
	if pkg.License != "" {
		fmt.Printf("License: %s\n", pkg.License)
	}
	if pkg.Homepage != "" {
		fmt.Printf("Homepage: %s\n", pkg.Homepage)
	}
	if pkg.Maintainer != "" {
		fmt.Printf("Maintainer: %s\n", pkg.Maintainer)
	}
	if pkg.DownloadSize > 0 {
		fmt.Printf("Download size: %s\n", output.HumanBytes(pkg.DownloadSize))
	}
	if pkg.InstalledSize > 0 {
		fmt.Printf("Installed size: %s\n", output.HumanBytes(pkg.InstalledSize))
	}
	if pkg.Status.Owning() {
		fmt.Printf("Status: %s\n", pkg.Status)
		fmt.Printf("Install reason: %s\n", pkg.InstallReason)
		fmt.Printf("Installed: %s\n", output.HumanAge(pkg.InstallTime))
		fmt.Printf("Files: %d\n", len(pkg.Files))
	} else {
		fmt.Printf("Status: not installed\n")
	}
	if pkg.Description != "" {
		fmt.Printf("Description:\n  %s\n", strings.ReplaceAll(pkg.Description, "\n", "\n  "))
	}

	if deps := pkg.Dependencies; len(deps) > 0 {
		fmt.Println("Dependencies:")
		for _, d := range deps {
			fmt.Printf("  %s (%s)\n", d.String(), d.Kind)
		}
	}

	if len(available) > 1 {
		fmt.Println("Available versions:")
		for _, entry := range available {
			fmt.Printf("  %s from %s\n", entry.Version, entry.Source.Repository)
		}
	}
}

func runList(cmd *cobra.Command, args []string) {
	a := newApp()

	if listInstalled {
		installed := a.store.Installed()
		if flagJSON {
			output.OutputJSON(installed, nil)
			return
		}
		table := output.NewTableWriter(os.Stdout)
		table.WriteHeader("NAME", "VERSION", "REPOSITORY", "SIZE", "REASON", "STATUS")
		for _, pkg := range installed {
			table.WriteRow(pkg.Name, pkg.Version, pkg.Source.Repository,
				output.HumanBytes(pkg.InstalledSize), string(pkg.InstallReason), string(pkg.Status))
		}
		table.Flush()
		return
	}

	var rows []*models.Package
	for _, name := range distinctNames(a.store.List(catalog.Filter{})) {
		pkg, err := a.store.Lookup(name)
		if err != nil {
			continue
		}
		rows = append(rows, pkg)
	}

	if flagJSON {
		output.OutputJSON(rows, nil)
		return
	}
	table := output.NewTableWriter(os.Stdout)
	table.WriteHeader("NAME", "VERSION", "REPOSITORY", "STATUS")
	for _, pkg := range rows {
		table.WriteRow(pkg.Name, pkg.Version, pkg.Source.Repository, statusLabel(pkg))
	}
	table.Flush()
}
