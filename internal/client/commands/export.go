package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/raeenos/raepkg/internal/catalog"
	"github.com/raeenos/raepkg/internal/client/errors"
	"github.com/raeenos/raepkg/internal/client/output"
	"github.com/raeenos/raepkg/internal/models"
	"github.com/raeenos/raepkg/internal/resolver"
)

var exportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Export the explicit package list",
	Long: `Write the explicitly installed packages to a YAML file. Import the
file on another system to install the same set.`,
	Args: cobra.ExactArgs(1),
	Run:  runExport,
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Install packages from an exported list",
	Long: `Install every package from an exported list that is not already
installed. Versions in the file are informational; resolution picks the
best available version.`,
	Args: cobra.ExactArgs(1),
	Run:  runImport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}

// packageList is the export file format: the explicitly installed
// packages, sorted by name.
type packageList struct {
	Exported time.Time          `yaml:"exported"`
	Packages []packageListEntry `yaml:"packages"`
}

type packageListEntry struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version,omitempty"`
}

// exportList collects the explicitly installed packages. Dependencies are
// left out; importing re-derives them.
func exportList(store *catalog.Store) packageList {
	list := packageList{Exported: time.Now().UTC()}
	for _, pkg := range store.Installed() {
		if pkg.InstallReason != models.ReasonExplicit {
			continue
		}
		list.Packages = append(list.Packages, packageListEntry{Name: pkg.Name, Version: pkg.Version})
	}
	return list
}

// importRequests returns install requests for the listed packages not
// already installed.
func importRequests(store *catalog.Store, list packageList) ([]resolver.Request, error) {
	var requests []resolver.Request
	for _, entry := range list.Packages {
		if err := models.ValidateName(entry.Name); err != nil {
			return nil, fmt.Errorf("invalid package list entry: %w", err)
		}
		if _, err := store.InstalledOwner(entry.Name); err == nil {
			continue
		}
		requests = append(requests, resolver.Request{Action: resolver.ActionInstall, Name: entry.Name})
	}
	return requests, nil
}

func runExport(cmd *cobra.Command, args []string) {
	a := newApp()

	list := exportList(a.store)
	data, err := yaml.Marshal(list)
	if err != nil {
		errors.ExitWithError(err, "failed to encode package list")
	}
	if err := os.WriteFile(args[0], data, 0o644); err != nil {
		errors.ExitWithError(err, "failed to write package list")
	}

	if flagJSON {
		output.OutputJSON(struct {
			File     string `json:"file"`
			Packages int    `json:"packages"`
		}{File: args[0], Packages: len(list.Packages)}, nil)
		return
	}
	fmt.Printf("Exported %d package(s) to %s\n", len(list.Packages), args[0])
}

func runImport(cmd *cobra.Command, args []string) {
	a := newApp()

	data, err := os.ReadFile(args[0])
	if err != nil {
		errors.ExitWithError(err, "failed to read package list")
	}
	var list packageList
	if err := yaml.Unmarshal(data, &list); err != nil {
		errors.ExitWithError(err, "failed to parse package list")
	}

	requests, err := importRequests(a.store, list)
	if err != nil {
		errors.ExitWithCode(errors.ExitUsage, err.Error())
	}

	if len(requests) == 0 {
		if flagJSON {
			output.OutputJSON(struct {
				Operations []string `json:"operations"`
			}{Operations: []string{}}, nil)
		} else {
			fmt.Println("All listed packages are already installed")
		}
		return
	}
	runTransaction(a, requests)
}
