package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/raeenos/raepkg/internal/archive"
	"github.com/raeenos/raepkg/internal/catalog"
	"github.com/raeenos/raepkg/internal/client/errors"
	"github.com/raeenos/raepkg/internal/client/output"
	"github.com/raeenos/raepkg/internal/models"
	"github.com/raeenos/raepkg/internal/txn"
)

var (
	// Verify command flags
	verifyMarkBroken bool
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Prune the archive cache and old transaction records",
	Long: `Remove cached archives past the retention window, shrink the cache
to its configured size cap, and prune finished transaction records.`,
	Args: cobra.NoArgs,
	Run:  runClean,
}

var verifyCmd = &cobra.Command{
	Use:   "verify [package...]",
	Short: "Verify installed packages",
	Long: `Check installed files against the catalog manifests (presence, size,
checksum) and re-check the dependency closure of the installed set.
Problems are reported; nothing changes unless --mark-broken is set.`,
	Run: runVerify,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show installer statistics",
	Args:  cobra.NoArgs,
	Run:   runStats,
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyMarkBroken, "mark-broken", false, "Mark packages with file problems as broken in the catalog")

	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(statsCmd)
}

func runClean(cmd *cobra.Command, args []string) {
	a := newApp()
	ctx, cancel := commandContext()
	defer cancel()

	res, err := a.engine.Clean(ctx, txn.CleanOptions{
		RetainFor:     time.Duration(a.cfg.CacheRetentionDays) * 24 * time.Hour,
		MaxCacheBytes: a.cfg.MaxCacheSizeBytes,
	})
	if err != nil {
		errors.ExitWithError(err, "failed to clean")
	}

	if flagJSON {
		output.OutputJSON(res, nil)
	} else {
		output.PrintSuccess("Removed %d archive(s), freed %s; pruned %d transaction record(s)",
			res.ArchivesRemoved, output.HumanBytes(res.BytesFreed), res.RecordsRemoved)
	}
}

// verifyProblem is one finding of the verify command.
type verifyProblem struct {
	Package string `json:"package"`
	Path    string `json:"path,omitempty"`
	Problem string `json:"problem"`
}

func runVerify(cmd *cobra.Command, args []string) {
	a := newApp()

	var targets []*models.Package
	if len(args) > 0 {
		for _, name := range args {
			pkg, err := a.store.InstalledOwner(name)
			if err != nil {
				errors.ExitWithError(err, "")
			}
			targets = append(targets, pkg)
		}
	} else {
		targets = a.store.Installed()
	}

	targetSet := make(map[string]bool, len(targets))
	var problems []verifyProblem
	for _, pkg := range targets {
		targetSet[pkg.Name] = true
		problems = append(problems, verifyFiles(a, pkg)...)
	}

	for name, edges := range a.resolver.Verify() {
		if !targetSet[name] {
			continue
		}
		for _, edge := range edges {
			problems = append(problems, verifyProblem{
				Package: name,
				Problem: fmt.Sprintf("dependency not satisfied: %s", edge.String()),
			})
		}
	}

	if len(problems) == 0 {
		if flagJSON {
			output.OutputJSON([]verifyProblem{}, nil)
		} else {
			output.PrintSuccess("%d package(s) verified, no problems found", len(targets))
		}
		return
	}

	if verifyMarkBroken {
		ctx, cancel := commandContext()
		defer cancel()
		marked := make(map[string]bool)
		for _, p := range problems {
			// only file-level damage marks a package broken
			if p.Path == "" || marked[p.Package] {
				continue
			}
			if err := a.store.MarkBroken(ctx, p.Package); err != nil {
				a.logger.Warn("Failed to mark package broken", "package", p.Package, "error", err)
				continue
			}
			marked[p.Package] = true
		}
	}

	if flagJSON {
		output.OutputJSON(problems, nil)
		os.Exit(errors.ExitVerification)
	}
	table := output.NewTableWriter(os.Stdout)
	table.WriteHeader("PACKAGE", "PATH", "PROBLEM")
	for _, p := range problems {
		table.WriteRow(p.Package, p.Path, p.Problem)
	}
	table.Flush()
	errors.ExitWithCode(errors.ExitVerification, fmt.Sprintf("%d problem(s) found", len(problems)))
}

// verifyFiles checks one installed package's files against its manifest.
func verifyFiles(a *app, pkg *models.Package) []verifyProblem {
	var problems []verifyProblem
	for _, entry := range pkg.Files {
		if strings.HasSuffix(entry.Path, "/") {
			continue // directories carry no checksum
		}
		target := filepath.Join(a.cfg.InstallRoot, filepath.FromSlash(entry.Path))

		info, err := os.Lstat(target)
		if err != nil {
			problems = append(problems, verifyProblem{Package: pkg.Name, Path: entry.Path, Problem: "missing"})
			continue
		}
		if info.Size() != entry.Size {
			problems = append(problems, verifyProblem{
				Package: pkg.Name,
				Path:    entry.Path,
				Problem: fmt.Sprintf("size mismatch: want %d, got %d", entry.Size, info.Size()),
			})
			continue
		}
		sum, err := archive.HashFile(target)
		if err != nil {
			problems = append(problems, verifyProblem{Package: pkg.Name, Path: entry.Path, Problem: "unreadable: " + err.Error()})
			continue
		}
		if sum != entry.SHA256 {
			problems = append(problems, verifyProblem{Package: pkg.Name, Path: entry.Path, Problem: "checksum mismatch"})
		}
	}
	return problems
}

func runStats(cmd *cobra.Command, args []string) {
	a := newApp()

	totals := a.engine.Stats().Totals()
	installed := a.store.Installed()
	var installedSize int64
	for _, pkg := range installed {
		installedSize += pkg.InstalledSize
	}
	known := len(distinctNames(a.store.List(catalog.Filter{})))

	if flagJSON {
		output.OutputJSON(struct {
			Installed     int        `json:"installed"`
			InstalledSize int64      `json:"installed_size"`
			Known         int        `json:"known"`
			Totals        txn.Totals `json:"totals"`
		}{Installed: len(installed), InstalledSize: installedSize, Known: known, Totals: totals}, nil)
		return
	}

	fmt.Printf("Packages installed: %d (%s)\n", len(installed), output.HumanBytes(installedSize))
	fmt.Printf("Packages known: %d\n", known)
	fmt.Printf("Transactions committed: %d\n", totals.Transactions)
	fmt.Printf("Installs: %d\n", totals.Installed)
	fmt.Printf("Updates: %d\n", totals.Updated)
	fmt.Printf("Removals: %d\n", totals.Removed)
	fmt.Printf("Downloaded: %s\n", output.HumanBytes(totals.BytesDownloaded))
	fmt.Printf("Last update check: %s\n", output.HumanAge(totals.LastUpdateCheck))
}
