package commands

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/raeenos/raepkg/internal/client/auth"
	"github.com/raeenos/raepkg/internal/client/errors"
	"github.com/raeenos/raepkg/internal/client/output"
	"github.com/raeenos/raepkg/internal/client/prompts"
	"github.com/raeenos/raepkg/internal/client/validation"
	"github.com/raeenos/raepkg/internal/models"
)

var (
	// Repo command flags
	repoPriority    int
	repoDescription string
	repoTrusted     bool
	repoKeyID       string
	repoMirrors     []string
	repoNoSync      bool
	repoUsername    string
)

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Manage package repositories",
	Long:  `Add, remove, list, enable, and disable package repositories.`,
}

var repoAddCmd = &cobra.Command{
	Use:   "add <name> <url>",
	Short: "Add a repository",
	Args:  cobra.ExactArgs(2),
	Run:   runRepoAdd,
}

var repoRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a repository",
	Args:  cobra.ExactArgs(1),
	Run:   runRepoRemove,
}

var repoListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured repositories",
	Args:  cobra.NoArgs,
	Run:   runRepoList,
}

var repoEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a repository",
	Args:  cobra.ExactArgs(1),
	Run:   runRepoEnable,
}

var repoDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a repository",
	Long: `Disable a repository. Its packages leave the pool of install
candidates; packages already installed from it are untouched.`,
	Args: cobra.ExactArgs(1),
	Run:  runRepoDisable,
}

var repoPriorityCmd = &cobra.Command{
	Use:   "priority <name> <priority>",
	Short: "Change a repository's priority",
	Long: `Change a repository's priority. Lower numbers win when the same
package version is published by more than one repository.`,
	Args: cobra.ExactArgs(2),
	Run:  runRepoPriority,
}

var repoLoginCmd = &cobra.Command{
	Use:   "login <name>",
	Short: "Store credentials for a repository",
	Args:  cobra.ExactArgs(1),
	Run:   runRepoLogin,
}

var repoLogoutCmd = &cobra.Command{
	Use:   "logout <name>",
	Short: "Delete stored credentials for a repository",
	Args:  cobra.ExactArgs(1),
	Run:   runRepoLogout,
}

func init() {
	repoCmd.AddCommand(repoAddCmd)
	repoCmd.AddCommand(repoRemoveCmd)
	repoCmd.AddCommand(repoListCmd)
	repoCmd.AddCommand(repoEnableCmd)
	repoCmd.AddCommand(repoDisableCmd)
	repoCmd.AddCommand(repoPriorityCmd)
	repoCmd.AddCommand(repoLoginCmd)
	repoCmd.AddCommand(repoLogoutCmd)

	repoAddCmd.Flags().IntVar(&repoPriority, "priority", 100, "Priority; lower wins conflicts between repositories")
	repoAddCmd.Flags().StringVar(&repoDescription, "description", "", "Repository description")
	repoAddCmd.Flags().BoolVar(&repoTrusted, "trusted", false, "Require and verify a signed index")
	repoAddCmd.Flags().StringVar(&repoKeyID, "key-id", "", "Pin the signing key id (16 hex digits)")
	repoAddCmd.Flags().StringSliceVar(&repoMirrors, "mirror", []string{}, "Mirror URL (repeatable)")
	repoAddCmd.Flags().BoolVar(&repoNoSync, "no-sync", false, "Skip the initial metadata sync")

	repoLoginCmd.Flags().StringVar(&repoUsername, "username", "", "Username (prompted when omitted)")

	rootCmd.AddCommand(repoCmd)
}

func runRepoAdd(cmd *cobra.Command, args []string) {
	name, repoURL := args[0], args[1]

	if repoKeyID != "" {
		if err := validation.ValidateKeyID(repoKeyID); err != nil {
			errors.ExitWithCode(errors.ExitUsage, err.Error())
		}
	}

	a := newApp()

	repository := models.NewRepository(name, repoURL, repoPriority)
	repository.Description = repoDescription
	repository.Trusted = repoTrusted
	repository.KeyID = repoKeyID
	repository.Mirrors = repoMirrors

	if err := a.repos.Add(repository); err != nil {
		errors.ExitWithError(err, "failed to add repository")
	}

	if !repoNoSync {
		ctx, cancel := commandContext()
		defer cancel()
		if res, err := a.syncer.SyncOne(ctx, name); err != nil {
			output.PrintWarning("Added, but initial sync failed: %v", err)
		} else if res.Err != nil {
			output.PrintWarning("Added, but initial sync failed: %v", res.Err)
		}
	}

	if flagJSON {
		output.OutputJSON(repository, nil)
	} else {
		output.PrintSuccess("Added repository '%s' (%s)", name, repoURL)
	}
}

func runRepoRemove(cmd *cobra.Command, args []string) {
	name := args[0]
	a := newApp()

	if _, err := a.repos.Get(name); err != nil {
		errors.ExitWithError(err, "")
	}

	if !a.assumeYes() && !flagJSON {
		if !prompts.Confirm(fmt.Sprintf("Remove repository '%s'?", name)) {
			fmt.Println("Cancelled")
			return
		}
	}

	ctx, cancel := commandContext()
	defer cancel()

	if err := a.repos.Remove(name); err != nil {
		errors.ExitWithError(err, "failed to remove repository")
	}
	// drop its install candidates; installed packages keep their entries
	if err := a.store.ReplaceRepo(ctx, name, nil); err != nil {
		errors.ExitWithError(err, "failed to drop catalog entries")
	}

	if flagJSON {
		output.OutputJSON(map[string]string{"removed": name}, nil)
	} else {
		output.PrintSuccess("Removed repository '%s'", name)
	}
}

func runRepoList(cmd *cobra.Command, args []string) {
	a := newApp()

	repos, err := a.repos.List()
	if err != nil {
		errors.ExitWithError(err, "failed to list repositories")
	}

	if flagJSON {
		output.OutputJSON(repos, nil)
		return
	}

	table := output.NewTableWriter(os.Stdout)
	table.WriteHeader("NAME", "URL", "PRIORITY", "ENABLED", "TRUSTED", "PACKAGES", "LAST SYNC")
	for _, r := range repos {
		table.WriteRow(r.Name, r.URL, strconv.Itoa(r.Priority),
			strconv.FormatBool(r.Enabled), strconv.FormatBool(r.Trusted),
			strconv.Itoa(r.Packages), output.HumanAge(r.LastSync))
	}
	table.Flush()
}

func runRepoEnable(cmd *cobra.Command, args []string) {
	name := args[0]
	a := newApp()

	if err := a.repos.SetEnabled(name, true); err != nil {
		errors.ExitWithError(err, "failed to enable repository")
	}

	// bring its candidates back
	ctx, cancel := commandContext()
	defer cancel()
	if res, err := a.syncer.SyncOne(ctx, name); err != nil {
		output.PrintWarning("Enabled, but sync failed: %v", err)
	} else if res.Err != nil {
		output.PrintWarning("Enabled, but sync failed: %v", res.Err)
	}

	if flagJSON {
		output.OutputJSON(map[string]string{"enabled": name}, nil)
	} else {
		output.PrintSuccess("Enabled repository '%s'", name)
	}
}

func runRepoDisable(cmd *cobra.Command, args []string) {
	name := args[0]
	a := newApp()

	ctx, cancel := commandContext()
	defer cancel()

	if err := a.repos.SetEnabled(name, false); err != nil {
		errors.ExitWithError(err, "failed to disable repository")
	}
	// a disabled repository contributes no candidates
	if err := a.store.ReplaceRepo(ctx, name, nil); err != nil {
		errors.ExitWithError(err, "failed to drop catalog entries")
	}

	if flagJSON {
		output.OutputJSON(map[string]string{"disabled": name}, nil)
	} else {
		output.PrintSuccess("Disabled repository '%s'", name)
	}
}

func runRepoPriority(cmd *cobra.Command, args []string) {
	name := args[0]
	priority, err := strconv.Atoi(args[1])
	if err != nil {
		errors.ExitWithCode(errors.ExitUsage, "priority must be an integer")
	}

	a := newApp()
	if err := a.repos.SetPriority(name, priority); err != nil {
		errors.ExitWithError(err, "failed to set priority")
	}

	if flagJSON {
		output.OutputJSON(map[string]any{"repository": name, "priority": priority}, nil)
	} else {
		output.PrintSuccess("Repository '%s' priority set to %d", name, priority)
	}
}

// repoHost extracts the credential key for a repository: the host part of
// its primary URL.
func repoHost(r *models.Repository) (string, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return "", fmt.Errorf("invalid repository URL %q: %w", r.URL, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("repository %s has no host; %s URLs need no credentials", r.Name, u.Scheme)
	}
	return u.Host, nil
}

func runRepoLogin(cmd *cobra.Command, args []string) {
	name := args[0]
	a := newApp()

	repository, err := a.repos.Get(name)
	if err != nil {
		errors.ExitWithError(err, "")
	}
	host, err := repoHost(repository)
	if err != nil {
		errors.ExitWithError(err, "")
	}

	username := repoUsername
	if username == "" {
		if username, err = prompts.PromptUsername(); err != nil {
			errors.ExitWithError(err, "")
		}
	}
	password, err := prompts.PromptPassword()
	if err != nil {
		errors.ExitWithError(err, "")
	}

	if err := auth.SaveCredentials(host, username, password); err != nil {
		errors.ExitWithError(err, "failed to store credentials")
	}
	output.PrintSuccess("Stored credentials for %s", host)
}

func runRepoLogout(cmd *cobra.Command, args []string) {
	name := args[0]
	a := newApp()

	repository, err := a.repos.Get(name)
	if err != nil {
		errors.ExitWithError(err, "")
	}
	host, err := repoHost(repository)
	if err != nil {
		errors.ExitWithError(err, "")
	}

	if err := auth.DeleteCredentials(host); err != nil {
		errors.ExitWithError(err, "failed to delete credentials")
	}
	output.PrintSuccess("Deleted credentials for %s", host)
}
