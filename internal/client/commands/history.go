package commands

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raeenos/raepkg/internal/client/errors"
	"github.com/raeenos/raepkg/internal/client/output"
	"github.com/raeenos/raepkg/internal/client/validation"
)

var (
	// History command flags
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history [transaction-id]",
	Short: "Show transaction history",
	Long:  `List past transactions, or show one transaction's full record.`,
	Args:  cobra.MaximumNArgs(1),
	Run:   runHistory,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <transaction-id>",
	Short: "Roll back a transaction from its snapshot",
	Long: `Restore the snapshot of a failed transaction, returning files and
catalog to the state captured before the transaction began. Committed
transactions discard their snapshot and cannot be rolled back.`,
	Args: cobra.ExactArgs(1),
	Run:  runRollback,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of transactions to show (0 for all)")

	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(rollbackCmd)
}

func runHistory(cmd *cobra.Command, args []string) {
	a := newApp()

	if len(args) == 1 {
		showTransaction(a, args[0])
		return
	}

	records, err := a.engine.History(historyLimit)
	if err != nil {
		errors.ExitWithError(err, "failed to read history")
	}

	if flagJSON {
		output.OutputJSON(records, nil)
		return
	}
	if len(records) == 0 {
		fmt.Println("No transactions yet")
		return
	}

	table := output.NewTableWriter(os.Stdout)
	table.WriteHeader("ID", "WHEN", "STATE", "OPERATIONS", "REQUESTS")
	for _, r := range records {
		table.WriteRow(
			strconv.FormatUint(r.ID, 10),
			output.HumanAge(r.Created),
			string(r.State),
			strconv.Itoa(len(r.Operations)),
			output.Truncate(strings.Join(r.Requests, ", "), 60),
		)
	}
	table.Flush()
}

func showTransaction(a *app, arg string) {
	id, err := validation.ValidateTransactionID(arg)
	if err != nil {
		errors.ExitWithCode(errors.ExitUsage, err.Error())
	}

	r, err := a.engine.Get(id)
	if err != nil {
		errors.ExitWithError(err, "")
	}

	if flagJSON {
		output.OutputJSON(r, nil)
		return
	}

	fmt.Printf("Transaction: %d\n", r.ID)
	fmt.Printf("State: %s\n", r.State)
	fmt.Printf("Created: %s\n", r.Created.Format("2006-01-02 15:04:05"))
	fmt.Printf("Requests: %s\n", strings.Join(r.Requests, ", "))
	if r.FailedPhase != "" {
		fmt.Printf("Failed phase: %s\n", r.FailedPhase)
		fmt.Printf("Error: %s\n", r.Error)
	}
	if r.SnapshotID != "" {
		fmt.Printf("Snapshot: %s (rollback available)\n", r.SnapshotID)
	}
	if len(r.Operations) > 0 {
		fmt.Println("Operations:")
		for _, op := range r.Operations {
			fmt.Printf("  %s\n", op.String())
		}
	}
	if r.Progress.BytesFetched > 0 {
		fmt.Printf("Downloaded: %s\n", output.HumanBytes(r.Progress.BytesFetched))
	}
}

func runRollback(cmd *cobra.Command, args []string) {
	id, err := validation.ValidateTransactionID(args[0])
	if err != nil {
		errors.ExitWithCode(errors.ExitUsage, err.Error())
	}

	a := newApp()
	ctx, cancel := commandContext()
	defer cancel()

	a.recoverInterrupted(ctx)

	if err := a.engine.Rollback(ctx, id); err != nil {
		errors.ExitWithError(err, "rollback failed")
	}

	if flagJSON {
		output.OutputJSON(map[string]uint64{"rolled_back": id}, nil)
	} else {
		output.PrintSuccess("Transaction %d rolled back", id)
	}
}
