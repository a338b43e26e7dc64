package commands

import (
	"fmt"
	"os"

	"github.com/raeenos/raepkg/internal/client/errors"
	"github.com/raeenos/raepkg/internal/client/output"
	"github.com/raeenos/raepkg/internal/client/prompts"
	"github.com/raeenos/raepkg/internal/resolver"
	"github.com/raeenos/raepkg/internal/txn"
)

// txnResult is the JSON shape for commands that run a transaction.
type txnResult struct {
	TransactionID uint64   `json:"transaction_id"`
	State         string   `json:"state"`
	Operations    []string `json:"operations"`
}

// runTransaction drives the full lifecycle for the requests: begin, prepare
// (resolve, fetch, snapshot), show the plan, confirm, commit. It exits the
// process on failure and on a declined prompt.
func runTransaction(a *app, requests []resolver.Request) {
	// changing the system non-interactively needs an explicit opt-in
	if flagJSON && !a.assumeYes() {
		errors.ExitWithCode(errors.ExitUsage, "--json suppresses prompts; add --yes to confirm the transaction")
	}

	ctx, cancel := commandContext()
	defer cancel()

	a.recoverInterrupted(ctx)

	tx, err := a.engine.Begin(ctx, requests)
	if err != nil {
		errors.ExitWithError(err, "failed to begin transaction")
	}

	if err := tx.Prepare(ctx); err != nil {
		errors.ExitWithError(err, "failed to prepare transaction")
	}

	if tx.Plan().Empty() {
		// commit the empty plan so the record closes cleanly
		if err := tx.Commit(ctx); err != nil {
			errors.ExitWithError(err, "failed to commit transaction")
		}
		if flagJSON {
			output.OutputJSON(newTxnResult(tx), nil)
		} else {
			fmt.Println("Nothing to do")
		}
		return
	}

	if !flagJSON {
		printPlan(tx)
		if !a.assumeYes() {
			if !prompts.Confirm("Continue?") {
				if err := tx.Discard(); err != nil {
					a.logger.Warn("Failed to discard transaction", "txn_id", tx.ID(), "error", err)
				}
				fmt.Println("Transaction cancelled")
				os.Exit(errors.ExitCancelled)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		errors.ExitWithError(err, "transaction failed")
	}

	if flagJSON {
		output.OutputJSON(newTxnResult(tx), nil)
		return
	}
	installed, updated, removed := opCounts(tx.Operations())
	output.PrintSuccess("Transaction %d committed (%d installed, %d updated, %d removed)",
		tx.ID(), installed, updated, removed)
}

func newTxnResult(tx *txn.Transaction) txnResult {
	ops := make([]string, 0, len(tx.Operations()))
	for _, op := range tx.Operations() {
		ops = append(ops, op.String())
	}
	return txnResult{TransactionID: tx.ID(), State: string(tx.State()), Operations: ops}
}

func opCounts(ops []txn.Operation) (installed, updated, removed int) {
	for _, op := range ops {
		switch op.Op {
		case txn.OpInstall:
			installed++
		case txn.OpUpdate, txn.OpDowngrade:
			updated++
		case txn.OpRemove:
			removed++
		}
	}
	return installed, updated, removed
}

func printPlan(tx *txn.Transaction) {
	table := output.NewTableWriter(os.Stdout)
	table.WriteHeader("ACTION", "PACKAGE", "VERSION")
	for _, op := range tx.Operations() {
		ver := op.Version
		if op.From != "" {
			ver = op.From + " -> " + op.Version
		}
		table.WriteRow(string(op.Op), op.Name, ver)
	}
	table.Flush()

	var fetched int64
	for _, step := range tx.Plan().Installs() {
		fetched += step.Package.DownloadSize
	}
	installed, updated, removed := opCounts(tx.Operations())
	fmt.Printf("\n%d install, %d update, %d remove (%s fetched)\n",
		installed, updated, removed, output.HumanBytes(fetched))
}
