package txn

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/raeenos/raepkg/internal/catalog"
	"github.com/raeenos/raepkg/internal/fetch"
	"github.com/raeenos/raepkg/internal/repo"
	"github.com/raeenos/raepkg/internal/resolver"
	"github.com/raeenos/raepkg/internal/signing"
)

// Options configures an Engine. Paths come from the loaded configuration;
// policy flags mirror their raepkg.conf keys.
type Options struct {
	InstallRoot      string
	CacheDir         string
	StateDir         string
	LockPath         string
	MaxParallel      int
	VerifySignatures bool

	// AllowUnsigned accepts unsigned archives when VerifySignatures is
	// set; a bad signature is still rejected.
	AllowUnsigned bool
}

// Engine builds, prepares, and commits transactions against one catalog
// and install root.
type Engine struct {
	store    *catalog.Store
	resolver *resolver.Resolver
	repos    *repo.Manager
	client   *fetch.Client
	keyring  *signing.Keyring
	opts     Options
	ids      *idAllocator
	stats    *Stats
	logger   *slog.Logger
}

// NewEngine creates a transaction engine.
func NewEngine(store *catalog.Store, res *resolver.Resolver, repos *repo.Manager, client *fetch.Client, keyring *signing.Keyring, opts Options, logger *slog.Logger) *Engine {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 4
	}
	if opts.LockPath == "" {
		opts.LockPath = filepath.Join(opts.StateDir, "lock")
	}
	return &Engine{
		store:    store,
		resolver: res,
		repos:    repos,
		client:   client,
		keyring:  keyring,
		opts:     opts,
		ids:      newIDAllocator(opts.StateDir),
		stats:    LoadStats(filepath.Join(opts.StateDir, "stats.json"), logger),
		logger:   logger,
	}
}

// Stats returns the engine's persistent counters.
func (e *Engine) Stats() *Stats { return e.stats }

func (e *Engine) transactionsDir() string {
	return filepath.Join(e.opts.StateDir, "transactions")
}

// Transaction is one in-flight unit of work. A Transaction is used by a
// single goroutine; cancellation arrives through the contexts passed to
// Prepare and Commit.
type Transaction struct {
	engine   *Engine
	record   *Record
	requests []resolver.Request
	plan     *resolver.Plan
	archives []string // cached archive path per plan step, empty for removals
	snapshot *snapshot
}

// Begin allocates a transaction id and persists the built record. No other
// side effects happen until Prepare.
func (e *Engine) Begin(ctx context.Context, requests []resolver.Request) (*Transaction, error) {
	if len(requests) == 0 {
		return nil, fmt.Errorf("transaction needs at least one request")
	}

	id, err := e.ids.Next(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocating transaction id: %w", err)
	}

	specs := make([]string, 0, len(requests))
	for _, req := range requests {
		specs = append(specs, string(req.Action)+" "+req.Constraint().String())
	}

	t := &Transaction{
		engine:   e,
		requests: requests,
		record: &Record{
			ID:       id,
			State:    StateBuilt,
			Created:  time.Now(),
			Requests: specs,
		},
	}
	if err := saveRecord(e.transactionsDir(), t.record); err != nil {
		return nil, err
	}

	e.logger.Debug("Transaction started", "txn_id", id, "requests", len(requests))
	return t, nil
}

// ID returns the transaction id; never zero.
func (t *Transaction) ID() uint64 { return t.record.ID }

// State returns the current lifecycle state.
func (t *Transaction) State() State { return t.record.State }

// Plan returns the resolved plan; nil before a successful Prepare.
func (t *Transaction) Plan() *resolver.Plan { return t.plan }

// Operations returns the user-visible operation list; empty before Prepare.
func (t *Transaction) Operations() []Operation { return t.record.Operations }

// persist writes the record, logging instead of failing when the write
// itself breaks; record durability never masks the primary error path.
func (t *Transaction) persist() {
	if err := saveRecord(t.engine.transactionsDir(), t.record); err != nil {
		t.engine.logger.Warn("Failed to persist transaction record",
			"txn_id", t.record.ID,
			"error", err)
	}
}

// fail moves the transaction to failed, recording the phase and cause.
func (t *Transaction) fail(phase string, cause error) {
	t.record.State = StateFailed
	t.record.FailedPhase = phase
	t.record.Error = cause.Error()
	t.persist()
	t.engine.logger.Warn("Transaction failed",
		"txn_id", t.record.ID,
		"phase", phase,
		"error", cause)
}

// History returns persisted transaction records, newest first. limit <= 0
// returns everything.
func (e *Engine) History(limit int) ([]*Record, error) {
	records, err := listRecords(e.transactionsDir())
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Get returns one transaction's record.
func (e *Engine) Get(id uint64) (*Record, error) {
	return loadRecord(e.transactionsDir(), id)
}

// Recover scans for commits interrupted by a crash (prepared records whose
// commit had started) and rolls each back. It runs before any new
// transaction work on startup. Returns the ids rolled back.
func (e *Engine) Recover(ctx context.Context) ([]uint64, error) {
	records, err := listRecords(e.transactionsDir())
	if err != nil {
		return nil, err
	}

	var recovered []uint64
	for _, r := range records {
		if r.State != StatePrepared || r.CommitStarted.IsZero() {
			continue
		}
		e.logger.Warn("Found interrupted commit, rolling back",
			"txn_id", r.ID,
			"commit_started", r.CommitStarted)
		if err := e.rollbackRecord(ctx, r); err != nil {
			return recovered, fmt.Errorf("recovering transaction %d: %w", r.ID, err)
		}
		recovered = append(recovered, r.ID)
	}
	return recovered, nil
}

// Rollback restores the snapshot of a transaction whose commit failed or
// was interrupted. Cleanly committed transactions cannot be rolled back;
// their snapshots are discarded at commit.
func (e *Engine) Rollback(ctx context.Context, id uint64) error {
	r, err := loadRecord(e.transactionsDir(), id)
	if err != nil {
		return err
	}

	switch {
	case r.State == StateRolledBack:
		return fmt.Errorf("%w: transaction %d is already rolled back", ErrState, id)
	case r.State == StateCommitted:
		return fmt.Errorf("%w: transaction %d committed and its snapshot was discarded", ErrState, id)
	case r.State == StateFailed && r.SnapshotID == "":
		return fmt.Errorf("%w: transaction %d failed before a snapshot was taken", ErrState, id)
	case r.State == StateBuilt:
		return fmt.Errorf("%w: transaction %d never prepared; nothing to roll back", ErrState, id)
	}

	return e.rollbackRecord(ctx, r)
}

// rollbackRecord restores a record's snapshot under the commit lock and
// marks it rolled back.
func (e *Engine) rollbackRecord(ctx context.Context, r *Record) error {
	snap, err := openSnapshot(filepath.Join(recordDir(e.transactionsDir(), r.ID), snapshotDirName))
	if err != nil {
		return fmt.Errorf("transaction %d snapshot: %w", r.ID, err)
	}

	lock, err := e.acquireCommitLock(ctx)
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := snap.restore(ctx, e.store); err != nil {
		r.State = StateFailed
		r.FailedPhase = "rollback"
		r.Error = err.Error()
		if saveErr := saveRecord(e.transactionsDir(), r); saveErr != nil {
			e.logger.Warn("Failed to persist transaction record", "txn_id", r.ID, "error", saveErr)
		}
		return fmt.Errorf("rolling back transaction %d (snapshot retained): %w", r.ID, err)
	}

	if err := snap.delete(); err != nil {
		e.logger.Warn("Failed to delete snapshot after rollback", "txn_id", r.ID, "error", err)
	}
	r.State = StateRolledBack
	r.SnapshotID = ""
	r.FailedPhase = ""
	r.Error = ""
	if err := saveRecord(e.transactionsDir(), r); err != nil {
		e.logger.Warn("Failed to persist transaction record", "txn_id", r.ID, "error", err)
	}
	e.logger.Info("Transaction rolled back", "txn_id", r.ID, "snapshot", snap.id())
	return nil
}
