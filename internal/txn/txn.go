// Package txn is the transaction engine: it turns resolver plans into
// atomic installs and removals with snapshot-based rollback.
//
// A transaction moves built -> prepared -> committed. Prepare resolves,
// downloads and verifies archives, checks disk space, and takes a snapshot;
// the catalog stays untouched. Commit applies the plan under the global
// commit lock, extracting to a staging directory and flipping the catalog
// last, so no observer ever sees an installed package whose files are not
// in place. Any commit failure rolls the snapshot back automatically.
package txn

import (
	"errors"
	"fmt"
	"time"

	"github.com/raeenos/raepkg/internal/models"
)

var (
	// ErrDiskFull indicates the install root cannot hold the plan's
	// payload plus the safety margin.
	ErrDiskFull = errors.New("not enough disk space")

	// ErrState indicates an operation invoked in a state that does not
	// permit it.
	ErrState = errors.New("invalid transaction state")
)

// State is a transaction lifecycle phase.
type State string

const (
	StateBuilt      State = "built"
	StatePrepared   State = "prepared"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled-back"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transitions are possible. A failed
// transaction with a retained snapshot may still be rolled back manually.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack || s == StateFailed
}

// Op is the user-visible kind of one transaction operation.
type Op string

const (
	OpInstall   Op = "install"
	OpUpdate    Op = "update"
	OpRemove    Op = "remove"
	OpDowngrade Op = "downgrade"
)

// Operation is one entry of a transaction's operation list. An update or
// downgrade carries the version it replaces in From.
type Operation struct {
	Op      Op                   `json:"op"`
	Name    string               `json:"name"`
	Version string               `json:"version"`
	From    string               `json:"from,omitempty"`
	Reason  models.InstallReason `json:"reason,omitempty"`
}

func (o Operation) String() string {
	switch o.Op {
	case OpUpdate, OpDowngrade:
		return fmt.Sprintf("%s %s %s -> %s", o.Op, o.Name, o.From, o.Version)
	default:
		return fmt.Sprintf("%s %s %s", o.Op, o.Name, o.Version)
	}
}

// Progress tracks how far a transaction has come, for status displays and
// the persisted record.
type Progress struct {
	CurrentStep  int   `json:"current_step"`
	TotalSteps   int   `json:"total_steps"`
	BytesFetched int64 `json:"bytes_fetched"`
	BytesTotal   int64 `json:"bytes_total"`
}

// Record is the durable form of a transaction, one JSON file per id under
// the transactions directory. It survives the process so interrupted
// commits can be found and rolled back on the next start.
type Record struct {
	ID         uint64      `json:"id"`
	State      State       `json:"state"`
	Created    time.Time   `json:"created"`
	Updated    time.Time   `json:"updated"`
	Requests   []string    `json:"requests"`
	Operations []Operation `json:"operations,omitempty"`
	SnapshotID string      `json:"snapshot_id,omitempty"`

	// CommitStarted is set just before the first operation applies;
	// a prepared record with this set marks an interrupted commit.
	CommitStarted time.Time `json:"commit_started,omitempty"`

	FailedPhase string   `json:"failed_phase,omitempty"`
	Error       string   `json:"error,omitempty"`
	Progress    Progress `json:"progress"`
}
