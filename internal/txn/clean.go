package txn

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// CleanOptions bound what Clean removes.
type CleanOptions struct {
	// RetainFor keeps archives and records younger than this. Zero
	// removes everything the other rules allow.
	RetainFor time.Duration

	// MaxCacheBytes caps the archive cache after age pruning, dropping
	// the oldest archives first. Zero means no cap.
	MaxCacheBytes int64
}

// CleanResult reports what Clean removed.
type CleanResult struct {
	ArchivesRemoved int   `json:"archives_removed"`
	BytesFreed      int64 `json:"bytes_freed"`
	RecordsRemoved  int   `json:"records_removed"`
}

// Clean prunes the archive cache and finished transaction records. It
// runs under the commit lock so a committing transaction never loses its
// archive mid-extract. Failed transactions that still hold a snapshot
// are kept; they remain eligible for rollback.
func (e *Engine) Clean(ctx context.Context, opts CleanOptions) (CleanResult, error) {
	var res CleanResult

	lock, err := e.acquireCommitLock(ctx)
	if err != nil {
		return res, err
	}
	defer lock.Release()

	if err := e.cleanArchives(ctx, opts, &res); err != nil {
		return res, err
	}
	if err := e.cleanRecords(ctx, opts, &res); err != nil {
		return res, err
	}

	e.logger.Info("Cache cleaned",
		"archives_removed", res.ArchivesRemoved,
		"bytes_freed", res.BytesFreed,
		"records_removed", res.RecordsRemoved)
	return res, nil
}

type cacheEntry struct {
	path    string
	size    int64
	modTime time.Time
}

func (e *Engine) cleanArchives(ctx context.Context, opts CleanOptions, res *CleanResult) error {
	dir := filepath.Join(e.opts.CacheDir, "archives")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading archive cache: %w", err)
	}

	cutoff := time.Now().Add(-opts.RetainFor)
	var kept []cacheEntry
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := entry.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		ce := cacheEntry{
			path:    filepath.Join(dir, entry.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		}
		if ce.modTime.Before(cutoff) {
			if err := os.Remove(ce.path); err != nil {
				return fmt.Errorf("removing %s: %w", entry.Name(), err)
			}
			res.ArchivesRemoved++
			res.BytesFreed += ce.size
			continue
		}
		kept = append(kept, ce)
	}

	if opts.MaxCacheBytes <= 0 {
		return nil
	}
	var total int64
	for _, ce := range kept {
		total += ce.size
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].modTime.Before(kept[j].modTime) })
	for _, ce := range kept {
		if total <= opts.MaxCacheBytes {
			break
		}
		if err := os.Remove(ce.path); err != nil {
			return fmt.Errorf("removing %s: %w", filepath.Base(ce.path), err)
		}
		total -= ce.size
		res.ArchivesRemoved++
		res.BytesFreed += ce.size
	}
	return nil
}

func (e *Engine) cleanRecords(ctx context.Context, opts CleanOptions, res *CleanResult) error {
	records, err := listRecords(e.transactionsDir())
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-opts.RetainFor)
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !r.State.Terminal() {
			continue
		}
		if r.State == StateFailed && r.SnapshotID != "" {
			continue
		}
		if r.Updated.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(recordDir(e.transactionsDir(), r.ID)); err != nil {
			return fmt.Errorf("removing transaction %d record: %w", r.ID, err)
		}
		res.RecordsRemoved++
	}
	return nil
}
