package txn

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

const recordFile = "record.json"

// recordDir returns the per-transaction directory under transactionsDir.
func recordDir(transactionsDir string, id uint64) string {
	return filepath.Join(transactionsDir, strconv.FormatUint(id, 10))
}

// saveRecord persists a record, temp file then rename so a crash never
// leaves a truncated record behind.
func saveRecord(transactionsDir string, r *Record) error {
	dir := recordDir(transactionsDir, r.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating transaction directory: %w", err)
	}
	r.Updated = time.Now()

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding transaction record: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, ".record-*.tmp")
	if err != nil {
		return fmt.Errorf("writing transaction record: %w", err)
	}
	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempFile.Name())
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("writing transaction record: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("syncing transaction record: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("closing transaction record: %w", err)
	}

	name := tempFile.Name()
	tempFile = nil // rename now owns the file
	if err := os.Rename(name, filepath.Join(dir, recordFile)); err != nil {
		os.Remove(name)
		return fmt.Errorf("replacing transaction record: %w", err)
	}
	return nil
}

// loadRecord reads the record for one transaction id.
func loadRecord(transactionsDir string, id uint64) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(recordDir(transactionsDir, id), recordFile))
	if err != nil {
		return nil, fmt.Errorf("reading transaction %d record: %w", id, err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("transaction %d record is corrupt: %w", id, err)
	}
	if r.ID != id {
		return nil, fmt.Errorf("transaction record id mismatch: directory %d, record %d", id, r.ID)
	}
	return &r, nil
}

// listRecords returns every persisted record, newest id first. Entries
// that are not numeric directories are ignored.
func listRecords(transactionsDir string) ([]*Record, error) {
	dirEntries, err := os.ReadDir(transactionsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading transactions directory: %w", err)
	}

	var records []*Record
	for _, entry := range dirEntries {
		if !entry.IsDir() {
			continue
		}
		id, err := strconv.ParseUint(entry.Name(), 10, 64)
		if err != nil {
			continue
		}
		r, err := loadRecord(transactionsDir, id)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].ID > records[j].ID })
	return records, nil
}
