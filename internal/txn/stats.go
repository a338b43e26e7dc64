package txn

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Totals are the lifetime counters kept across transactions. They are
// advisory; losing them never affects correctness.
type Totals struct {
	Installed       int64     `json:"installed"`
	Updated         int64     `json:"updated"`
	Removed         int64     `json:"removed"`
	Transactions    int64     `json:"transactions"`
	BytesDownloaded int64     `json:"bytes_downloaded"`
	LastUpdateCheck time.Time `json:"last_update_check,omitempty"`
}

// Stats persists lifetime counters to a JSON file in the state
// directory. Saves are best effort: a write failure is logged and the
// counters keep accumulating in memory.
type Stats struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
	data   Totals
}

// LoadStats reads the counters file, starting from zero when it is
// missing or unreadable.
func LoadStats(path string, logger *slog.Logger) *Stats {
	s := &Stats{path: path, logger: logger}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("Failed to read stats file", "path", path, "error", err)
		}
		return s
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		logger.Warn("Stats file is corrupt, starting fresh", "path", path, "error", err)
		s.data = Totals{}
	}
	return s
}

// RecordCommit counts one committed transaction's operations.
func (s *Stats) RecordCommit(installed, updated, removed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Installed += int64(installed)
	s.data.Updated += int64(updated)
	s.data.Removed += int64(removed)
	s.data.Transactions++
	s.save()
}

// RecordDownload counts bytes fetched from repositories.
func (s *Stats) RecordDownload(bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.BytesDownloaded += bytes
	s.save()
}

// RecordUpdateCheck remembers when the catalog was last checked for
// updates.
func (s *Stats) RecordUpdateCheck(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.LastUpdateCheck = at
	s.save()
}

// Totals returns a copy of the current counters.
func (s *Stats) Totals() Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// save writes the counters atomically. Callers hold s.mu.
func (s *Stats) save() {
	if err := s.write(); err != nil {
		s.logger.Warn("Failed to save stats", "path", s.path, "error", err)
	}
}

func (s *Stats) write() (err error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(s.path), ".stats-*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempFile.Name())
		}
	}()

	if _, err := tempFile.Write(raw); err != nil {
		return fmt.Errorf("writing stats: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("syncing stats: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("closing stats: %w", err)
	}
	if err := os.Rename(tempFile.Name(), s.path); err != nil {
		return fmt.Errorf("replacing stats: %w", err)
	}
	tempFile = nil // rename now owns the file
	return nil
}
