// internal/ledger/backup.go
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"esimbot/internal/logger"
)

// autoBackupName is the single rolling slot overwritten after every
// fulfillment. It never counts against the manual retention limit.
const autoBackupName = "auto.json"

var ErrBackupNotFound = errors.New("backup not found")

// Snapshot copies the current persisted document to a timestamped file in the
// backup directory and returns the backup's label. In-memory state is not
// touched. An optional label is appended to the timestamp.
func (s *Store) Snapshot(label string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := time.Now().Format("20060102-150405")
	if label != "" {
		name += "_" + sanitizeLabel(label)
	}
	name += ".json"

	if err := s.copyLedgerLocked(name); err != nil {
		return "", err
	}
	logger.LogInfo("Snapshot written: %s", name)
	return name, nil
}

// SnapshotAuto maintains exactly one rolling automatic backup, overwriting
// the previous one. Intended to run after every fulfillment.
func (s *Store) SnapshotAuto() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.copyLedgerLocked(autoBackupName); err != nil {
		return err
	}
	logger.LogInfo("Automatic snapshot refreshed")
	return nil
}

func (s *Store) copyLedgerLocked(name string) error {
	// Persist current state first so the snapshot reflects it exactly.
	if err := s.saveLocked(); err != nil {
		return err
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("reading ledger for snapshot: %w", err)
	}
	if err := os.MkdirAll(s.backupDir, 0775); err != nil {
		return fmt.Errorf("creating backup directory: %w", err)
	}
	dest := filepath.Join(s.backupDir, name)
	if err := os.WriteFile(dest, raw, 0664); err != nil {
		return fmt.Errorf("writing snapshot %s: %w", name, err)
	}
	return nil
}

// Restore overwrites the live ledger file from the chosen backup and reloads
// in-memory state from it. Any unsaved live state is lost.
func (s *Store) Restore(label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := filepath.Join(s.backupDir, label)
	raw, err := os.ReadFile(src)
	if errors.Is(err, os.ErrNotExist) {
		return ErrBackupNotFound
	}
	if err != nil {
		return fmt.Errorf("reading backup %s: %w", label, err)
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parsing backup %s: %w", label, err)
	}

	if err := os.WriteFile(s.path, raw, 0664); err != nil {
		return fmt.Errorf("restoring ledger file: %w", err)
	}
	s.installLocked(doc)
	logger.LogInfo("Ledger restored from backup %s", label)
	return nil
}

// ListBackups returns backup file names, newest first. The automatic slot is
// listed last when present.
func (s *Store) ListBackups() ([]string, error) {
	entries, err := os.ReadDir(s.backupDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	var manual []string
	hasAuto := false
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if e.Name() == autoBackupName {
			hasAuto = true
			continue
		}
		manual = append(manual, e.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(manual)))
	if hasAuto {
		manual = append(manual, autoBackupName)
	}
	return manual, nil
}

// PruneBackups deletes the oldest manual snapshots beyond keep, returning how
// many were removed. The automatic slot is exempt.
func (s *Store) PruneBackups(keep int) (int, error) {
	names, err := s.ListBackups()
	if err != nil {
		return 0, err
	}

	var manual []string
	for _, n := range names {
		if n != autoBackupName {
			manual = append(manual, n)
		}
	}
	if len(manual) <= keep {
		return 0, nil
	}

	removed := 0
	for _, n := range manual[keep:] {
		if err := os.Remove(filepath.Join(s.backupDir, n)); err != nil {
			logger.LogWarn("Failed to prune backup %s: %v", n, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.LogInfo("Pruned %d old backups, keeping latest %d", removed, keep)
	}
	return removed, nil
}

func sanitizeLabel(label string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, label)
}
