package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"marketsync/internal/domain"
)

const snapshotPattern = "watchlist_%d_%d.json"

// Snapshot is the last confirmed watchlist of one user, kept for offline
// display. It is never treated as authoritative.
type Snapshot struct {
	Seq    uint64                 `json:"seq"`   // Monotonic save counter
	TsUnix int64                  `json:"ts"`    // Unix seconds
	Owner  string                 `json:"owner"` // User ID the items belong to
	Items  []domain.WatchlistItem `json:"items"`
}

// SnapshotManager saves and loads watchlist snapshots in a directory.
type SnapshotManager struct {
	dir string
}

// NewSnapshotManager creates a new snapshot manager.
func NewSnapshotManager(dir string) *SnapshotManager {
	return &SnapshotManager{dir: dir}
}

// NewSnapshot copies items so later mutation of the live list does not leak
// into the snapshot.
func NewSnapshot(seq uint64, owner string, items []domain.WatchlistItem) *Snapshot {
	cp := make([]domain.WatchlistItem, len(items))
	copy(cp, items)
	return &Snapshot{
		Seq:    seq,
		TsUnix: time.Now().Unix(),
		Owner:  owner,
		Items:  cp,
	}
}

// Save writes a snapshot to disk.
func (sm *SnapshotManager) Save(snap *Snapshot) error {
	if err := os.MkdirAll(sm.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	path := filepath.Join(sm.dir, fmt.Sprintf(snapshotPattern, snap.Seq, snap.TsUnix))

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	slog.Debug("Watchlist snapshot saved",
		slog.Uint64("seq", snap.Seq),
		slog.Int("items", len(snap.Items)),
		slog.String("path", path))
	return nil
}

// LoadLatest returns the newest snapshot, or nil when none exists.
func (sm *SnapshotManager) LoadLatest() (*Snapshot, error) {
	files, err := sm.list()
	if err != nil || len(files) == 0 {
		return nil, err
	}

	data, err := os.ReadFile(files[0].path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Cleanup removes old snapshots, keeping only the latest N.
func (sm *SnapshotManager) Cleanup(keepCount int) error {
	files, err := sm.list()
	if err != nil {
		return err
	}
	if len(files) <= keepCount {
		return nil
	}

	for _, f := range files[keepCount:] {
		if err := os.Remove(f.path); err != nil {
			slog.Warn("Failed to remove old snapshot", slog.String("path", f.path), slog.Any("error", err))
		}
	}
	return nil
}

// Purge removes every snapshot. Called on sign-out so the next user never
// sees the previous user's list.
func (sm *SnapshotManager) Purge() error {
	files, err := sm.list()
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove snapshot: %w", err)
		}
	}
	if len(files) > 0 {
		slog.Info("Watchlist snapshots purged", slog.Int("count", len(files)))
	}
	return nil
}

type snapFile struct {
	path string
	seq  uint64
	ts   int64
}

// list returns snapshot files newest first.
func (sm *SnapshotManager) list() ([]snapFile, error) {
	entries, err := os.ReadDir(sm.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot dir: %w", err)
	}

	var files []snapFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var f snapFile
		if _, err := fmt.Sscanf(entry.Name(), snapshotPattern, &f.seq, &f.ts); err != nil {
			continue
		}
		f.path = filepath.Join(sm.dir, entry.Name())
		files = append(files, f)
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].seq != files[j].seq {
			return files[i].seq > files[j].seq
		}
		return files[i].ts > files[j].ts
	})
	return files, nil
}
