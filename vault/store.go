// File: vault/store.go
package vault

import (
	"Beekeeper/utilities"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	snapshotPrefix = "wallets_"
	snapshotSuffix = ".json"
)

// Store is the append-only snapshot log: one JSON file per snapshot, named by
// creation time so lexical order is creation order. Files are written once
// and never touched again.
type Store struct {
	dir    string
	logger *utilities.Logger
}

// NewStore creates the snapshot directory if needed and returns the store.
func NewStore(dir string, logger *utilities.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: snapshot directory not configured", ErrStoreWrite)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create snapshot dir %s: %v", ErrStoreWrite, dir, err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Append durably writes one snapshot and returns its path. The write is
// atomic: the file is staged in the same directory, fsynced, then renamed,
// so a reader never observes a partial snapshot. Callers must treat an error
// as fatal for the operation that produced the snapshot.
func (s *Store) Append(snap Snapshot) (string, error) {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	if snap.SchemaVersion == 0 {
		snap.SchemaVersion = CurrentSchemaVersion
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: marshal snapshot: %v", ErrStoreWrite, err)
	}

	name := fmt.Sprintf("%s%d%s", snapshotPrefix, snap.CreatedAt.UnixNano(), snapshotSuffix)
	final := filepath.Join(s.dir, name)

	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("%w: create temp file: %v", ErrStoreWrite, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: write %s: %v", ErrStoreWrite, tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: sync %s: %v", ErrStoreWrite, tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: close %s: %v", ErrStoreWrite, tmpName, err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: rename to %s: %v", ErrStoreWrite, final, err)
	}

	s.logger.LogInfo("SnapshotStore: Appended snapshot %s (%d worker(s), owner=%t).", name, len(snap.Workers), snap.Owner != nil)
	return final, nil
}

// ListAll returns every parseable snapshot, newest first. A single corrupt
// or unparseable file is logged and skipped; only a directory-level failure
// is an error.
func (s *Store) ListAll() ([]Snapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read snapshot dir %s: %v", ErrStoreRead, s.dir, err)
	}

	var snaps []Snapshot
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}
		path := filepath.Join(s.dir, name)
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			s.logger.LogWarn("SnapshotStore: Skipping unreadable snapshot %s: %v", name, readErr)
			continue
		}
		snap, parseErr := parseSnapshot(name, data)
		if parseErr != nil {
			s.logger.LogWarn("SnapshotStore: Skipping corrupt snapshot %s: %v", name, parseErr)
			continue
		}
		snaps = append(snaps, snap)
	}

	sort.SliceStable(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
	})
	return snaps, nil
}

// rawSnapshot tolerates the legacy on-disk shapes: a "wallets" key instead of
// "workers", no owner, no schema version, and second-resolution timestamps.
type rawSnapshot struct {
	CreatedAt     time.Time  `json:"created_at"`
	CreatedAtUnix int64      `json:"created_at_unix"`
	Owner         *Identity  `json:"owner"`
	Workers       []Identity `json:"workers"`
	Wallets       []Identity `json:"wallets"`
	SchemaVersion int        `json:"schema_version"`
	Origin        string     `json:"origin"`
}

func parseSnapshot(name string, data []byte) (Snapshot, error) {
	var raw rawSnapshot
	if err := json.Unmarshal(data, &raw); err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		CreatedAt:     raw.CreatedAt,
		Owner:         raw.Owner,
		Workers:       raw.Workers,
		SchemaVersion: raw.SchemaVersion,
		Origin:        raw.Origin,
	}
	if len(snap.Workers) == 0 && len(raw.Wallets) > 0 {
		snap.Workers = raw.Wallets
	}
	if snap.CreatedAt.IsZero() && raw.CreatedAtUnix > 0 {
		snap.CreatedAt = time.Unix(raw.CreatedAtUnix, 0).UTC()
	}
	if snap.CreatedAt.IsZero() {
		// Last resort: the filename carries the creation time in nanoseconds.
		if ns := timestampFromName(name); ns > 0 {
			snap.CreatedAt = time.Unix(0, ns).UTC()
		}
	}
	if snap.CreatedAt.IsZero() {
		return Snapshot{}, fmt.Errorf("snapshot has no creation timestamp")
	}
	return snap, nil
}

func timestampFromName(name string) int64 {
	raw := strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), snapshotSuffix)
	ns, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return ns
}
