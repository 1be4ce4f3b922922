package learning

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"forgeflow/internal/logging"

	"github.com/google/uuid"
)

// Backup errors.
var (
	ErrBackupNotFound = errors.New("backup not found")
	ErrBackupChecksum = errors.New("backup checksum mismatch")
)

// BackupRecord is an immutable snapshot of the mutable system state taken
// before an apply. Both checksums must verify before a restore is allowed.
type BackupRecord struct {
	ID        string          `json:"id"`
	ChangeID  string          `json:"change_id"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	State     json.RawMessage `json:"state"`
	MD5       string          `json:"md5"`
	SHA256    string          `json:"sha256"`
}

// BackupStore persists backups under <root>/backups with a retention
// window.
type BackupStore struct {
	mu        sync.Mutex
	dir       string
	retention time.Duration
}

// NewBackupStore opens the backup directory.
func NewBackupStore(root string, retention time.Duration) (*BackupStore, error) {
	dir := filepath.Join(root, "backups")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &BackupStore{dir: dir, retention: retention}, nil
}

// Create snapshots state for a change. The state must marshal to canonical
// JSON (map keys are emitted sorted), which makes the checksums stable.
func (b *BackupStore) Create(changeID string, state any) (*BackupRecord, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot state: %w", err)
	}

	now := time.Now()
	md5sum := md5.Sum(raw)
	shasum := sha256.Sum256(raw)
	rec := &BackupRecord{
		ID:        "bak-" + uuid.NewString(),
		ChangeID:  changeID,
		CreatedAt: now,
		ExpiresAt: now.Add(b.retention),
		State:     raw,
		MD5:       hex.EncodeToString(md5sum[:]),
		SHA256:    hex.EncodeToString(shasum[:]),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := writeBackupFile(filepath.Join(b.dir, rec.ID+".json"), rec); err != nil {
		return nil, err
	}

	logging.Learning("backup %s created for change %s (%d bytes)", rec.ID, changeID, len(raw))
	return rec, nil
}

// Load reads a backup by id without verifying checksums.
func (b *BackupStore) Load(id string) (*BackupRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loadLocked(id)
}

func (b *BackupStore) loadLocked(id string) (*BackupRecord, error) {
	data, err := os.ReadFile(filepath.Join(b.dir, id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("backup %s: %w", id, ErrBackupNotFound)
		}
		return nil, fmt.Errorf("failed to read backup %s: %w", id, err)
	}
	var rec BackupRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse backup %s: %w", id, err)
	}
	return &rec, nil
}

// FindByChange returns the newest backup for a change id.
func (b *BackupStore) FindByChange(changeID string) (*BackupRecord, error) {
	recs, err := b.list()
	if err != nil {
		return nil, err
	}
	var best *BackupRecord
	for _, rec := range recs {
		if rec.ChangeID != changeID {
			continue
		}
		if best == nil || rec.CreatedAt.After(best.CreatedAt) {
			best = rec
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no backup for change %s: %w", changeID, ErrBackupNotFound)
	}
	return best, nil
}

// Verify recomputes both checksums over the stored state.
func (rec *BackupRecord) Verify() error {
	md5sum := md5.Sum(rec.State)
	shasum := sha256.Sum256(rec.State)
	if hex.EncodeToString(md5sum[:]) != rec.MD5 || hex.EncodeToString(shasum[:]) != rec.SHA256 {
		return fmt.Errorf("backup %s: %w", rec.ID, ErrBackupChecksum)
	}
	return nil
}

// Restore returns the verified state bytes of a backup. A checksum mismatch
// aborts the restore.
func (b *BackupStore) Restore(id string) (json.RawMessage, error) {
	rec, err := b.Load(id)
	if err != nil {
		return nil, err
	}
	if err := rec.Verify(); err != nil {
		logging.Get(logging.CategoryLearning).Error("restore aborted: %v", err)
		return nil, err
	}
	logging.Learning("restoring state from backup %s (change %s)", rec.ID, rec.ChangeID)
	return rec.State, nil
}

// Purge deletes expired backups and returns how many were removed.
func (b *BackupStore) Purge(now time.Time) (int, error) {
	recs, err := b.list()
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for _, rec := range recs {
		if rec.ExpiresAt.After(now) {
			continue
		}
		if err := os.Remove(filepath.Join(b.dir, rec.ID+".json")); err == nil {
			removed++
		}
	}
	if removed > 0 {
		logging.Learning("purged %d expired backup(s)", removed)
	}
	return removed, nil
}

// List returns all backups, newest first.
func (b *BackupStore) List() ([]*BackupRecord, error) {
	recs, err := b.list()
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })
	return recs, nil
}

func (b *BackupStore) list() ([]*BackupRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	var out []*BackupRecord
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		rec, err := b.loadLocked(strings.TrimSuffix(name, ".json"))
		if err != nil {
			logging.Get(logging.CategoryLearning).Warn("skipping unreadable backup %s: %v", name, err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func writeBackupFile(path string, rec *BackupRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal backup: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit backup: %w", err)
	}
	return nil
}
