package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"

	"github.com/cruciblehq/stagehand/internal/paths"
)

// Metadata stored next to each archived snapshot.
type diskEntry struct {
	Digest digest.Digest `json:"digest"` // Snapshot digest, verified on load.
	Config Config        `json:"config"` // Image configuration.
}

// A [Store] that persists snapshots as zstd-compressed tar archives under a
// directory.
//
// Each key maps to "<algorithm>/<hex>.tar.zst" plus a JSON sidecar. Both files
// are written atomically, the sidecar last, so a crash never leaves an entry
// that looks complete but is not. Entries whose content no longer matches
// the recorded digest are treated as misses.
type DiskStore struct {
	dir string // Root directory.
}

// Creates a new [DiskStore] rooted at dir, creating it if needed.
//
// An empty dir selects the default user cache location.
func NewDiskStore(dir string) (*DiskStore, error) {
	if dir == "" {
		dir = paths.Snapshots()
	}
	if err := os.MkdirAll(dir, paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}
	return &DiskStore{dir: dir}, nil
}

// Root directory of the store.
func (d *DiskStore) Dir() string {
	return d.dir
}

// Loads the snapshot stored under key.
func (d *DiskStore) Get(key digest.Digest) (*Snapshot, bool, error) {
	tarPath, metaPath, err := d.entryPaths(key)
	if err != nil {
		return nil, false, err
	}

	raw, err := os.ReadFile(metaPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrStore, err)
	}

	var meta diskEntry
	if err := json.Unmarshal(raw, &meta); err != nil {
		slog.Warn("discarding unreadable cache entry", "key", key, "error", err)
		return nil, false, nil
	}

	f, err := os.Open(tarPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrStore, err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrStore, err)
	}
	defer dec.Close()

	snap, err := FromTar(dec, meta.Config)
	if err != nil {
		slog.Warn("discarding unreadable cache entry", "key", key, "error", err)
		return nil, false, nil
	}
	if snap.Digest() != meta.Digest {
		slog.Warn("discarding corrupt cache entry", "key", key, "want", meta.Digest, "got", snap.Digest())
		return nil, false, nil
	}

	return snap, true, nil
}

// Persists snap under key.
func (d *DiskStore) Put(key digest.Digest, snap *Snapshot) error {
	tarPath, metaPath, err := d.entryPaths(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(tarPath), paths.DefaultDirMode); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}

	pending, err := renameio.NewPendingFile(tarPath, renameio.WithPermissions(paths.DefaultFileMode))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	defer pending.Cleanup()

	enc, err := zstd.NewWriter(pending, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	if err := snap.WriteTar(enc); err != nil {
		enc.Close()
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}

	meta, err := json.Marshal(diskEntry{Digest: snap.Digest(), Config: snap.Config()})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	if err := renameio.WriteFile(metaPath, meta, paths.DefaultFileMode); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}

	slog.Debug("cached snapshot", "key", key, "digest", snap.Digest())
	return nil
}

// Returns the archive and sidecar paths for key.
func (d *DiskStore) entryPaths(key digest.Digest) (string, string, error) {
	if err := key.Validate(); err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrStore, err)
	}
	base := filepath.Join(d.dir, key.Algorithm().String(), key.Encoded())
	return base + ".tar.zst", base + ".json", nil
}
