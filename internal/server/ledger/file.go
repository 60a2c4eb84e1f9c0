package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FilePersister keeps the ledger as a single JSON document. Every Persist
// rewrites the whole document through a temp file and a rename, so a crash
// leaves either the old or the new ledger on disk.
type FilePersister struct {
	path string
}

// NewFilePersister creates a persister writing to path.
func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

// Path returns the ledger file location.
func (fp *FilePersister) Path() string {
	return fp.path
}

// Load reads the ledger file. A missing file is an empty ledger.
func (fp *FilePersister) Load(_ context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(fp.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewSnapshot(), nil
		}
		return nil, fmt.Errorf("failed to read ledger %s: %w", fp.path, err)
	}

	snap := NewSnapshot()
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("failed to parse ledger %s: %w", fp.path, err)
	}
	return snap, nil
}

// Persist writes the full snapshot atomically.
func (fp *FilePersister) Persist(_ context.Context, snap *Snapshot, _ Change) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}

	dir := filepath.Dir(fp.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create ledger directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(fp.path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp ledger: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp ledger: %w", err)
	}

	if err := os.Rename(tmpPath, fp.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace ledger %s: %w", fp.path, err)
	}
	return nil
}

// Close is a no-op; the file is not held open between writes.
func (fp *FilePersister) Close() error { return nil }
