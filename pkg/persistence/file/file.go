// Package file provides a file-backed persistence implementation. Rows live in
// memory and every committed write rewrites a single JSON snapshot on disk.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dukex/devicehub/pkg/persistence"
	"github.com/dukex/devicehub/pkg/persistence/memory"
)

// SnapshotFile is the name of the snapshot inside the root directory.
const SnapshotFile = "devicehub.json"

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	*memory.Persistence

	root string
}

// NewPersistence opens (or creates) the snapshot under root. root may carry a
// file:// prefix.
func NewPersistence(root string) (*Persistence, error) {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	err := os.MkdirAll(cleanRoot, 0750)
	if err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	fp := &Persistence{root: cleanRoot}

	snapshot, err := fp.load()
	if err != nil {
		return nil, err
	}

	fp.Persistence = memory.NewPersistence(
		memory.WithSnapshot(snapshot),
		memory.WithChangeHook(fp.save),
	)

	return fp, nil
}

var _ persistence.Persistence = (*Persistence)(nil)

// HealthCheck checks that the root directory still exists.
func (fp *Persistence) HealthCheck(ctx context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return fp.Persistence.HealthCheck(ctx)
}

func (fp *Persistence) path() string {
	return filepath.Join(fp.root, SnapshotFile)
}

func (fp *Persistence) load() (*memory.Snapshot, error) {
	body, err := os.ReadFile(fp.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snapshot memory.Snapshot

	err = json.Unmarshal(body, &snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot %s: %w", fp.path(), err)
	}

	return &snapshot, nil
}

// save writes the snapshot to a temporary file and renames it into place so a
// crash never leaves a torn snapshot.
func (fp *Persistence) save(snapshot *memory.Snapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmp := fp.path() + ".tmp"

	err = os.WriteFile(tmp, data, 0600)
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	err = os.Rename(tmp, fp.path())
	if err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	return nil
}
