package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// snapshotFile is the on-disk form of the registry table.
type snapshotFile struct {
	Version int      `json:"version"`
	Entries []*Entry `json:"entries"`
}

const snapshotVersion = 1

// Open loads (or creates) a registry backed by a JSON snapshot at path.
// Every mutation rewrites the snapshot atomically, so a later process start
// resumes from the last committed table.
func Open(path string) (*Registry, error) {
	r := New()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating registry directory: %w", err)
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Fresh table.
	case err != nil:
		return nil, fmt.Errorf("reading registry snapshot: %w", err)
	default:
		var file snapshotFile
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("corrupt registry snapshot %s: %w", path, err)
		}
		for _, e := range file.Entries {
			if e.Descriptor == nil || e.Descriptor.Name == "" {
				return nil, fmt.Errorf("corrupt registry snapshot %s: entry without a name", path)
			}
			r.entries[e.Descriptor.Name] = e
		}
	}

	r.SetPersistence(func(entries []*Entry) error {
		return writeSnapshot(path, entries)
	})
	return r, nil
}

// writeSnapshot writes the table to a temp file and renames it into place,
// so readers never observe a torn snapshot.
func writeSnapshot(path string, entries []*Entry) error {
	data, err := json.MarshalIndent(snapshotFile{Version: snapshotVersion, Entries: entries}, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
