package rdb

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
)

// WriteFile atomically writes an encoded snapshot to path using a temp
// file in the same directory followed by a rename, so readers never
// observe a torn file.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, "rdb-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename snapshot into place: %w", err)
	}

	return nil
}

// ParseFile parses the snapshot at path into h. A missing file is not an
// error: the keyspace simply starts empty, and ok reports false.
func ParseFile(path string, h Handler) (ok bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	if err := Parse(f, h); err != nil {
		return false, fmt.Errorf("snapshot %s: %w", path, err)
	}
	return true, nil
}

// ParseBytes parses an in-memory snapshot, as received during a full
// resynchronization
func ParseBytes(data []byte, h Handler) error {
	return Parse(bytes.NewReader(data), h)
}
