// Package sessionfile handles reading and writing the session cache file.
// The file stores the auth session alongside the persisted endpoint
// preference, so a restart resumes on the endpoint that last worked.
// This is a leaf package imported by the CLI wiring; the remote package
// only sees the persist callbacks.
package sessionfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/heyslab/heysync/internal/remote"
)

// FilePerms restricts session files to owner-only read/write. The file
// holds a refresh token, which is a long-lived credential.
const FilePerms = 0o600

// DirPerms is used when creating the data directory.
const DirPerms = 0o700

// File is the on-disk format of the session cache.
type File struct {
	Session  *remote.Session `json:"session,omitempty"`
	UseProxy bool            `json:"use_proxy,omitempty"`
}

// Load reads the session cache from disk. A missing file is not an
// error: it returns an empty File, the signed-out state.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &File{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("sessionfile: reading %s: %w", path, err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("sessionfile: decoding %s: %w", path, err)
	}

	return &f, nil
}

// Save writes the session cache to disk atomically (write-to-temp +
// rename) with 0600 permissions. Never logs token values.
func Save(path string, f *File) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("sessionfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("sessionfile: creating directory %s: %w", dir, mkErr)
	}

	// Atomic write: temp file in the same directory, then rename.
	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("sessionfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	// Clean up temp file on any error path.
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("sessionfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("sessionfile: writing: %w", err)
	}

	// Flush to stable storage before rename so a power loss between close
	// and rename cannot leave an empty or partial file at the final path.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sessionfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("sessionfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("sessionfile: renaming: %w", err)
	}

	success = true

	return nil
}

// Clear removes the session from the cache file while preserving the
// endpoint preference. Used on sign-out and on fatal auth rejections.
func Clear(path string) error {
	f, err := Load(path)
	if err != nil {
		// A corrupt cache should not block sign-out; start fresh.
		f = &File{}
	}

	f.Session = nil

	return Save(path, f)
}
