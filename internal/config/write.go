package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// configFilePermissions is the standard permission mode for config files.
// Owner read/write, group and others read-only.
const configFilePermissions = 0o644

// configDirPermissions is the standard permission mode for config directories.
const configDirPermissions = 0o755

// configTemplate is the default config file content written on first login.
// All settings are present as commented-out defaults so users can discover
// every option without reading docs. This template is written once and never
// regenerated — user modifications are preserved.
const configTemplate = `# heysync configuration

# Direct API endpoint (required unless HEYSYNC_ENDPOINT is set)
# endpoint = "https://project.example.co"

# Regional relay used when the direct endpoint stops answering
# proxy_endpoint = ""

# API key sent with every request (or set HEYSYNC_ANON_KEY)
# anon_key = ""

# Per-request timeout for data calls
# request_timeout = "15s"

# Timeout for connectivity probes
# health_timeout = "3s"

# Local mirror database path (default: platform data directory)
# db_path = ""

# Soft cap on the local mirror before tiered eviction kicks in
# capacity = "4.5MiB"

# Session cache path (default: platform data directory)
# session_file = ""

# Reconcile interval for 'heysync watch'
# periodic_interval = "5m"

# Subscribe to server-pushed change notifications in watch mode
# realtime = true

# Log file verbosity: debug, info, warn, error
# log_level = "info"

# Log file path (default: platform data directory)
# log_file = ""

# Log output format: auto, text, json
# log_format = "auto"

# Days of rotated log files to keep
# log_retention_days = 30
`

// WriteDefault creates a new config file from the commented template.
// Returns an error if the file already exists — the template must never
// clobber user edits.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}

	return atomicWriteFile(path, []byte(configTemplate))
}

// atomicWriteFile writes data to a temporary file in the same directory as
// path, then renames it to the target path. This prevents partial writes
// from corrupting the config file on crash. Parent directories are created
// as needed.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	// Clean up the temp file on any error path.
	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
