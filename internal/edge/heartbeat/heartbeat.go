// Package heartbeat persists the edge agent's last-known-good status to
// a small local file, written atomically so a concurrent reader (e.g. a
// health check script) never observes a partially written file.
package heartbeat

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Status is the heartbeat file's contents.
type Status struct {
	LastPollTS   time.Time `json:"last_poll_ts"`
	LastUploadTS time.Time `json:"last_upload_ts"`
	SpoolCount   int64     `json:"spool_count"`
	LastError    string    `json:"last_error,omitempty"`
}

// Write atomically replaces the heartbeat file at path with s, writing
// to a temp file in the same directory and renaming it into place so a
// reader never sees a truncated file.
func Write(path string, s Status) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("heartbeat: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".heartbeat-*.tmp")
	if err != nil {
		return fmt.Errorf("heartbeat: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("heartbeat: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("heartbeat: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("heartbeat: rename into place: %w", err)
	}
	return nil
}

// Read loads the heartbeat file at path.
func Read(path string) (Status, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Status{}, fmt.Errorf("heartbeat: read: %w", err)
	}
	var s Status
	if err := json.Unmarshal(data, &s); err != nil {
		return Status{}, fmt.Errorf("heartbeat: unmarshal: %w", err)
	}
	return s, nil
}
