// Package marker persists the local metadata marker that records a completed
// bootstrap. Its presence is what lets a restart trust an existing slot.
package marker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ErrNotFound is returned by Read when no marker exists.
var ErrNotFound = errors.New("metadata marker not found")

// State is the marker payload.
type State struct {
	Slot        string    `json:"slot"`
	Publication string    `json:"publication"`
	LSN         string    `json:"lsn"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Exists reports whether a marker is present at path. Only a missing file
// counts as absent; any other stat failure is returned.
func Exists(path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat metadata marker: %w", err)
	}
	if info.IsDir() {
		return false, fmt.Errorf("metadata marker %s is a directory", path)
	}
	return true, nil
}

// Read loads the marker at path.
func Read(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, ErrNotFound
		}
		return State{}, fmt.Errorf("read metadata marker: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("decode metadata marker: %w", err)
	}
	return state, nil
}

// Write replaces the marker at path. The file is written next to the target
// and renamed into place so a crash never leaves a partial marker.
func Write(path string, state State) error {
	if path == "" {
		return errors.New("metadata path is required")
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}
	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata marker: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create metadata temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write metadata marker: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync metadata marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close metadata marker: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename metadata marker: %w", err)
	}
	return nil
}

// Remove deletes the marker. A missing marker is not an error.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove metadata marker: %w", err)
	}
	return nil
}
