package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Checkpoint is the chain position after the last committed record.
type Checkpoint struct {
	Records uint64 `json:"records"`
	Hash    string `json:"hash"`
}

type CheckpointStore interface {
	Load() (Checkpoint, bool, error)
	Save(Checkpoint) error
}

// FileCheckpoint stores a checkpoint as JSON next to the audit log.
type FileCheckpoint struct {
	Path string
}

// CheckpointPath returns the conventional checkpoint path for a log file.
func CheckpointPath(logPath string) string {
	return logPath + ".checkpoint"
}

func (c FileCheckpoint) Load() (Checkpoint, bool, error) {
	data, err := os.ReadFile(c.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("invalid checkpoint %s: %w", c.Path, err)
	}
	return cp, true, nil
}

// Save writes atomically through a temp file and rename.
func (c FileCheckpoint) Save(cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.Path), 0o755); err != nil {
		return err
	}
	tmp := c.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, c.Path)
}
