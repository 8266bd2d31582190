package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Snapshot records durable filesystem state for one task so the next
// backend creation can restore it.
type Snapshot struct {
	TaskID  string `json:"task_id"`
	Backend string `json:"backend"`
	// Path is a host directory holding the writable layer (docker
	// workspace or singularity overlay).
	Path string `json:"path,omitempty"`
	// SandboxID identifies a provider-side environment kept alive for
	// the cloud backend.
	SandboxID string    `json:"sandbox_id,omitempty"`
	SavedAt   time.Time `json:"saved_at"`
}

// SnapshotStore is a durable task_id -> snapshot map backed by a JSON
// file under the sandbox root.
type SnapshotStore struct {
	mu      sync.Mutex
	path    string
	entries map[string]Snapshot
}

// OpenSnapshotStore loads the store at path, creating an empty one when
// the file does not exist.
func OpenSnapshotStore(path string) (*SnapshotStore, error) {
	s := &SnapshotStore{path: path, entries: map[string]Snapshot{}}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot store: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		return nil, fmt.Errorf("parsing snapshot store %s: %w", path, err)
	}
	return s, nil
}

// Get returns the snapshot for a task, if any.
func (s *SnapshotStore) Get(taskID string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.entries[taskID]
	return snap, ok
}

// Put records a snapshot and persists the map.
func (s *SnapshotStore) Put(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now().UTC()
	}
	s.entries[snap.TaskID] = snap
	return s.saveLocked()
}

// Delete removes a task's snapshot and persists the map.
func (s *SnapshotStore) Delete(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[taskID]; !ok {
		return nil
	}
	delete(s.entries, taskID)
	return s.saveLocked()
}

func (s *SnapshotStore) saveLocked() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
