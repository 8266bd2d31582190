package sandbox

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
)

// Manager owns one live backend per task id. A task's backend is created
// on first use, reused for every later command in that conversation, and
// destroyed on session end or explicit cleanup.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	snaps  *SnapshotStore

	mu       sync.Mutex
	backends map[string]Backend
}

// NewManager opens the snapshot store under the sandbox root and returns
// a manager for the configured backend kind.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	root := expandHome(cfg.Root)
	if root == "" {
		return nil, fmt.Errorf("sandbox root not configured")
	}
	snaps, err := OpenSnapshotStore(filepath.Join(root, "snapshots.json"))
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger.With("component", "sandbox"),
		snaps:    snaps,
		backends: make(map[string]Backend),
	}, nil
}

// ForTask returns the backend pinned to taskID, creating it on first use.
func (m *Manager) ForTask(taskID string) (Backend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.backends[taskID]; ok {
		return b, nil
	}
	b, err := newBackend(m.cfg, taskID, m.snaps, m.logger)
	if err != nil {
		return nil, err
	}
	m.backends[taskID] = b
	return b, nil
}

// CleanupTask destroys the backend for one task. Missing tasks are a
// no-op.
func (m *Manager) CleanupTask(taskID string) error {
	m.mu.Lock()
	b, ok := m.backends[taskID]
	delete(m.backends, taskID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return b.Cleanup()
}

// CleanupAll destroys every live backend. Used at shutdown.
func (m *Manager) CleanupAll() {
	m.mu.Lock()
	backends := m.backends
	m.backends = make(map[string]Backend)
	m.mu.Unlock()

	for taskID, b := range backends {
		if err := b.Cleanup(); err != nil {
			m.logger.Warn("sandbox cleanup failed", "task_id", taskID, "error", err)
		}
	}
}

// ExecForm returns the command as a backend will execute it, with the
// same sudo rewrite every backend applies before running. Approval
// detection scans this form so the gate and the backends agree on the
// command text.
func (m *Manager) ExecForm(command string) string {
	cmd, _ := rewriteSudo(command, "", m.cfg.SudoPassword)
	return cmd
}

// Snapshots exposes the persistence map, mainly for status commands.
func (m *Manager) Snapshots() *SnapshotStore {
	return m.snaps
}

// Kind returns the configured backend kind.
func (m *Manager) Kind() string {
	if m.cfg.Backend == "" {
		return BackendLocal
	}
	return m.cfg.Backend
}
