// Package sessions persists the per-group agent session IDs so a fresh
// container can resume an earlier conversation.
package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"log/slog"
)

// Manager is a small persisted map of group folder → agent session ID.
type Manager struct {
	mu   sync.Mutex
	path string
	ids  map[string]string
}

// Load reads the session map from path. A missing file yields an empty map;
// a corrupt file is logged and replaced on the next save.
func Load(path string) *Manager {
	m := &Manager{path: path, ids: make(map[string]string)}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("session file unreadable, starting empty", "path", path, "error", err)
		}
		return m
	}
	if err := json.Unmarshal(data, &m.ids); err != nil {
		slog.Warn("session file corrupt, starting empty", "path", path, "error", err)
		m.ids = make(map[string]string)
	}
	return m
}

// Get returns the stored session ID for folder, or "".
func (m *Manager) Get(folder string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ids[folder]
}

// Set stores a session ID and saves the file. Empty IDs are ignored.
func (m *Manager) Set(folder, sessionID string) {
	if sessionID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ids[folder] == sessionID {
		return
	}
	m.ids[folder] = sessionID
	if err := m.saveLocked(); err != nil {
		slog.Warn("session save failed", "folder", folder, "error", err)
	}
}

// Forget drops the session for folder.
func (m *Manager) Forget(folder string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ids[folder]; !ok {
		return
	}
	delete(m.ids, folder)
	if err := m.saveLocked(); err != nil {
		slog.Warn("session save failed", "folder", folder, "error", err)
	}
}

func (m *Manager) saveLocked() error {
	data, err := json.MarshalIndent(m.ids, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}
