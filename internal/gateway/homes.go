package gateway

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/haasonsaas/hermes/pkg/models"
)

// Homes maps each platform to its home channel, the default delivery
// target for outbound sends that name only a platform. State persists in
// a JSON file so /sethome survives restarts.
type Homes struct {
	mu   sync.Mutex
	path string
	byPF map[models.Source]string
}

// LoadHomes reads the homes file. A missing file starts empty.
func LoadHomes(path string) (*Homes, error) {
	h := &Homes{path: path, byPF: make(map[models.Source]string)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return h, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading homes file: %w", err)
	}
	if err := json.Unmarshal(data, &h.byPF); err != nil {
		return nil, fmt.Errorf("parsing homes file %s: %w", path, err)
	}
	return h, nil
}

// Get returns the platform's home chat ID.
func (h *Homes) Get(platform models.Source) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.byPF[platform]
	return id, ok
}

// Set records the platform's home chat and persists immediately.
func (h *Homes) Set(platform models.Source, chatID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byPF[platform] = chatID
	return h.save()
}

func (h *Homes) save() error {
	data, err := json.MarshalIndent(h.byPF, "", "  ")
	if err != nil {
		return err
	}
	tmp := h.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, h.path)
}
