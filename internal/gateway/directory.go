package gateway

import (
	"strings"

	"github.com/haasonsaas/hermes/internal/config"
)

// Directory resolves human-friendly channel names from config into
// platform chat IDs, so tools and cron jobs can say "discord:general"
// instead of a numeric ID.
type Directory struct {
	entries []config.DirectoryEntry
}

// NewDirectory builds a directory from the configured entries.
func NewDirectory(entries []config.DirectoryEntry) *Directory {
	return &Directory{entries: entries}
}

// Resolve maps a name to a chat ID within one platform. Matching is
// case-insensitive: exact name first, then guild-qualified "guild/name",
// then an unambiguous prefix. An ambiguous prefix resolves to nothing.
func (d *Directory) Resolve(platform, name string) (string, bool) {
	want := strings.ToLower(strings.TrimSpace(name))
	if want == "" {
		return "", false
	}

	var prefixHit string
	prefixCount := 0
	for _, e := range d.entries {
		if !strings.EqualFold(e.Platform, platform) {
			continue
		}
		entryName := strings.ToLower(e.Name)
		if entryName == want {
			return e.ChatID, true
		}
		if e.Guild != "" && strings.ToLower(e.Guild)+"/"+entryName == want {
			return e.ChatID, true
		}
		if strings.HasPrefix(entryName, want) {
			prefixHit = e.ChatID
			prefixCount++
		}
	}
	if prefixCount == 1 {
		return prefixHit, true
	}
	return "", false
}
