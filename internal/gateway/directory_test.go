package gateway

import (
	"testing"

	"github.com/haasonsaas/hermes/internal/config"
)

func testDirectory() *Directory {
	return NewDirectory([]config.DirectoryEntry{
		{Platform: "discord", Name: "general", ChatID: "100", Guild: "work"},
		{Platform: "discord", Name: "general", ChatID: "200", Guild: "gaming"},
		{Platform: "discord", Name: "announcements", ChatID: "300"},
		{Platform: "slack", Name: "general", ChatID: "C01"},
	})
}

func TestDirectoryResolve(t *testing.T) {
	d := testDirectory()
	tests := []struct {
		name     string
		platform string
		query    string
		want     string
		found    bool
	}{
		{"exact", "slack", "general", "C01", true},
		{"case insensitive", "slack", "GENERAL", "C01", true},
		{"guild qualified", "discord", "gaming/general", "200", true},
		{"guild case insensitive", "discord", "Work/General", "100", true},
		{"unambiguous prefix", "discord", "ann", "300", true},
		{"ambiguous exact picks first match", "discord", "general", "100", true},
		{"wrong platform", "telegram", "general", "", false},
		{"unknown name", "slack", "random", "", false},
		{"empty", "slack", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := d.Resolve(tt.platform, tt.query)
			if ok != tt.found {
				t.Fatalf("Resolve(%s, %q) found = %v, want %v", tt.platform, tt.query, ok, tt.found)
			}
			if got != tt.want {
				t.Errorf("Resolve(%s, %q) = %q, want %q", tt.platform, tt.query, got, tt.want)
			}
		})
	}
}

func TestDirectoryAmbiguousPrefix(t *testing.T) {
	d := NewDirectory([]config.DirectoryEntry{
		{Platform: "discord", Name: "dev-backend", ChatID: "1"},
		{Platform: "discord", Name: "dev-frontend", ChatID: "2"},
	})
	if _, ok := d.Resolve("discord", "dev"); ok {
		t.Fatalf("ambiguous prefix should not resolve")
	}
	if id, ok := d.Resolve("discord", "dev-b"); !ok || id != "1" {
		t.Fatalf("unambiguous prefix: got (%q, %v)", id, ok)
	}
}
