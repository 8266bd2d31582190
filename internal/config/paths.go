package config

import (
	"os"
	"path/filepath"
)

// Paths locates everything under the hermes home directory.
type Paths struct {
	// Root is the hermes home, default ~/.hermes, overridable with HERMES_HOME.
	Root string

	ConfigFile    string // config.yaml (or .json5 sibling)
	EnvFile       string // .env secrets
	DBPath        string // state.db session store
	SessionsDir   string // JSONL transcript mirrors
	SkillsDir     string // markdown skill tree
	CronFile      string // cron/jobs.json
	SandboxesDir  string // per-backend workspaces and overlays
	LogsDir       string // process logs
	HooksDir      string // hook discovery root
	MediaCacheDir string // downloaded platform media
	ApprovalsFile string // permanent dangerous-command allowlist
	HomesFile     string // per-platform home channels set via /sethome
}

// DefaultHome resolves the hermes home directory.
func DefaultHome() string {
	if home := os.Getenv("HERMES_HOME"); home != "" {
		return home
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return ".hermes"
	}
	return filepath.Join(userHome, ".hermes")
}

// NewPaths builds the path set rooted at root. Empty root means DefaultHome.
func NewPaths(root string) Paths {
	if root == "" {
		root = DefaultHome()
	}
	return Paths{
		Root:          root,
		ConfigFile:    filepath.Join(root, "config.yaml"),
		EnvFile:       filepath.Join(root, ".env"),
		DBPath:        filepath.Join(root, "state.db"),
		SessionsDir:   filepath.Join(root, "sessions"),
		SkillsDir:     filepath.Join(root, "skills"),
		CronFile:      filepath.Join(root, "cron", "jobs.json"),
		SandboxesDir:  filepath.Join(root, "sandboxes"),
		LogsDir:       filepath.Join(root, "logs"),
		HooksDir:      filepath.Join(root, "hooks"),
		MediaCacheDir: filepath.Join(root, "media"),
		ApprovalsFile: filepath.Join(root, "approvals.yaml"),
		HomesFile:     filepath.Join(root, "homes.json"),
	}
}

// Ensure creates the directories hermes writes into. Files are created
// lazily by their owners.
func (p Paths) Ensure() error {
	dirs := []string{
		p.Root,
		p.SessionsDir,
		p.SkillsDir,
		filepath.Dir(p.CronFile),
		p.SandboxesDir,
		p.LogsDir,
		p.HooksDir,
		p.MediaCacheDir,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
