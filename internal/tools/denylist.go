package tools

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// The deny list guards files whose modification would compromise the host or
// leak credentials. Every file mutation made by a tool goes through
// CheckWrite before the write is issued; terminal commands on the local
// backend additionally go through CheckCommand, which catches writes implied
// by shell redirects.

var deniedExact = []string{
	"/etc/shadow",
	"/etc/passwd",
	"/etc/sudoers",
}

var deniedPrefixes = []string{
	"/etc/sudoers.d/",
	"/etc/systemd/",
}

var deniedBasenames = []string{
	".bashrc", ".zshrc", ".profile", ".bash_profile", ".zprofile",
	".netrc", ".npmrc", ".pypirc", ".pgpass",
	".env",
}

// Directories whose entire contents are protected wherever they appear.
var deniedDirs = []string{".ssh", ".aws", ".gnupg", ".kube"}

var redirectTargets = regexp.MustCompile(`(?:>>?\s*|\btee\s+(?:-a\s+)?|\bdd\b[^|;&]*\bof=)([^\s;|&<>]+)`)

// CheckWrite returns a ToolError when path is deny-listed. The path is
// home-expanded and cleaned but does not have to exist.
func CheckWrite(path string) error {
	p := normalizePath(path)
	if p == "" {
		return nil
	}

	for _, exact := range deniedExact {
		if p == exact {
			return Failf("denied", "writes to %s are blocked", exact)
		}
	}
	for _, prefix := range deniedPrefixes {
		if strings.HasPrefix(p, prefix) || p == strings.TrimSuffix(prefix, "/") {
			return Failf("denied", "writes under %s are blocked", prefix)
		}
	}

	base := filepath.Base(p)
	for _, b := range deniedBasenames {
		if base == b {
			return Failf("denied", "writes to %s files are blocked", b)
		}
	}

	for _, el := range strings.Split(p, string(filepath.Separator)) {
		for _, d := range deniedDirs {
			if el == d {
				return Failf("denied", "writes inside %s directories are blocked", d)
			}
		}
	}
	return nil
}

// CheckCommand scans a shell command for redirect or tee targets that hit
// the deny list.
func CheckCommand(command string) error {
	for _, m := range redirectTargets.FindAllStringSubmatch(command, -1) {
		target := strings.Trim(m[1], `"'`)
		if err := CheckWrite(target); err != nil {
			return err
		}
	}
	return nil
}

// Protected returns representative deny-listed paths, one per rule family.
// Tests iterate it to pin the closure property.
func Protected() []string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "/root"
	}
	return []string{
		"/etc/shadow",
		"/etc/passwd",
		"/etc/sudoers",
		"/etc/sudoers.d/99-agent",
		"/etc/systemd/system/evil.service",
		filepath.Join(home, ".bashrc"),
		filepath.Join(home, ".zshrc"),
		filepath.Join(home, ".profile"),
		filepath.Join(home, ".bash_profile"),
		filepath.Join(home, ".zprofile"),
		filepath.Join(home, ".netrc"),
		filepath.Join(home, ".npmrc"),
		filepath.Join(home, ".pypirc"),
		filepath.Join(home, ".pgpass"),
		filepath.Join(home, ".ssh", "authorized_keys"),
		filepath.Join(home, ".ssh", "id_ed25519"),
		filepath.Join(home, ".aws", "credentials"),
		filepath.Join(home, ".gnupg", "secring.gpg"),
		filepath.Join(home, ".kube", "config"),
		filepath.Join(home, ".hermes", ".env"),
	}
}

func normalizePath(path string) string {
	p := strings.TrimSpace(path)
	if p == "" {
		return ""
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil && home != "" {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return filepath.Clean(p)
}
