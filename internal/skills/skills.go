// Package skills loads a user-editable directory tree of markdown skills.
//
// The tree lives under the config root (default ~/.hermes/skills/). The first
// directory level is the category; any directory below it containing a
// SKILL.md is a skill. SKILL.md carries YAML frontmatter (name, description)
// followed by the markdown body, and may sit next to arbitrary linked files
// that skill_view exposes on request.
package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// SkillFilename is the manifest each skill directory must contain.
const SkillFilename = "SKILL.md"

const frontmatterDelimiter = "---"

// Skill is one entry in the tree. Content is loaded lazily by View.
type Skill struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Category    string `yaml:"-"`
	Path        string `yaml:"-"`
}

// Category groups skills by their first-level directory.
type Category struct {
	Name   string
	Skills int
}

// Library scans the tree once and serves reads from a cache until
// Invalidate (or the fsnotify watcher) drops it.
type Library struct {
	root   string
	logger *slog.Logger

	mu     sync.RWMutex
	byName map[string]*Skill
	loaded bool
}

// Option configures a Library.
type Option func(*Library)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Library) {
		if logger != nil {
			l.logger = logger.With("component", "skills")
		}
	}
}

// NewLibrary creates a library rooted at dir. The directory does not have
// to exist yet; an absent root is an empty library.
func NewLibrary(root string, opts ...Option) *Library {
	l := &Library{
		root:   root,
		logger: slog.Default().With("component", "skills"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Root returns the tree root.
func (l *Library) Root() string { return l.root }

// Invalidate drops the cache; the next read rescans the tree.
func (l *Library) Invalidate() {
	l.mu.Lock()
	l.loaded = false
	l.byName = nil
	l.mu.Unlock()
}

// Categories lists the first-level directories with their skill counts,
// sorted by name.
func (l *Library) Categories() ([]Category, error) {
	skills, err := l.all()
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, s := range skills {
		counts[s.Category]++
	}
	cats := make([]Category, 0, len(counts))
	for name, n := range counts {
		cats = append(cats, Category{Name: name, Skills: n})
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i].Name < cats[j].Name })
	return cats, nil
}

// List returns skill metadata, optionally filtered to one category,
// sorted by name. Content is not loaded.
func (l *Library) List(category string) ([]*Skill, error) {
	skills, err := l.all()
	if err != nil {
		return nil, err
	}
	out := make([]*Skill, 0, len(skills))
	for _, s := range skills {
		if category != "" && !strings.EqualFold(s.Category, category) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// View returns a skill and its SKILL.md body.
func (l *Library) View(name string) (*Skill, string, error) {
	s, err := l.lookup(name)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(filepath.Join(s.Path, SkillFilename))
	if err != nil {
		return nil, "", fmt.Errorf("read skill %s: %w", name, err)
	}
	_, body, err := splitFrontmatter(data)
	if err != nil {
		// No frontmatter; serve the raw document.
		body = data
	}
	return s, strings.TrimSpace(string(body)), nil
}

// ViewFile returns a linked file from inside a skill directory. The relative
// path may not escape the directory.
func (l *Library) ViewFile(name, rel string) (string, error) {
	s, err := l.lookup(name)
	if err != nil {
		return "", err
	}
	cleaned := filepath.Clean(rel)
	if cleaned == "." || filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("invalid skill file path %q", rel)
	}
	data, err := os.ReadFile(filepath.Join(s.Path, cleaned))
	if err != nil {
		return "", fmt.Errorf("read skill file: %w", err)
	}
	return string(data), nil
}

func (l *Library) lookup(name string) (*Skill, error) {
	skills, err := l.all()
	if err != nil {
		return nil, err
	}
	key := strings.ToLower(strings.TrimSpace(name))
	if s, ok := skills[key]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("skill not found: %s", name)
}

func (l *Library) all() (map[string]*Skill, error) {
	l.mu.RLock()
	if l.loaded {
		defer l.mu.RUnlock()
		return l.byName, nil
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loaded {
		return l.byName, nil
	}
	skills, err := scanTree(l.root, l.logger)
	if err != nil {
		return nil, err
	}
	l.byName = skills
	l.loaded = true
	return skills, nil
}

func scanTree(root string, logger *slog.Logger) (map[string]*Skill, error) {
	out := make(map[string]*Skill)
	info, err := os.Stat(root)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat skills root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("skills root is not a directory: %s", root)
	}

	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || path == root {
			return nil
		}
		manifest := filepath.Join(path, SkillFilename)
		if _, err := os.Stat(manifest); err != nil {
			return nil
		}
		skill, err := parseSkillFile(manifest)
		if err != nil {
			logger.Warn("skipping unparseable skill", "path", manifest, "error", err)
			return filepath.SkipDir
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr == nil {
			if parts := strings.Split(rel, string(filepath.Separator)); len(parts) > 0 {
				skill.Category = parts[0]
			}
		}
		key := strings.ToLower(skill.Name)
		if prev, ok := out[key]; ok {
			logger.Warn("duplicate skill name", "name", skill.Name, "kept", prev.Path, "ignored", path)
			return filepath.SkipDir
		}
		out[key] = skill
		// Nested skill directories are not supported below a manifest.
		return filepath.SkipDir
	})
	if err != nil {
		return nil, fmt.Errorf("scan skills tree: %w", err)
	}
	return out, nil
}

func parseSkillFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	skill := &Skill{Path: filepath.Dir(path)}
	front, _, err := splitFrontmatter(data)
	if err == nil {
		if err := yaml.Unmarshal(front, skill); err != nil {
			return nil, fmt.Errorf("parse frontmatter: %w", err)
		}
	}
	if skill.Name == "" {
		skill.Name = filepath.Base(skill.Path)
	}
	return skill, nil
}

// splitFrontmatter separates YAML frontmatter from the markdown body.
func splitFrontmatter(data []byte) (front, body []byte, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var frontLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		frontLines = append(frontLines, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan: %w", err)
	}
	return []byte(strings.Join(frontLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}
