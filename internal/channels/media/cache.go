// Package media caches platform attachments on disk so adapters can
// hand the agent local file paths instead of short-lived URLs.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"
)

// Cache stores downloaded files keyed by the hash of their source URL.
// Downloads complete before the owning message is handed to the agent,
// so tool calls can read the files without racing the fetch.
type Cache struct {
	dir    string
	client *http.Client
	logger *slog.Logger
}

// NewCache creates the cache directory if needed.
func NewCache(dir string, logger *slog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating media cache dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		dir:    dir,
		client: &http.Client{Timeout: 60 * time.Second},
		logger: logger.With("component", "media"),
	}, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Download fetches rawURL into the cache and returns the local path.
// A previously downloaded URL is reused without refetching. The header
// is applied to the request, which lets adapters pass bearer tokens
// for authenticated file hosts.
func (c *Cache) Download(ctx context.Context, rawURL string, header http.Header) (string, error) {
	sum := sha256.Sum256([]byte(rawURL))
	name := hex.EncodeToString(sum[:16])
	ext := extFromURL(rawURL)

	dest := filepath.Join(c.dir, name+ext)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("building download request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading %s: status %d", rawURL, resp.StatusCode)
	}

	if ext == "" {
		if e := extFromContentType(resp.Header.Get("Content-Type")); e != "" {
			dest = filepath.Join(c.dir, name+e)
			if _, err := os.Stat(dest); err == nil {
				return dest, nil
			}
		}
	}

	tmp, err := os.CreateTemp(c.dir, "dl-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("writing %s: %w", dest, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("placing %s: %w", dest, err)
	}

	c.logger.Debug("cached media", "url", rawURL, "path", dest, "bytes", n)
	return dest, nil
}

// Store writes data under its content hash and returns the path.
func (c *Cache) Store(data []byte, ext string) (string, error) {
	sum := sha256.Sum256(data)
	dest := filepath.Join(c.dir, hex.EncodeToString(sum[:16])+ext)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", fmt.Errorf("storing media: %w", err)
	}
	return dest, nil
}

func extFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	ext := path.Ext(u.Path)
	if len(ext) > 8 {
		return ""
	}
	return ext
}

func extFromContentType(ct string) string {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	exts, err := mime.ExtensionsByType(mt)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}

// Descriptions persists generated media descriptions keyed by the
// platform's stable file ID, so a repeated sticker is described once.
type Descriptions struct {
	mu      sync.Mutex
	path    string
	entries map[string]string
}

// LoadDescriptions reads the description store at path. A missing file
// yields an empty store.
func LoadDescriptions(path string) (*Descriptions, error) {
	d := &Descriptions{
		path:    path,
		entries: make(map[string]string),
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading descriptions: %w", err)
	}
	if err := json.Unmarshal(data, &d.entries); err != nil {
		return nil, fmt.Errorf("parsing descriptions %s: %w", path, err)
	}
	return d, nil
}

// Get returns the stored description for a file ID.
func (d *Descriptions) Get(id string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	text, ok := d.entries[id]
	return text, ok
}

// Put stores a description and saves the file.
func (d *Descriptions) Put(id, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[id] = text

	data, err := json.MarshalIndent(d.entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return err
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, d.path)
}
