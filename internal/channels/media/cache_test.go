package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"log/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDownloadCachesByURL(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	cache, err := NewCache(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}

	url := srv.URL + "/photos/cat.png"
	first, err := cache.Download(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("first download: %v", err)
	}
	if filepath.Ext(first) != ".png" {
		t.Errorf("expected .png extension, got %s", first)
	}
	data, err := os.ReadFile(first)
	if err != nil {
		t.Fatalf("reading cached file: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Errorf("cached content mismatch: %q", data)
	}

	second, err := cache.Download(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("second download: %v", err)
	}
	if second != first {
		t.Errorf("expected same cache path, got %s and %s", first, second)
	}
	if hits.Load() != 1 {
		t.Errorf("expected exactly one fetch, got %d", hits.Load())
	}
}

func TestDownloadSendsHeaders(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte("file"))
	}))
	defer srv.Close()

	cache, err := NewCache(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer xoxb-test")
	if _, err := cache.Download(context.Background(), srv.URL+"/f.dat", header); err != nil {
		t.Fatalf("download: %v", err)
	}
	if gotAuth != "Bearer xoxb-test" {
		t.Errorf("expected bearer header, got %q", gotAuth)
	}
}

func TestDownloadNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	cache, err := NewCache(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	if _, err := cache.Download(context.Background(), srv.URL+"/missing.jpg", nil); err == nil {
		t.Fatal("expected error for 404 response")
	} else if !strings.Contains(err.Error(), "404") {
		t.Errorf("error should carry the status, got %v", err)
	}
}

func TestStoreIsContentAddressed(t *testing.T) {
	cache, err := NewCache(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}

	a, err := cache.Store([]byte("sticker"), ".webp")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	b, err := cache.Store([]byte("sticker"), ".webp")
	if err != nil {
		t.Fatalf("store again: %v", err)
	}
	if a != b {
		t.Errorf("same bytes should share a path: %s vs %s", a, b)
	}
	c, err := cache.Store([]byte("other"), ".webp")
	if err != nil {
		t.Fatalf("store other: %v", err)
	}
	if c == a {
		t.Error("different bytes should not collide")
	}
}

func TestDescriptionsPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stickers.json")

	d, err := LoadDescriptions(path)
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if _, ok := d.Get("file-1"); ok {
		t.Fatal("empty store should have no entries")
	}
	if err := d.Put("file-1", "a cartoon cat waving"); err != nil {
		t.Fatalf("put: %v", err)
	}

	reloaded, err := LoadDescriptions(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	text, ok := reloaded.Get("file-1")
	if !ok || text != "a cartoon cat waving" {
		t.Errorf("expected persisted description, got %q (ok=%v)", text, ok)
	}
}
