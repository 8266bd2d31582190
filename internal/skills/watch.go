package skills

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 250 * time.Millisecond

// Watch invalidates the cache whenever anything under the root changes.
// It returns immediately; the watcher runs until ctx is cancelled or Close.
// A missing root disables watching without error (it is created on demand
// by the operator, and the next process restart picks it up).
func (l *Library) Watch(ctx context.Context) error {
	if _, err := os.Stat(l.root); err != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the root and every existing subdirectory. New directories are
	// added as their create events arrive.
	err = filepath.WalkDir(l.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if err := watcher.Add(path); err != nil {
			l.logger.Debug("watch add failed", "path", path, "error", err)
		}
		return nil
	})
	if err != nil {
		watcher.Close()
		return err
	}

	go l.watchLoop(ctx, watcher)
	return nil
}

func (l *Library) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	var mu sync.Mutex
	var timer *time.Timer
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			l.Invalidate()
			l.logger.Debug("skills cache invalidated")
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := watcher.Add(event.Name); err != nil {
						l.logger.Debug("watch add failed", "path", event.Name, "error", err)
					}
				}
			}
			schedule()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("skills watch error", "error", err)
		}
	}
}
