package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
)

// The browser tool is the reference optional tool: it registers like any
// other entry but only appears in schemas when HERMES_BROWSER_ENABLED is
// set, so configs that never mention it pay nothing.

var browserSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "url": {"type": "string", "description": "Page to capture."},
    "full_page": {"type": "boolean", "description": "Capture the whole page instead of the viewport."},
    "wait_seconds": {"type": "integer", "minimum": 0, "maximum": 30, "description": "Extra settle time after load."}
  },
  "required": ["url"]
}`)

func runBrowserScreenshot(ctx context.Context, args map[string]any, inv *Invocation) (string, error) {
	url, _ := args["url"].(string)
	if strings.TrimSpace(url) == "" {
		return "", Failf("invalid_arguments", "url is required")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "https://" + url
	}
	fullPage, _ := args["full_page"].(bool)

	dir := os.TempDir()
	if inv != nil && inv.MediaDir != "" {
		dir = normalizePath(inv.MediaDir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", Failf("write", "media dir: %v", err)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	allocCtx, allocCancel := chromedp.NewExecAllocator(runCtx, chromedp.DefaultExecAllocatorOptions[:]...)
	defer allocCancel()
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	actions := []chromedp.Action{chromedp.Navigate(url)}
	if secs, ok := numberArg(args, "wait_seconds"); ok && secs > 0 {
		actions = append(actions, chromedp.Sleep(time.Duration(secs)*time.Second))
	}

	var shot []byte
	if fullPage {
		actions = append(actions, chromedp.FullScreenshot(&shot, 90))
	} else {
		actions = append(actions, chromedp.CaptureScreenshot(&shot))
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return "", Failf("browser", "capture %s: %v", url, err)
	}

	path := filepath.Join(dir, fmt.Sprintf("screenshot-%s.png", uuid.NewString()[:8]))
	if err := os.WriteFile(path, shot, 0o644); err != nil {
		return "", Failf("write", "%v", err)
	}
	return Success(map[string]any{"url": url, "path": path, "bytes": len(shot)}), nil
}

func registerBrowser(r *Registry) {
	r.MustRegister(Entry{
		Name:        "browser_screenshot",
		Toolset:     "browser",
		Description: "Capture a screenshot of a web page with a headless browser.",
		Schema:      browserSchema,
		Handler:     runBrowserScreenshot,
		RequiredEnv: []string{"HERMES_BROWSER_ENABLED"},
	})
}
