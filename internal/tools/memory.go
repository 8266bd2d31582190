package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/hermes/internal/injection"
)

var memorySchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "action": {
      "type": "string",
      "enum": ["read", "write", "append"],
      "description": "read returns the notes file; write replaces it; append adds to the end."
    },
    "content": {"type": "string", "description": "Notes content for write and append."}
  },
  "required": ["action"]
}`)

// runMemory reads and writes the persistent notes file. Because memory
// content is replayed into future prompts, every write is scanned for
// injection patterns first; a hit fails the write and nothing touches disk.
func runMemory(_ context.Context, args map[string]any, inv *Invocation) (string, error) {
	if inv == nil || strings.TrimSpace(inv.MemoryFile) == "" {
		return "", Failf("unavailable", "no memory file configured")
	}
	path := normalizePath(inv.MemoryFile)
	action, _ := args["action"].(string)

	switch action {
	case "read":
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			return JSON(map[string]any{"content": "", "exists": false}), nil
		}
		if err != nil {
			return "", Failf("read", "%v", err)
		}
		return JSON(map[string]any{"content": string(data), "exists": true}), nil

	case "write", "append":
		content, _ := args["content"].(string)
		if content == "" {
			return "", Failf("invalid_arguments", "content is required for %s", action)
		}
		if blocked, reason := injection.Blocked(content); blocked {
			return "", Failf("injection_blocked", "memory write rejected: %s", reason)
		}
		if err := CheckWrite(path); err != nil {
			return "", err
		}
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", Failf("write", "create parent: %v", err)
			}
		}
		if action == "append" {
			if err := appendToFile(path, content); err != nil {
				return "", Failf("write", "%v", err)
			}
		} else {
			if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
				return "", Failf("write", "%v", err)
			}
		}
		return Success(map[string]any{"action": action, "bytes": len(content)}), nil

	default:
		return "", Failf("invalid_arguments", "unknown action %q", action)
	}
}

func appendToFile(path, content string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	// Separate from the previous entry when the file lacks a trailing newline.
	if info, err := f.Stat(); err == nil && info.Size() > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, info.Size()-1); err == nil && last[0] != '\n' {
			content = "\n" + content
		}
	}
	_, err = f.WriteString(content)
	return err
}

func registerMemory(r *Registry) {
	r.MustRegister(Entry{
		Name:        "memory_tool",
		Toolset:     "core",
		Description: "Read or update the persistent notes file that survives across sessions.",
		Schema:      memorySchema,
		Handler:     runMemory,
	})
}
