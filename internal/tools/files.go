package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// maxReadBytes bounds how much of a file read_file will load.
	maxReadBytes = 10 << 20
	// defaultReadLines is returned when the model does not ask for a range.
	defaultReadLines = 2000
)

var readFileSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": {"type": "string", "description": "File to read. ~ expands to the home directory."},
    "offset": {"type": "integer", "description": "1-based line to start from.", "minimum": 1},
    "limit": {"type": "integer", "description": "Maximum lines to return.", "minimum": 1}
  },
  "required": ["path"]
}`)

var writeFileSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": {"type": "string", "description": "File to create or overwrite. Parent directories are created."},
    "content": {"type": "string", "description": "Full file content."}
  },
  "required": ["path", "content"]
}`)

func runReadFile(_ context.Context, args map[string]any, _ *Invocation) (string, error) {
	path, _ := args["path"].(string)
	if strings.TrimSpace(path) == "" {
		return "", Failf("invalid_arguments", "path is required")
	}
	resolved := normalizePath(path)

	info, err := os.Stat(resolved)
	if err != nil {
		return "", Failf("not_found", "%v", err)
	}
	if info.IsDir() {
		return "", Failf("invalid_arguments", "%s is a directory", path)
	}
	if info.Size() > maxReadBytes {
		return "", Failf("too_large", "%s is %d bytes; read_file caps at %d", path, info.Size(), maxReadBytes)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", Failf("read", "%v", err)
	}

	lines := strings.Split(string(data), "\n")
	total := len(lines)
	offset := 1
	if n, ok := numberArg(args, "offset"); ok && n > 0 {
		offset = n
	}
	limit := defaultReadLines
	if n, ok := numberArg(args, "limit"); ok && n > 0 {
		limit = n
	}
	if offset > total {
		return "", Failf("invalid_arguments", "offset %d beyond end of file (%d lines)", offset, total)
	}
	end := offset - 1 + limit
	if end > total {
		end = total
	}
	window := lines[offset-1 : end]

	return JSON(map[string]any{
		"path":        path,
		"content":     strings.Join(window, "\n"),
		"start_line":  offset,
		"lines":       len(window),
		"total_lines": total,
		"truncated":   end < total,
	}), nil
}

func runWriteFile(_ context.Context, args map[string]any, _ *Invocation) (string, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if strings.TrimSpace(path) == "" {
		return "", Failf("invalid_arguments", "path is required")
	}
	if err := CheckWrite(path); err != nil {
		return "", err
	}
	resolved := normalizePath(path)

	if dir := filepath.Dir(resolved); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", Failf("write", "create parent: %v", err)
		}
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return "", Failf("write", "%v", err)
	}
	return Success(map[string]any{
		"path":  path,
		"bytes": len(content),
		"note":  fmt.Sprintf("wrote %d bytes", len(content)),
	}), nil
}

func registerFiles(r *Registry) {
	r.MustRegister(Entry{
		Name:        "read_file",
		Toolset:     "core",
		Description: "Read a file, optionally a line range. Returns content with line accounting.",
		Schema:      readFileSchema,
		Handler:     runReadFile,
	})
	r.MustRegister(Entry{
		Name:        "write_file",
		Toolset:     "core",
		Description: "Create or overwrite a file with the given content.",
		Schema:      writeFileSchema,
		Handler:     runWriteFile,
	})
}
