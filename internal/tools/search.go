package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	// searchMaxFileSize skips files larger than this; they are almost
	// always build artifacts or data dumps.
	searchMaxFileSize = 1 << 20
	// searchMaxMatches caps content-mode output.
	searchMaxMatches = 200
)

var searchSkipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".venv":        true,
	"__pycache__":  true,
}

var searchFilesSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "pattern": {"type": "string", "description": "Regular expression."},
    "path": {"type": "string", "description": "Directory to search. Defaults to the working directory."},
    "target": {
      "type": "string",
      "enum": ["content", "files"],
      "description": "Match file contents (default) or file names."
    },
    "file_glob": {"type": "string", "description": "Only search files whose name matches this glob, e.g. *.go."},
    "output_mode": {
      "type": "string",
      "enum": ["content", "count", "files"],
      "description": "Matching lines (default), per-file counts, or just file paths."
    }
  },
  "required": ["pattern"]
}`)

func runSearchFiles(ctx context.Context, args map[string]any, _ *Invocation) (string, error) {
	pattern, _ := args["pattern"].(string)
	if pattern == "" {
		return "", Failf("invalid_arguments", "pattern is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", Failf("invalid_arguments", "pattern: %v", err)
	}

	root := "."
	if p, _ := args["path"].(string); strings.TrimSpace(p) != "" {
		root = normalizePath(p)
	}
	target, _ := args["target"].(string)
	if target == "" {
		target = "content"
	}
	outputMode, _ := args["output_mode"].(string)
	if outputMode == "" {
		outputMode = "content"
	}
	fileGlob, _ := args["file_glob"].(string)

	if target == "files" {
		paths, err := searchFileNames(ctx, root, re, fileGlob)
		if err != nil {
			return "", err
		}
		return JSON(map[string]any{"files": paths, "count": len(paths)}), nil
	}

	matches, counts, err := searchContents(ctx, root, re, fileGlob)
	if err != nil {
		return "", err
	}

	switch outputMode {
	case "files":
		files := make([]string, 0, len(counts))
		for f := range counts {
			files = append(files, f)
		}
		sort.Strings(files)
		return JSON(map[string]any{"files": files, "count": len(files)}), nil
	case "count":
		total := 0
		for _, n := range counts {
			total += n
		}
		return JSON(map[string]any{"counts": counts, "total": total}), nil
	default:
		truncated := false
		if len(matches) > searchMaxMatches {
			matches = matches[:searchMaxMatches]
			truncated = true
		}
		return JSON(map[string]any{
			"matches":   matches,
			"count":     len(matches),
			"truncated": truncated,
		}), nil
	}
}

func searchFileNames(ctx context.Context, root string, re *regexp.Regexp, glob string) ([]string, error) {
	var out []string
	err := walkSearchable(ctx, root, glob, func(path string, _ os.DirEntry) error {
		if re.MatchString(filepath.Base(path)) {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func searchContents(ctx context.Context, root string, re *regexp.Regexp, glob string) ([]string, map[string]int, error) {
	var matches []string
	counts := make(map[string]int)
	err := walkSearchable(ctx, root, glob, func(path string, d os.DirEntry) error {
		info, err := d.Info()
		if err != nil || info.Size() > searchMaxFileSize {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				counts[path]++
				if len(matches) <= searchMaxMatches {
					matches = append(matches, fmt.Sprintf("%s:%d: %s", path, i+1, strings.TrimSpace(line)))
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return matches, counts, nil
}

func walkSearchable(ctx context.Context, root, glob string, fn func(path string, d os.DirEntry) error) error {
	info, err := os.Stat(root)
	if err != nil {
		return Failf("not_found", "%v", err)
	}
	if !info.IsDir() {
		return Failf("invalid_arguments", "%s is not a directory", root)
	}
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if searchSkipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if glob != "" {
			if ok, _ := filepath.Match(glob, d.Name()); !ok {
				return nil
			}
		}
		return fn(path, d)
	})
}

func registerSearch(r *Registry) {
	r.MustRegister(Entry{
		Name:        "search_files",
		Toolset:     "core",
		Description: "Search a directory tree by regex, over file contents or file names.",
		Schema:      searchFilesSchema,
		Handler:     runSearchFiles,
	})
}
