package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var patchSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "mode": {
      "type": "string",
      "enum": ["replace", "v4a_diff"],
      "description": "replace swaps an exact string in one file; v4a_diff applies a patch document."
    },
    "path": {"type": "string", "description": "File to modify (replace mode)."},
    "old_string": {"type": "string", "description": "Exact text to find (replace mode)."},
    "new_string": {"type": "string", "description": "Replacement text (replace mode)."},
    "replace_all": {"type": "boolean", "description": "Replace every occurrence instead of requiring uniqueness."},
    "diff": {"type": "string", "description": "Patch document (v4a_diff mode): *** Add/Update/Delete File sections with @@ hunks."}
  },
  "required": ["mode"]
}`)

func runPatch(_ context.Context, args map[string]any, _ *Invocation) (string, error) {
	mode, _ := args["mode"].(string)
	switch mode {
	case "replace":
		return patchReplace(args)
	case "v4a_diff":
		diff, _ := args["diff"].(string)
		return patchV4A(diff)
	default:
		return "", Failf("invalid_arguments", "unknown patch mode %q", mode)
	}
}

func patchReplace(args map[string]any) (string, error) {
	path, _ := args["path"].(string)
	oldStr, _ := args["old_string"].(string)
	newStr, _ := args["new_string"].(string)
	replaceAll, _ := args["replace_all"].(bool)

	if strings.TrimSpace(path) == "" {
		return "", Failf("invalid_arguments", "path is required in replace mode")
	}
	if oldStr == "" {
		return "", Failf("invalid_arguments", "old_string is required in replace mode")
	}
	if oldStr == newStr {
		return "", Failf("invalid_arguments", "old_string and new_string are identical")
	}
	if err := CheckWrite(path); err != nil {
		return "", err
	}

	resolved := normalizePath(path)
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", Failf("not_found", "%v", err)
	}
	content := string(data)

	count := strings.Count(content, oldStr)
	switch {
	case count == 0:
		return "", Failf("no_match", "old_string not found in %s", path)
	case count > 1 && !replaceAll:
		return "", Failf("ambiguous", "old_string appears %d times in %s; pass replace_all or add more context", count, path)
	}

	replaced := count
	if replaceAll {
		content = strings.ReplaceAll(content, oldStr, newStr)
	} else {
		content = strings.Replace(content, oldStr, newStr, 1)
		replaced = 1
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return "", Failf("write", "%v", err)
	}
	return Success(map[string]any{"path": path, "replacements": replaced}), nil
}

// The v4a dialect: an optional *** Begin Patch / *** End Patch envelope
// around one or more file sections. Each section is
//
//	*** Add File: <path>      followed by +lines
//	*** Delete File: <path>
//	*** Update File: <path>   followed by @@ hunks of ' ', '-', '+' lines
//
// A hunk's context and deletions must match the file exactly; the optional
// text after @@ narrows where matching starts.
type patchOp struct {
	kind  string
	path  string
	added []string
	hunks []patchHunk
}

type patchHunk struct {
	locator string
	before  []string
	after   []string
}

func patchV4A(diff string) (string, error) {
	if strings.TrimSpace(diff) == "" {
		return "", Failf("invalid_arguments", "diff is required in v4a_diff mode")
	}
	ops, err := parseV4A(diff)
	if err != nil {
		return "", err
	}

	touched := make([]string, 0, len(ops))
	for _, op := range ops {
		if err := CheckWrite(op.path); err != nil {
			return "", err
		}
	}
	for _, op := range ops {
		if err := applyOp(op); err != nil {
			return "", err
		}
		touched = append(touched, fmt.Sprintf("%s %s", op.kind, op.path))
	}
	return Success(map[string]any{"applied": touched}), nil
}

func parseV4A(diff string) ([]patchOp, error) {
	lines := strings.Split(strings.ReplaceAll(diff, "\r\n", "\n"), "\n")
	var ops []patchOp
	var cur *patchOp
	var curHunk *patchHunk

	flushHunk := func() {
		if cur != nil && curHunk != nil && (len(curHunk.before) > 0 || len(curHunk.after) > 0) {
			cur.hunks = append(cur.hunks, *curHunk)
		}
		curHunk = nil
	}
	flushOp := func() error {
		flushHunk()
		if cur == nil {
			return nil
		}
		if cur.kind == "update" && len(cur.hunks) == 0 {
			return Failf("invalid_diff", "update section for %s has no hunks", cur.path)
		}
		ops = append(ops, *cur)
		cur = nil
		return nil
	}
	startOp := func(kind, path string) error {
		if err := flushOp(); err != nil {
			return err
		}
		path = strings.TrimSpace(path)
		if path == "" {
			return Failf("invalid_diff", "%s section missing a path", kind)
		}
		cur = &patchOp{kind: kind, path: path}
		return nil
	}

	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "*** Begin Patch"), strings.HasPrefix(line, "*** End Patch"):
			// envelope markers
		case strings.HasPrefix(line, "*** Add File:"):
			if err := startOp("add", strings.TrimPrefix(line, "*** Add File:")); err != nil {
				return nil, err
			}
		case strings.HasPrefix(line, "*** Update File:"):
			if err := startOp("update", strings.TrimPrefix(line, "*** Update File:")); err != nil {
				return nil, err
			}
		case strings.HasPrefix(line, "*** Delete File:"):
			if err := startOp("delete", strings.TrimPrefix(line, "*** Delete File:")); err != nil {
				return nil, err
			}
		case strings.HasPrefix(line, "@@"):
			if cur == nil || cur.kind != "update" {
				return nil, Failf("invalid_diff", "hunk header outside an update section: %q", line)
			}
			flushHunk()
			curHunk = &patchHunk{locator: strings.TrimSpace(strings.TrimPrefix(line, "@@"))}
		default:
			if cur == nil {
				if strings.TrimSpace(line) == "" {
					continue
				}
				return nil, Failf("invalid_diff", "content before any file section: %q", line)
			}
			switch cur.kind {
			case "add":
				switch {
				case strings.HasPrefix(line, "+"):
					cur.added = append(cur.added, line[1:])
				case strings.TrimSpace(line) == "":
					// blank separator
				default:
					return nil, Failf("invalid_diff", "add sections take only + lines, got %q", line)
				}
			case "update":
				if curHunk == nil {
					if strings.TrimSpace(line) == "" {
						continue
					}
					curHunk = &patchHunk{}
				}
				switch {
				case strings.HasPrefix(line, "+"):
					curHunk.after = append(curHunk.after, line[1:])
				case strings.HasPrefix(line, "-"):
					curHunk.before = append(curHunk.before, line[1:])
				case strings.HasPrefix(line, " "):
					curHunk.before = append(curHunk.before, line[1:])
					curHunk.after = append(curHunk.after, line[1:])
				case strings.TrimSpace(line) == "":
					// Blank context line without the leading space.
					curHunk.before = append(curHunk.before, "")
					curHunk.after = append(curHunk.after, "")
				default:
					return nil, Failf("invalid_diff", "unexpected line in update hunk: %q", line)
				}
			case "delete":
				if strings.TrimSpace(line) != "" {
					return nil, Failf("invalid_diff", "delete sections take no content, got %q", line)
				}
			}
		}
	}
	if err := flushOp(); err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, Failf("invalid_diff", "no file sections found")
	}
	return ops, nil
}

func applyOp(op patchOp) error {
	resolved := normalizePath(op.path)
	switch op.kind {
	case "add":
		if _, err := os.Stat(resolved); err == nil {
			return Failf("exists", "%s already exists", op.path)
		}
		if dir := filepath.Dir(resolved); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return Failf("write", "create parent: %v", err)
			}
		}
		content := strings.Join(op.added, "\n")
		if content != "" {
			content += "\n"
		}
		if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
			return Failf("write", "%v", err)
		}
		return nil

	case "delete":
		if err := os.Remove(resolved); err != nil {
			return Failf("not_found", "%v", err)
		}
		return nil

	case "update":
		data, err := os.ReadFile(resolved)
		if err != nil {
			return Failf("not_found", "%v", err)
		}
		content := string(data)
		trailingNewline := strings.HasSuffix(content, "\n")
		lines := strings.Split(content, "\n")
		if trailingNewline {
			lines = lines[:len(lines)-1]
		}

		cursor := 0
		for i, h := range op.hunks {
			lines, cursor, err = applyHunk(lines, h, cursor)
			if err != nil {
				return Failf("no_match", "hunk %d of %s: %v", i+1, op.path, err)
			}
		}

		out := strings.Join(lines, "\n")
		if trailingNewline && out != "" {
			out += "\n"
		}
		if err := os.WriteFile(resolved, []byte(out), 0o644); err != nil {
			return Failf("write", "%v", err)
		}
		return nil
	}
	return Failf("invalid_diff", "unknown op %q", op.kind)
}

func applyHunk(lines []string, h patchHunk, cursor int) ([]string, int, error) {
	if h.locator != "" {
		found := -1
		for i := cursor; i < len(lines); i++ {
			if strings.Contains(lines[i], h.locator) {
				found = i
				break
			}
		}
		if found < 0 {
			return nil, 0, fmt.Errorf("locator %q not found", h.locator)
		}
		cursor = found
	}

	// Pure insertion: no context or deletions to anchor on.
	if len(h.before) == 0 {
		at := cursor
		if h.locator != "" {
			at = cursor + 1
		}
		out := make([]string, 0, len(lines)+len(h.after))
		out = append(out, lines[:at]...)
		out = append(out, h.after...)
		out = append(out, lines[at:]...)
		return out, at + len(h.after), nil
	}

	match := -1
	for i := cursor; i+len(h.before) <= len(lines); i++ {
		if linesEqual(lines[i:i+len(h.before)], h.before) {
			match = i
			break
		}
	}
	if match < 0 {
		return nil, 0, fmt.Errorf("context not found: %q", strings.Join(h.before, `\n`))
	}

	out := make([]string, 0, len(lines)-len(h.before)+len(h.after))
	out = append(out, lines[:match]...)
	out = append(out, h.after...)
	out = append(out, lines[match+len(h.before):]...)
	return out, match + len(h.after), nil
}

func linesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func registerPatch(r *Registry) {
	r.MustRegister(Entry{
		Name:        "patch",
		Toolset:     "core",
		Description: "Modify files surgically: replace an exact string, or apply a patch document with add/update/delete sections.",
		Schema:      patchSchema,
		Handler:     runPatch,
	})
}
