package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	return path
}

func readBack(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	return string(data)
}

func TestPatchReplace(t *testing.T) {
	path := writeTemp(t, "app.go", "func main() {\n\tprintln(\"old\")\n}\n")

	res, err := runPatch(context.Background(), map[string]any{
		"mode":       "replace",
		"path":       path,
		"old_string": `println("old")`,
		"new_string": `println("new")`,
	}, nil)
	if err != nil {
		t.Fatalf("runPatch: %v", err)
	}
	if !strings.Contains(res, `"success":true`) {
		t.Errorf("result = %q", res)
	}
	if got := readBack(t, path); !strings.Contains(got, `println("new")`) {
		t.Errorf("file = %q", got)
	}
}

func TestPatchReplaceErrors(t *testing.T) {
	path := writeTemp(t, "dup.txt", "same\nsame\n")

	if _, err := runPatch(context.Background(), map[string]any{
		"mode":       "replace",
		"path":       path,
		"old_string": "absent",
		"new_string": "x",
	}, nil); err == nil || !strings.Contains(err.Error(), "no_match") {
		t.Errorf("missing old_string err = %v, want no_match", err)
	}

	if _, err := runPatch(context.Background(), map[string]any{
		"mode":       "replace",
		"path":       path,
		"old_string": "same",
		"new_string": "diff",
	}, nil); err == nil || !strings.Contains(err.Error(), "ambiguous") {
		t.Errorf("ambiguous err = %v, want ambiguous", err)
	}

	if _, err := runPatch(context.Background(), map[string]any{
		"mode":        "replace",
		"path":        path,
		"old_string":  "same",
		"new_string":  "diff",
		"replace_all": true,
	}, nil); err != nil {
		t.Fatalf("replace_all: %v", err)
	}
	if got := readBack(t, path); got != "diff\ndiff\n" {
		t.Errorf("file = %q, want both replaced", got)
	}
}

func TestPatchV4AUpdate(t *testing.T) {
	path := writeTemp(t, "config.py", strings.Join([]string{
		"import os",
		"",
		"def load():",
		"    path = os.environ.get('CONFIG')",
		"    return path",
		"",
	}, "\n"))

	diff := strings.Join([]string{
		"*** Begin Patch",
		"*** Update File: " + path,
		"@@ def load():",
		"     path = os.environ.get('CONFIG')",
		"-    return path",
		"+    if path is None:",
		"+        raise RuntimeError('CONFIG unset')",
		"+    return path",
		"*** End Patch",
	}, "\n")

	res, err := runPatch(context.Background(), map[string]any{"mode": "v4a_diff", "diff": diff}, nil)
	if err != nil {
		t.Fatalf("runPatch: %v", err)
	}
	if !strings.Contains(res, "update") {
		t.Errorf("result = %q", res)
	}
	got := readBack(t, path)
	if !strings.Contains(got, "raise RuntimeError('CONFIG unset')") {
		t.Errorf("patched file = %q", got)
	}
	if !strings.HasSuffix(got, "\n") {
		t.Error("trailing newline lost")
	}
}

func TestPatchV4AAddAndDelete(t *testing.T) {
	dir := t.TempDir()
	newFile := filepath.Join(dir, "notes.md")
	victim := writeTemp(t, "victim.txt", "bye\n")

	diff := strings.Join([]string{
		"*** Add File: " + newFile,
		"+# Notes",
		"+first line",
		"*** Delete File: " + victim,
	}, "\n")

	if _, err := runPatch(context.Background(), map[string]any{"mode": "v4a_diff", "diff": diff}, nil); err != nil {
		t.Fatalf("runPatch: %v", err)
	}
	if got := readBack(t, newFile); got != "# Notes\nfirst line\n" {
		t.Errorf("added file = %q", got)
	}
	if _, err := os.Stat(victim); !os.IsNotExist(err) {
		t.Error("deleted file still exists")
	}
}

func TestPatchV4AContextMismatch(t *testing.T) {
	path := writeTemp(t, "a.txt", "one\ntwo\n")
	diff := strings.Join([]string{
		"*** Update File: " + path,
		"@@",
		"-three",
		"+four",
	}, "\n")

	if _, err := runPatch(context.Background(), map[string]any{"mode": "v4a_diff", "diff": diff}, nil); err == nil || !strings.Contains(err.Error(), "no_match") {
		t.Errorf("err = %v, want no_match", err)
	}
	if got := readBack(t, path); got != "one\ntwo\n" {
		t.Errorf("file mutated on failed patch: %q", got)
	}
}

func TestPatchV4AMultipleHunks(t *testing.T) {
	path := writeTemp(t, "multi.txt", "alpha\nbeta\ngamma\ndelta\n")
	diff := strings.Join([]string{
		"*** Update File: " + path,
		"@@",
		"-alpha",
		"+ALPHA",
		"@@",
		"-delta",
		"+DELTA",
	}, "\n")

	if _, err := runPatch(context.Background(), map[string]any{"mode": "v4a_diff", "diff": diff}, nil); err != nil {
		t.Fatalf("runPatch: %v", err)
	}
	if got := readBack(t, path); got != "ALPHA\nbeta\ngamma\nDELTA\n" {
		t.Errorf("file = %q", got)
	}
}

func TestPatchDenyList(t *testing.T) {
	if _, err := runPatch(context.Background(), map[string]any{
		"mode":       "replace",
		"path":       "/etc/sudoers",
		"old_string": "root",
		"new_string": "evil",
	}, nil); err == nil || !strings.Contains(err.Error(), "denied") {
		t.Errorf("err = %v, want denied", err)
	}

	diff := "*** Add File: /etc/sudoers.d/evil\n+evil ALL=(ALL) NOPASSWD:ALL"
	if _, err := runPatch(context.Background(), map[string]any{"mode": "v4a_diff", "diff": diff}, nil); err == nil || !strings.Contains(err.Error(), "denied") {
		t.Errorf("v4a deny err = %v, want denied", err)
	}
}
