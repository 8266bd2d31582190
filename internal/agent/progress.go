package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/haasonsaas/hermes/pkg/models"
)

// progressGate decides which tool calls produce a user-facing progress
// line. HERMES_TOOL_PROGRESS enables them; HERMES_TOOL_PROGRESS_MODE is
// "all" (every call, default) or "new" (first call per tool per turn).
type progressGate struct {
	enabled bool
	mode    string
	seen    map[string]bool
}

func newProgressGate() *progressGate {
	g := &progressGate{seen: map[string]bool{}, mode: "all"}
	switch strings.ToLower(os.Getenv("HERMES_TOOL_PROGRESS")) {
	case "1", "true", "yes", "on":
		g.enabled = true
	}
	if strings.EqualFold(os.Getenv("HERMES_TOOL_PROGRESS_MODE"), "new") {
		g.mode = "new"
	}
	return g
}

func (g *progressGate) allow(tool string) bool {
	if !g.enabled {
		return false
	}
	if g.mode == "new" {
		if g.seen[tool] {
			return false
		}
		g.seen[tool] = true
	}
	return true
}

// progressLine renders the short notice shown while a tool runs, pulling
// the most recognizable argument as a hint.
func progressLine(call models.ToolCall) string {
	hint := argHint(call.Arguments)
	if hint == "" {
		return fmt.Sprintf("⚙ %s…", call.Name)
	}
	return fmt.Sprintf("⚙ %s: %s", call.Name, hint)
}

func argHint(rawArgs string) string {
	var args map[string]any
	if json.Unmarshal([]byte(rawArgs), &args) != nil {
		return ""
	}
	for _, key := range []string{"command", "path", "pattern", "query", "target", "question", "name"} {
		if v, ok := args[key].(string); ok && v != "" {
			return clip(strings.ReplaceAll(v, "\n", " "), 80)
		}
	}
	return ""
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
