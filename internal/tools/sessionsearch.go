package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/hermes/internal/sessions"
	"github.com/haasonsaas/hermes/pkg/models"
)

// sessionSearchMaxResults is the hard cap; the auxiliary model summarizes
// whatever fits under it.
const sessionSearchMaxResults = 5

var sessionSearchSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": {"type": "string", "description": "Words to find in past conversations."},
    "role_filter": {
      "type": "string",
      "enum": ["user", "assistant", "tool", "system"],
      "description": "Only match messages with this role."
    },
    "limit": {"type": "integer", "minimum": 1, "maximum": 5, "description": "Max matches, up to 5."}
  },
  "required": ["query"]
}`)

func runSessionSearch(ctx context.Context, args map[string]any, inv *Invocation) (string, error) {
	if inv == nil || inv.Store == nil {
		return "", Failf("unavailable", "no session store attached to this run")
	}
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return "", Failf("invalid_arguments", "query is required")
	}

	limit := sessionSearchMaxResults
	if n, ok := numberArg(args, "limit"); ok && n > 0 && n < limit {
		limit = n
	}
	role, _ := args["role_filter"].(string)

	results, err := inv.Store.SearchMessages(ctx, sessions.SearchOptions{
		Query: query,
		Role:  models.Role(role),
		Limit: limit,
	})
	if err != nil {
		return "", Failf("search", "%v", err)
	}
	if len(results) == 0 {
		return JSON(map[string]any{"matches": 0, "summary": "No past conversations matched."}), nil
	}

	rendered := renderSearchResults(results)
	if inv.Summarize == nil {
		return JSON(map[string]any{"matches": len(results), "results": rendered}), nil
	}

	summary, err := inv.Summarize(ctx, fmt.Sprintf(
		"Summarize what these past conversation excerpts say about %q. Be brief and concrete.\n\n%s",
		query, rendered))
	if err != nil {
		// Search still worked; fall back to the raw excerpts.
		inv.logger().Warn("session search summary failed", "error", err)
		return JSON(map[string]any{"matches": len(results), "results": rendered}), nil
	}
	return JSON(map[string]any{"matches": len(results), "summary": summary}), nil
}

func renderSearchResults(results []sessions.SearchResult) string {
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "[%d] session %s, %s, %s\n", i+1, r.SessionID, r.Role, r.Timestamp.Format("2006-01-02 15:04"))
		if r.Before != nil {
			fmt.Fprintf(&b, "    before (%s): %s\n", r.Before.Role, r.Before.Content)
		}
		fmt.Fprintf(&b, "    match: %s\n", r.Snippet)
		if r.After != nil {
			fmt.Fprintf(&b, "    after (%s): %s\n", r.After.Role, r.After.Content)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func registerSessionSearch(r *Registry) {
	r.MustRegister(Entry{
		Name:        "session_search",
		Toolset:     "core",
		Description: "Full-text search over past conversations, summarized for context.",
		Schema:      sessionSearchSchema,
		Handler:     runSessionSearch,
	})
}
