package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Todo statuses. Anything else is normalized to pending.
const (
	TodoPending    = "pending"
	TodoInProgress = "in_progress"
	TodoCompleted  = "completed"
)

// TodoItem is one entry in the agent's working plan.
type TodoItem struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  string `json:"status"`
}

// TodoList is the in-memory plan for one conversation. It survives
// compression by being re-rendered into the context summary.
type TodoList struct {
	mu    sync.Mutex
	items []TodoItem
}

// NewTodoList returns an empty plan.
func NewTodoList() *TodoList { return &TodoList{} }

// Set replaces the plan.
func (l *TodoList) Set(items []TodoItem) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = normalizeTodos(items)
}

// Merge updates items by ID and appends unknown ones, preserving order.
func (l *TodoList) Merge(items []TodoItem) {
	l.mu.Lock()
	defer l.mu.Unlock()
	incoming := normalizeTodos(items)
	index := make(map[string]int, len(l.items))
	for i, it := range l.items {
		index[it.ID] = i
	}
	for _, it := range incoming {
		if i, ok := index[it.ID]; ok {
			l.items[i] = it
			continue
		}
		index[it.ID] = len(l.items)
		l.items = append(l.items, it)
	}
}

// Items returns a copy of the plan.
func (l *TodoList) Items() []TodoItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TodoItem, len(l.items))
	copy(out, l.items)
	return out
}

// Clear empties the plan.
func (l *TodoList) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = nil
}

// Render formats the plan as a checklist, or "" when empty. The compressor
// appends this after each context summary so the plan survives compaction.
func (l *TodoList) Render() string {
	items := l.Items()
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Current plan:\n")
	for _, it := range items {
		mark := " "
		switch it.Status {
		case TodoInProgress:
			mark = "~"
		case TodoCompleted:
			mark = "x"
		}
		fmt.Fprintf(&b, "- [%s] %s: %s\n", mark, it.ID, it.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

func normalizeTodos(items []TodoItem) []TodoItem {
	out := make([]TodoItem, 0, len(items))
	for i, it := range items {
		if strings.TrimSpace(it.Content) == "" {
			continue
		}
		if strings.TrimSpace(it.ID) == "" {
			it.ID = fmt.Sprintf("%d", i+1)
		}
		switch it.Status {
		case TodoPending, TodoInProgress, TodoCompleted:
		default:
			it.Status = TodoPending
		}
		out = append(out, it)
	}
	return out
}

var todoSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "todos": {
      "type": "array",
      "description": "The full plan, or the items to merge. Omit to read the current plan.",
      "items": {
        "type": "object",
        "properties": {
          "id": {"type": "string"},
          "content": {"type": "string"},
          "status": {"type": "string", "enum": ["pending", "in_progress", "completed"]}
        },
        "required": ["content"]
      }
    },
    "merge": {
      "type": "boolean",
      "description": "Update by id instead of replacing the whole plan."
    }
  }
}`)

func runTodo(_ context.Context, args map[string]any, inv *Invocation) (string, error) {
	if inv == nil || inv.Todos == nil {
		return "", Failf("unavailable", "no todo store attached to this run")
	}

	raw, present := args["todos"]
	if !present || raw == nil {
		return JSON(map[string]any{"success": true, "todos": inv.Todos.Items()}), nil
	}

	payload, err := json.Marshal(raw)
	if err != nil {
		return "", Failf("invalid_arguments", "todos: %v", err)
	}
	var items []TodoItem
	if err := json.Unmarshal(payload, &items); err != nil {
		return "", Failf("invalid_arguments", "todos: %v", err)
	}

	if merge, _ := args["merge"].(bool); merge {
		inv.Todos.Merge(items)
	} else {
		inv.Todos.Set(items)
	}
	return JSON(map[string]any{"success": true, "todos": inv.Todos.Items()}), nil
}

func registerTodo(r *Registry) {
	r.MustRegister(Entry{
		Name:        "todo",
		Toolset:     "core",
		Description: "Read or update the working plan. Call with no arguments to read; pass todos to replace, todos+merge to update in place.",
		Schema:      todoSchema,
		Handler:     runTodo,
	})
}
