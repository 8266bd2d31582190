// Package tools is the single source of truth for the tools exposed to the
// model. Entries register once at startup; the registry is read-only after
// that. Toolsets are named groups, composable via includes, that config maps
// onto the model-facing tool list.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Handler executes one tool call. Handlers return the result payload as a
// JSON string; a returned error is converted by Dispatch into an
// {"error": "<kind>: <message>"} result rather than propagated.
type Handler func(ctx context.Context, args map[string]any, inv *Invocation) (string, error)

// Entry describes one registered tool.
type Entry struct {
	Name        string
	Toolset     string
	Description string
	Schema      json.RawMessage
	Handler     Handler
	// Check is an extra availability probe; nil means always available.
	Check func() bool
	// RequiredEnv lists environment variables that must all be non-empty
	// for the tool to be offered.
	RequiredEnv []string
	// Async handlers run on a detached goroutine so they cannot block graph
	// teardown; the dispatching caller still waits for the result.
	Async bool
}

// ToolSchema is the provider-neutral shape handed to the agent loop. The
// loop applies mode-specific wrapping (chat-completions function objects vs
// responses-API flat entries).
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolsetDef is a named tool group; Includes pull in other groups.
type ToolsetDef struct {
	Tools    []string
	Includes []string
}

type compiledEntry struct {
	Entry
	schema *jsonschema.Schema
}

// Registry holds tool entries and toolset definitions.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*compiledEntry
	order    []string
	toolsets map[string]ToolsetDef
}

// NewRegistry returns an empty registry. Production code builds exactly one
// at startup; tests build their own to avoid cross-test contamination.
func NewRegistry() *Registry {
	return &Registry{
		entries:  make(map[string]*compiledEntry),
		toolsets: make(map[string]ToolsetDef),
	}
}

// Register adds a tool. The schema is compiled eagerly so malformed
// registrations fail at startup, not at dispatch time.
func (r *Registry) Register(e Entry) error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("tool name is required")
	}
	if e.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", e.Name)
	}
	if len(e.Schema) == 0 {
		e.Schema = json.RawMessage(`{"type":"object"}`)
	}
	compiled, err := jsonschema.CompileString(e.Name+".schema.json", string(e.Schema))
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", e.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[e.Name]; exists {
		return fmt.Errorf("tool %s: already registered", e.Name)
	}
	r.entries[e.Name] = &compiledEntry{Entry: e, schema: compiled}
	r.order = append(r.order, e.Name)

	if e.Toolset != "" {
		def := r.toolsets[e.Toolset]
		def.Tools = append(def.Tools, e.Name)
		r.toolsets[e.Toolset] = def
	}
	return nil
}

// MustRegister is Register for static built-in definitions.
func (r *Registry) MustRegister(e Entry) {
	if err := r.Register(e); err != nil {
		panic(err)
	}
}

// DefineToolset adds or extends a named group. Tools listed here do not have
// to exist yet; resolution skips unknown names so configs can reference
// optional tools that did not register.
func (r *Registry) DefineToolset(name string, def ToolsetDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.toolsets[name]
	existing.Tools = append(existing.Tools, def.Tools...)
	existing.Includes = append(existing.Includes, def.Includes...)
	r.toolsets[name] = existing
}

// Get returns a registered entry.
func (r *Registry) Get(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ce, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	e := ce.Entry
	return &e, true
}

// Names returns all registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Resolve expands toolset names into tool names, following includes with
// cycle detection, preserving registration order and dropping duplicates.
func (r *Registry) Resolve(toolsets []string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	visiting := make(map[string]bool)
	var visit func(name string) error
	visit = func(name string) error {
		if visiting[name] {
			return fmt.Errorf("toolset %s: include cycle", name)
		}
		def, ok := r.toolsets[name]
		if !ok {
			// A bare tool name is allowed in toolset position.
			if _, isTool := r.entries[name]; isTool {
				seen[name] = true
				return nil
			}
			return fmt.Errorf("unknown toolset %s", name)
		}
		visiting[name] = true
		defer delete(visiting, name)
		for _, inc := range def.Includes {
			if err := visit(inc); err != nil {
				return err
			}
		}
		for _, tool := range def.Tools {
			if _, isTool := r.entries[tool]; isTool {
				seen[tool] = true
			}
		}
		return nil
	}
	for _, name := range toolsets {
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	out := make([]string, 0, len(seen))
	for _, name := range r.order {
		if seen[name] {
			out = append(out, name)
		}
	}
	return out, nil
}

// Schemas returns the provider-neutral schemas for the tools selected by the
// given toolsets, excluding tools whose env requirements or Check probe fail.
func (r *Registry) Schemas(toolsets []string) ([]ToolSchema, error) {
	names, err := r.Resolve(toolsets)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolSchema, 0, len(names))
	for _, name := range names {
		ce := r.entries[name]
		if !available(&ce.Entry) {
			continue
		}
		out = append(out, ToolSchema{
			Name:        ce.Name,
			Description: ce.Description,
			Parameters:  ce.Schema,
		})
	}
	return out, nil
}

// ToolsetAvailability reports, per defined toolset, whether every member
// tool passes its availability checks.
func (r *Registry) ToolsetAvailability() map[string]bool {
	r.mu.RLock()
	names := make([]string, 0, len(r.toolsets))
	for name := range r.toolsets {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	out := make(map[string]bool, len(names))
	for _, name := range names {
		tools, err := r.Resolve([]string{name})
		if err != nil {
			out[name] = false
			continue
		}
		ok := true
		r.mu.RLock()
		for _, tool := range tools {
			if ce, exists := r.entries[tool]; exists && !available(&ce.Entry) {
				ok = false
				break
			}
		}
		r.mu.RUnlock()
		out[name] = ok
	}
	return out
}

func available(e *Entry) bool {
	for _, key := range e.RequiredEnv {
		if os.Getenv(key) == "" {
			return false
		}
	}
	if e.Check != nil && !e.Check() {
		return false
	}
	return true
}

// Dispatch runs a tool by name. The result is always a JSON string: handler
// errors and panics come back as {"error": "<kind>: <message>"} so the agent
// loop can hand them to the model and continue.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]any, inv *Invocation) string {
	r.mu.RLock()
	ce, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Errorf("unknown_tool", "unknown tool: %s", name)
	}
	if !available(&ce.Entry) {
		return Errorf("unavailable", "tool %s is not available in this environment", name)
	}
	if args == nil {
		args = map[string]any{}
	}
	if ce.schema != nil {
		if err := ce.schema.Validate(normalizeForSchema(args)); err != nil {
			return Errorf("invalid_arguments", "%v", err)
		}
	}

	if ce.Async {
		return r.dispatchAsync(ctx, ce, args, inv)
	}
	return runHandler(ctx, ce, args, inv)
}

// dispatchAsync runs the handler on its own goroutine. The caller blocks on
// the result but the handler keeps its own lifetime: if the turn is
// cancelled the dispatcher returns immediately while the goroutine drains.
func (r *Registry) dispatchAsync(ctx context.Context, ce *compiledEntry, args map[string]any, inv *Invocation) string {
	done := make(chan string, 1)
	go func() {
		done <- runHandler(ctx, ce, args, inv)
	}()
	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		return Errorf("interrupted", "tool %s interrupted: %v", ce.Name, ctx.Err())
	}
}

func runHandler(ctx context.Context, ce *compiledEntry, args map[string]any, inv *Invocation) (result string) {
	defer func() {
		if rec := recover(); rec != nil {
			result = Errorf("panic", "tool %s panicked: %v", ce.Name, rec)
		}
	}()
	out, err := ce.Handler(ctx, args, inv)
	if err != nil {
		return errorResult(err)
	}
	if strings.TrimSpace(out) == "" {
		return `{"success":true}`
	}
	return out
}

// normalizeForSchema round-trips args through encoding/json so numeric types
// match what the validator expects regardless of how the caller decoded them.
func normalizeForSchema(args map[string]any) any {
	payload, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return args
	}
	return decoded
}
