package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/hermes/internal/logging"
)

// Lifecycle events hooks can subscribe to. Command events are dynamic:
// "command:<verb>" fires for one verb, "command:*" for all of them.
const (
	EventAgentStart   = "agent:start"
	EventAgentEnd     = "agent:end"
	EventSessionStart = "session:start"
	EventSessionReset = "session:reset"
)

// EventCommand names the event fired when a slash command runs.
func EventCommand(verb string) string {
	return "command:" + verb
}

const hookManifest = "HOOK.yaml"

// hookTimeout bounds a single handler run.
const hookTimeout = 10 * time.Second

// Hook is one discovered handler: a subdirectory of the hooks root
// carrying a HOOK.yaml manifest. The command runs via the shell with the
// hook's directory as working directory and the event payload as JSON on
// stdin.
type Hook struct {
	Name    string   `yaml:"name"`
	Events  []string `yaml:"events"`
	Command string   `yaml:"command"`

	dir string
}

func (h *Hook) matches(event string) bool {
	for _, e := range h.Events {
		if e == event {
			return true
		}
		if e == "command:*" && strings.HasPrefix(event, "command:") {
			return true
		}
	}
	return false
}

// HookSet holds the discovered hooks in discovery order.
type HookSet struct {
	hooks  []*Hook
	logger *slog.Logger
}

// DiscoverHooks walks the immediate subdirectories of root and loads
// every HOOK.yaml it finds. A missing root yields an empty set;
// a malformed manifest skips that hook with a warning, never an error.
func DiscoverHooks(root string, logger *slog.Logger) (*HookSet, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	set := &HookSet{logger: logger}
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return set, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading hooks dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		manifest := filepath.Join(dir, hookManifest)
		data, err := os.ReadFile(manifest)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			logger.Warn("hook manifest unreadable", "path", manifest, "error", err)
			continue
		}
		var h Hook
		if err := yaml.Unmarshal(data, &h); err != nil {
			logger.Warn("hook manifest malformed", "path", manifest, "error", err)
			continue
		}
		if h.Command == "" || len(h.Events) == 0 {
			logger.Warn("hook manifest incomplete, skipping", "path", manifest)
			continue
		}
		if h.Name == "" {
			h.Name = entry.Name()
		}
		h.dir = dir
		set.hooks = append(set.hooks, &h)
		logger.Debug("hook registered", "name", h.Name, "events", h.Events)
	}
	return set, nil
}

// Len reports the number of discovered hooks.
func (s *HookSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.hooks)
}

// Fire runs every hook subscribed to event, in discovery order. Handler
// failures are logged and swallowed; one broken hook never blocks the
// turn or its siblings.
func (s *HookSet) Fire(ctx context.Context, event string, payload map[string]any) {
	if s == nil {
		return
	}
	for _, h := range s.hooks {
		if !h.matches(event) {
			continue
		}
		if err := s.run(ctx, h, event, payload); err != nil {
			s.logger.Warn("hook failed", "hook", h.Name, "event", event, "error", err)
		}
	}
}

func (s *HookSet) run(ctx context.Context, h *Hook, event string, payload map[string]any) error {
	body := map[string]any{
		"event": event,
		"time":  time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range payload {
		body[k] = v
	}
	input, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", h.Command)
	cmd.Dir = h.dir
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = append(os.Environ(), "HERMES_HOOK_EVENT="+event)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// fireHook dispatches a lifecycle event with the conversation context
// attached to the payload.
func (g *Gateway) fireHook(ctx context.Context, event string, conv *conversation, payload map[string]any) {
	hooks := g.hookSet()
	if hooks == nil || hooks.Len() == 0 {
		return
	}
	body := map[string]any{
		"conversation": conv.key,
		"platform":     string(conv.origin.Platform),
		"chat_id":      conv.origin.ChatID,
	}
	for k, v := range payload {
		body[k] = v
	}
	hooks.Fire(ctx, event, body)
}
