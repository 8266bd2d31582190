package tools

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/hermes/internal/approval"
	"github.com/haasonsaas/hermes/internal/observability"
	"github.com/haasonsaas/hermes/internal/procs"
	"github.com/haasonsaas/hermes/internal/sessions"
	"github.com/haasonsaas/hermes/internal/skills"
	"github.com/haasonsaas/hermes/internal/tools/sandbox"
	"github.com/haasonsaas/hermes/pkg/models"
)

// SendFunc delivers a message outside the current conversation. Target is
// "platform" (home channel) or "platform:chat_id".
type SendFunc func(ctx context.Context, target, message string) (*models.SendResult, error)

// ClarifyFunc blocks until the user answers a clarifying question. choices
// holds up to four suggested answers; the reply may be free text.
type ClarifyFunc func(ctx context.Context, question string, choices []string) (string, error)

// SummarizeFunc condenses text through the auxiliary model.
type SummarizeFunc func(ctx context.Context, prompt string) (string, error)

// Invocation is the per-call context handed to every tool handler. The
// gateway builds one per agent turn; tests build them directly with only
// the fields the tool under test touches.
type Invocation struct {
	// TaskID keys the sandbox session and background processes.
	TaskID string
	// ConvKey keys approval state. Empty means non-interactive: dangerous
	// commands are denied rather than prompted.
	ConvKey string
	// SessionID is the active session, when there is one.
	SessionID string
	// Origin of the conversation driving this call.
	Origin models.Origin

	Store   *sessions.Store
	Gate    *approval.Gate
	Sandbox *sandbox.Manager
	Procs   *procs.Registry
	Skills  *skills.Library
	Todos   *TodoList

	// Send is the gateway's cross-channel delivery hook; nil when no
	// gateway is attached (CLI one-shot runs).
	Send SendFunc
	// Clarify surfaces a question to the user and waits for the answer.
	Clarify ClarifyFunc
	// Summarize runs the auxiliary model, used by session_search.
	Summarize SummarizeFunc
	// OnApprovalPrompt surfaces a pending dangerous-command approval on the
	// conversation's platform. The terminal tool blocks on the gate after
	// calling it.
	OnApprovalPrompt func(ctx context.Context, pending *approval.Pending)

	// MemoryFile is the notes file behind memory_tool.
	MemoryFile string
	// MediaDir receives files produced by tools (screenshots and the
	// like); it doubles as the adapters' download cache.
	MediaDir string

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

func (inv *Invocation) logger() *slog.Logger {
	if inv == nil || inv.Logger == nil {
		return slog.Default()
	}
	return inv.Logger
}
