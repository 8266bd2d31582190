package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/hermes/internal/approval"
	"github.com/haasonsaas/hermes/pkg/models"
)

// runCommand executes a whole-message slash command. The returned string
// is the reply to the user; an error maps to a non-zero exit code on the
// CLI surface.
func (g *Gateway) runCommand(ctx context.Context, conv *conversation, ev *models.MessageEvent) (string, error) {
	verb, args, _ := strings.Cut(strings.TrimSpace(ev.Text), " ")
	verb = strings.ToLower(strings.TrimPrefix(verb, "/"))
	args = strings.TrimSpace(args)

	g.fireHook(ctx, EventCommand(verb), conv, map[string]any{"args": args})

	switch verb {
	case "reset", "new":
		g.endSession(ctx, conv, models.EndReasonReset)
		g.fireHook(ctx, EventSessionReset, conv, nil)
		return "Session reset. Starting fresh.", nil

	case "undo":
		return g.cmdUndo(ctx, conv)

	case "retry":
		return g.cmdRetry(ctx, conv, ev)

	case "model":
		if args == "" {
			return "Current model: " + g.modelFor(conv), nil
		}
		conv.setModel(args)
		return "Model set to " + args + " for this session.", nil

	case "personality":
		if args == "" {
			return g.cmdListPersonalities(conv), nil
		}
		if _, ok := g.cfg.Personalities[args]; !ok {
			return "", fmt.Errorf("personality %q is not defined", args)
		}
		conv.setPersonality(args)
		return "Personality set to " + args + ".", nil

	case "status":
		return g.cmdStatus(ctx, conv)

	case "stop":
		if conv.stopTurn() {
			return "Stopping the current turn.", nil
		}
		return "Nothing is running.", nil

	case "sethome":
		if err := g.homes.Set(conv.origin.Platform, conv.origin.ChatID); err != nil {
			return "", fmt.Errorf("home channel not saved: %w", err)
		}
		return fmt.Sprintf("This chat is now the %s home channel.", conv.origin.Platform), nil

	case "approve":
		decision := approval.AllowOnce
		if strings.EqualFold(args, "always") {
			decision = approval.AllowSession
		}
		if !g.gate.Resolve(conv.key, decision) {
			return "No approval is pending.", nil
		}
		return "Approved.", nil

	case "deny":
		if !g.gate.Resolve(conv.key, approval.Deny) {
			return "No approval is pending.", nil
		}
		return "Denied.", nil

	case "ask":
		// Platform slash-command surfaces wrap a plain question.
		if args == "" {
			return "", fmt.Errorf("usage: /ask <question>")
		}
		forwarded := *ev
		forwarded.Text = args
		forwarded.MessageType = models.TypeText
		g.handleEvent(ctx, &forwarded)
		return "", nil

	case "help":
		return helpText, nil

	default:
		return "", fmt.Errorf("unknown command /%s — try /help", verb)
	}
}

const helpText = `Commands:
/reset, /new — end this session and start fresh
/undo — remove the last exchange from the transcript
/retry — redo the last exchange
/model [name] — show or set the model for this session
/personality [name] — show or switch the system-prompt personality
/status — session summary
/stop — interrupt the running turn
/sethome — make this chat the platform's home channel
/help — this list`

// cmdUndo pops the last complete user/assistant exchange, including every
// tool round-trip inside it.
func (g *Gateway) cmdUndo(ctx context.Context, conv *conversation) (string, error) {
	id := conv.currentSession()
	if id == "" {
		return "Nothing to undo.", nil
	}
	msgs, err := g.store.GetMessages(ctx, id)
	if err != nil {
		return "", fmt.Errorf("transcript unreadable: %w", err)
	}
	cut := lastExchangeStart(msgs)
	if cut < 0 {
		return "Nothing to undo.", nil
	}
	if err := g.store.RewriteTranscript(ctx, id, msgs[:cut]); err != nil {
		return "", fmt.Errorf("undo failed: %w", err)
	}
	return "Removed the last exchange.", nil
}

// cmdRetry undoes the last exchange and re-issues its user message as a
// fresh turn.
func (g *Gateway) cmdRetry(ctx context.Context, conv *conversation, ev *models.MessageEvent) (string, error) {
	id := conv.currentSession()
	if id == "" {
		return "Nothing to retry.", nil
	}
	msgs, err := g.store.GetMessages(ctx, id)
	if err != nil {
		return "", fmt.Errorf("transcript unreadable: %w", err)
	}
	cut := lastExchangeStart(msgs)
	if cut < 0 {
		return "Nothing to retry.", nil
	}
	prompt := msgs[cut].Content
	if err := g.store.RewriteTranscript(ctx, id, msgs[:cut]); err != nil {
		return "", fmt.Errorf("retry failed: %w", err)
	}

	replay := *ev
	replay.Text = prompt
	replay.MessageType = models.TypeText
	if !conv.enqueue(func(turnCtx context.Context) {
		g.runTurn(turnCtx, conv, &replay)
	}) {
		return "", fmt.Errorf("conversation is busy, retry later")
	}
	return "", nil
}

// lastExchangeStart returns the index of the user message opening the
// last complete exchange, or -1 when the transcript holds none. Mirror
// copies never count as exchanges.
func lastExchangeStart(msgs []models.Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser && !msgs[i].Mirror {
			return i
		}
	}
	return -1
}

func (g *Gateway) cmdStatus(ctx context.Context, conv *conversation) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Model: %s\n", g.modelFor(conv))
	fmt.Fprintf(&b, "Provider: %s (%s mode)\n", g.cfg.Agent.Provider, g.cfg.Agent.APIMode)
	fmt.Fprintf(&b, "Sandbox: %s\n", g.cfg.Terminal.Backend)
	fmt.Fprintf(&b, "Toolsets: %s\n", strings.Join(g.cfg.Tools.EnabledToolsets, ", "))

	id := conv.currentSession()
	if id == "" {
		b.WriteString("Session: none (starts on your next message)")
		return b.String(), nil
	}
	sess, err := g.store.GetSession(ctx, id)
	if err != nil {
		return "", fmt.Errorf("session unreadable: %w", err)
	}
	fmt.Fprintf(&b, "Session: %s (since %s)\n", sess.ID, sess.StartedAt.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "Messages: %d, tool calls: %d\n", sess.MessageCount, sess.ToolCallCount)
	fmt.Fprintf(&b, "Tokens: %d in, %d out", sess.InputTokens, sess.OutputTokens)
	return b.String(), nil
}

func (g *Gateway) cmdListPersonalities(conv *conversation) string {
	current := conv.personalityOverride()
	if current == "" {
		current = g.cfg.Agent.Personality
	}
	if len(g.cfg.Personalities) == 0 {
		return "No personalities defined."
	}
	names := make([]string, 0, len(g.cfg.Personalities))
	for name := range g.cfg.Personalities {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("Personalities:")
	for _, name := range names {
		b.WriteString("\n  " + name)
		if name == current {
			b.WriteString(" (active)")
		}
	}
	return b.String()
}
