package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/hermes/internal/agent"
	"github.com/haasonsaas/hermes/internal/approval"
	"github.com/haasonsaas/hermes/internal/channels"
	"github.com/haasonsaas/hermes/internal/tools"
	"github.com/haasonsaas/hermes/pkg/models"
)

// runTurn drives one user turn end to end: session lookup, transcript
// append, agent loop, reply, mirror. A panic anywhere inside is caught
// here — the gateway never dies on a single turn.
func (g *Gateway) runTurn(ctx context.Context, conv *conversation, ev *models.MessageEvent) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("panic in turn",
				"conversation", conv.key, "panic", r, "text_len", len(ev.Text))
			if g.metrics != nil {
				g.metrics.RecordError("gateway", "panic")
			}
			g.reply(ctx, ev.Source, fmt.Sprintf("An unexpected error occurred: %v", r))
		}
	}()

	sessionID, err := g.ensureSession(ctx, conv)
	if err != nil {
		g.logger.Error("session not created", "conversation", conv.key, "error", err)
		g.reply(ctx, ev.Source, "An unexpected error occurred: session store unavailable")
		return
	}

	userMsg := models.Message{
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   ev.Text,
		Timestamp: eventTime(ev),
	}
	if _, err := g.store.AppendMessage(ctx, &userMsg); err != nil {
		g.logger.Error("user message not persisted", "session", sessionID, "error", err)
	}

	g.fireHook(ctx, EventAgentStart, conv, map[string]any{"session_id": sessionID, "text": ev.Text})

	stopTyping := g.startTyping(ctx, ev.Source)
	defer stopTyping()

	msgs, err := g.store.GetMessages(ctx, sessionID)
	if err != nil {
		g.logger.Error("transcript unreadable", "session", sessionID, "error", err)
		g.reply(ctx, ev.Source, "An unexpected error occurred: transcript unreadable")
		return
	}

	result, err := g.loop.Run(ctx, &agent.Turn{
		SessionID: sessionID,
		Messages:  msgs,
		Config:    g.turnConfig(conv),
		Inv:       g.invocation(conv, sessionID),
		Notify: func(text string) {
			g.reply(ctx, ev.Source, text)
		},
	})
	stopTyping()

	g.fireHook(ctx, EventAgentEnd, conv, map[string]any{"session_id": sessionID})

	if err != nil {
		g.logger.Error("turn failed", "session", sessionID, "error", err)
		if g.metrics != nil {
			g.metrics.RecordError("agent", "turn")
		}
		g.reply(ctx, ev.Source, "An unexpected error occurred: "+shortReason(err))
		return
	}
	if result.Text == "" {
		return
	}
	g.reply(ctx, ev.Source, result.Text)
	g.mirror(ctx, conv, result.Text)
}

// ensureSession returns the conversation's active session, creating one
// on first contact or after a reset.
func (g *Gateway) ensureSession(ctx context.Context, conv *conversation) (string, error) {
	if id := conv.currentSession(); id != "" {
		return id, nil
	}
	sess := &models.Session{
		ID:           uuid.NewString(),
		Source:       conv.origin.Platform,
		UserID:       conv.origin.UserID,
		Model:        g.modelFor(conv),
		SystemPrompt: g.systemPromptFor(conv),
		StartedAt:    time.Now().UTC(),
	}
	if err := g.store.CreateSession(ctx, sess); err != nil {
		return "", err
	}
	conv.setSession(sess.ID)
	g.fireHook(ctx, EventSessionStart, conv, map[string]any{"session_id": sess.ID})
	g.logger.Info("session started",
		"session", sess.ID, "conversation", conv.key, "model", sess.Model)
	return sess.ID, nil
}

// endSession closes the conversation's session and releases its sandbox.
func (g *Gateway) endSession(ctx context.Context, conv *conversation, reason string) {
	id := conv.resetSession()
	if id == "" {
		return
	}
	if err := g.store.EndSession(ctx, id, reason); err != nil {
		g.logger.Warn("session not ended", "session", id, "error", err)
	}
	if g.gate != nil {
		g.gate.ClearSession(conv.key)
	}
	if g.sandbox != nil {
		if err := g.sandbox.CleanupTask(conv.key); err != nil {
			g.logger.Warn("sandbox cleanup failed", "task", conv.key, "error", err)
		}
	}
	if g.procs != nil {
		g.procs.KillAll(conv.key)
	}
}

func (g *Gateway) turnConfig(conv *conversation) agent.Config {
	cfg := g.cfg
	ac := agent.Config{
		Model:           g.modelFor(conv),
		SystemPrompt:    g.systemPromptFor(conv),
		Toolsets:        cfg.Tools.EnabledToolsets,
		MaxIterations:   cfg.Agent.MaxIterations,
		ToolResultLimit: cfg.Agent.ToolResultLimit,
		Reasoning: agent.Reasoning{
			Enabled: cfg.Agent.Reasoning.Enabled,
			Effort:  cfg.Agent.Reasoning.Effort,
		},
	}
	if r := cfg.Agent.Routing; r.Sort != "" || len(r.Only) > 0 || len(r.Order) > 0 ||
		len(r.Ignore) > 0 || r.RequireParameters || r.DataCollection != "" {
		ac.Routing = &agent.Routing{
			Sort:              r.Sort,
			Only:              r.Only,
			Ignore:            r.Ignore,
			Order:             r.Order,
			RequireParameters: r.RequireParameters,
			DataCollection:    r.DataCollection,
		}
	}
	return ac
}

func (g *Gateway) modelFor(conv *conversation) string {
	if m := conv.modelOverride(); m != "" {
		return m
	}
	return g.cfg.Agent.Model
}

func (g *Gateway) systemPromptFor(conv *conversation) string {
	name := conv.personalityOverride()
	if name == "" {
		name = g.cfg.Agent.Personality
	}
	if name != "" {
		if prompt, ok := g.cfg.Personalities[name]; ok {
			return prompt
		}
	}
	return g.cfg.Agent.SystemPrompt
}

// invocation builds the per-turn tool context. The conversation key
// doubles as the sandbox task ID so one conversation keeps one sandbox.
func (g *Gateway) invocation(conv *conversation, sessionID string) *tools.Invocation {
	return &tools.Invocation{
		TaskID:     conv.key,
		ConvKey:    conv.key,
		SessionID:  sessionID,
		Origin:     conv.origin,
		Store:      g.store,
		Gate:       g.gate,
		Sandbox:    g.sandbox,
		Procs:      g.procs,
		Skills:     g.skills,
		Todos:      conv.todos,
		Send:       g.SendTo,
		Clarify:    g.clarifyFunc(conv),
		Summarize:  g.summarize,
		MemoryFile: g.cfg.Tools.MemoryFile,
		MediaDir:   g.cfg.Paths().MediaCacheDir,
		Logger:     g.logger.With("conversation", conv.key),
		Metrics:    g.metrics,

		OnApprovalPrompt: func(ctx context.Context, pending *approval.Pending) {
			g.promptApproval(ctx, conv, pending)
		},
	}
}

// clarifyFunc surfaces a question on the conversation's channel and
// blocks until the next inbound message answers it.
func (g *Gateway) clarifyFunc(conv *conversation) tools.ClarifyFunc {
	return func(ctx context.Context, question string, choices []string) (string, error) {
		text := question
		for i, c := range choices {
			text += fmt.Sprintf("\n%d. %s", i+1, c)
		}
		answer := conv.askClarify()
		g.reply(ctx, conv.origin, text)
		select {
		case reply := <-answer:
			return reply, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// promptApproval renders a dangerous-command prompt: interactive where
// the adapter supports it, plain text otherwise.
func (g *Gateway) promptApproval(ctx context.Context, conv *conversation, pending *approval.Pending) {
	adapter, ok := g.adapters.Get(conv.origin.Platform)
	if !ok {
		return
	}
	req := &channels.ApprovalRequest{
		Key:         conv.key,
		Command:     pending.Prompt(),
		Description: pending.Description,
		RequesterID: conv.origin.UserID,
		TimeoutText: fmt.Sprintf("No reply within %s denies.", g.gate.Timeout()),
	}
	if prompter, ok := adapter.(channels.ApprovalPrompter); ok {
		if err := prompter.PromptApproval(ctx, conv.origin.ChatID, req); err == nil {
			return
		}
	}
	g.reply(ctx, conv.origin,
		fmt.Sprintf("⚠️ Dangerous command wants to run:\n\n`%s`\n\n%s\nReply /approve, /approve always, or /deny. %s",
			req.Command, req.Description, req.TimeoutText))
}

// startTyping refreshes the platform typing indicator on the configured
// cadence until the returned stop function runs.
func (g *Gateway) startTyping(ctx context.Context, origin models.Origin) func() {
	adapter, ok := g.adapters.Get(origin.Platform)
	if !ok {
		return func() {}
	}
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }
	interval := time.Duration(g.cfg.Gateway.TypingInterval)
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		_ = adapter.SendTyping(ctx, origin.ChatID)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = adapter.SendTyping(ctx, origin.ChatID)
			}
		}
	}()
	return stop
}

// mirror copies an assistant reply into sibling-platform conversations
// that belong to the same user. Mirror rows never feed back into
// processing and are written after the source transcript committed.
func (g *Gateway) mirror(ctx context.Context, src *conversation, text string) {
	if g.cfg.Gateway.Mirror != nil && !*g.cfg.Gateway.Mirror {
		return
	}
	g.mu.Lock()
	targets := make([]*conversation, 0)
	for _, c := range g.convs {
		if c.key == src.key || c.origin.Platform == src.origin.Platform {
			continue
		}
		if !sameIdentity(src.origin, c.origin) {
			continue
		}
		targets = append(targets, c)
	}
	g.mu.Unlock()

	for _, t := range targets {
		id := t.currentSession()
		if id == "" {
			continue
		}
		msg := models.Message{
			SessionID: id,
			Role:      models.RoleAssistant,
			Content:   text,
			Timestamp: time.Now().UTC(),
			Mirror:    true,
		}
		if _, err := g.store.AppendMessage(ctx, &msg); err != nil {
			g.logger.Warn("mirror write failed", "session", id, "error", err)
		}
	}
}

// sameIdentity reports whether two origins belong to the same human:
// matching user IDs when both sides have one, else matching user names.
func sameIdentity(a, b models.Origin) bool {
	if a.UserID != "" && b.UserID != "" {
		return a.UserID == b.UserID
	}
	return a.UserName != "" && a.UserName == b.UserName
}

func eventTime(ev *models.MessageEvent) time.Time {
	if !ev.Timestamp.IsZero() {
		return ev.Timestamp.UTC()
	}
	return time.Now().UTC()
}

func shortReason(err error) string {
	s := err.Error()
	if len(s) > 200 {
		s = s[:200] + "…"
	}
	return s
}
