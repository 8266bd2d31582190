package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/hermes/internal/compress"
	"github.com/haasonsaas/hermes/internal/logging"
	"github.com/haasonsaas/hermes/internal/observability"
	"github.com/haasonsaas/hermes/internal/retry"
	"github.com/haasonsaas/hermes/internal/sessions"
	"github.com/haasonsaas/hermes/internal/tools"
	"github.com/haasonsaas/hermes/pkg/models"
)

// Synthetic assistant texts appended when a turn ends abnormally.
const (
	InterruptedText    = "[Interrupted]"
	IterationLimitText = "[Iteration limit reached]"
)

const (
	defaultMaxIterations   = 60
	defaultToolResultLimit = 100 * 1024

	// maxContinuations bounds back-to-back re-requests after an incomplete
	// response that carried neither tool calls nor text; past the bound the
	// partial content is surfaced as-is.
	maxContinuations = 2
)

// Config carries the per-session knobs for a turn.
type Config struct {
	Model           string
	SystemPrompt    string
	Toolsets        []string
	MaxIterations   int
	MaxTokens       int
	ToolResultLimit int
	Reasoning       Reasoning
	Routing         *Routing
}

// Turn is one user turn to drive. Messages is the working transcript
// including the new user message; the caller has already persisted it.
type Turn struct {
	SessionID string
	Messages  []models.Message
	Config    Config
	Inv       *tools.Invocation

	// Notify, when set, receives tool progress lines, gated by
	// HERMES_TOOL_PROGRESS / HERMES_TOOL_PROGRESS_MODE.
	Notify func(text string)
}

// Result is the outcome of a completed turn.
type Result struct {
	Text        string
	Iterations  int
	Interrupted bool
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the loop logger.
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) { lp.logger = l }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(lp *Loop) { lp.metrics = m }
}

// WithCompressor enables context compression between iterations.
func WithCompressor(c *compress.Compressor) Option {
	return func(lp *Loop) { lp.comp = c }
}

// WithRetryConfig overrides the provider retry policy. Tests shorten it.
func WithRetryConfig(cfg retry.Config) Option {
	return func(lp *Loop) { lp.retry = cfg }
}

// Loop runs agent turns against one provider.
type Loop struct {
	provider Provider
	registry *tools.Registry
	store    *sessions.Store
	comp     *compress.Compressor
	retry    retry.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// New builds a Loop. store may be nil for detached runs (cron previews,
// tests); persistence is skipped then.
func New(provider Provider, registry *tools.Registry, store *sessions.Store, opts ...Option) *Loop {
	l := &Loop{
		provider: provider,
		registry: registry,
		store:    store,
		retry:    retry.Provider(),
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run drives one turn to completion: request, dispatch tool calls, repeat
// until the model stops, the iteration cap is hit, or ctx is canceled.
// Cancellation appends a synthetic "[Interrupted]" assistant message and
// returns cleanly with everything produced so far already persisted.
func (l *Loop) Run(ctx context.Context, turn *Turn) (*Result, error) {
	cfg := turn.Config
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.ToolResultLimit <= 0 {
		cfg.ToolResultLimit = defaultToolResultLimit
	}

	schemas, err := l.registry.Schemas(cfg.Toolsets)
	if err != nil {
		return nil, fmt.Errorf("resolve toolsets: %w", err)
	}

	gate := newProgressGate()
	msgs := turn.Messages
	promptTokens := 0
	continuations := 0

	for iter := 1; iter <= cfg.MaxIterations; iter++ {
		if ctx.Err() != nil {
			return l.interrupt(ctx, turn, iter), nil
		}

		if l.comp != nil && l.comp.ShouldCompress(promptTokens, msgs) {
			if compacted := l.comp.Compress(ctx, msgs); len(compacted) < len(msgs) {
				if err := l.rewrite(ctx, turn.SessionID, compacted); err != nil {
					l.logger.Error("compressed transcript not persisted, keeping full history",
						"session", turn.SessionID, "error", err)
				} else {
					msgs = compacted
					promptTokens = 0
				}
			}
		}

		req := &Request{
			Model:     cfg.Model,
			System:    cfg.SystemPrompt,
			Messages:  repairTranscript(msgs),
			Tools:     schemas,
			MaxTokens: cfg.MaxTokens,
			Reasoning: cfg.Reasoning,
			Routing:   cfg.Routing,
		}
		asst, err := l.complete(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return l.interrupt(ctx, turn, iter), nil
			}
			return nil, err
		}

		am := models.Message{
			SessionID:           turn.SessionID,
			Role:                models.RoleAssistant,
			Content:             asst.Content,
			Timestamp:           time.Now().UTC(),
			ToolCalls:           asst.ToolCalls,
			TokenCount:          asst.CompletionTokens,
			FinishReason:        asst.FinishReason,
			ReasoningDetails:    asst.ReasoningDetails,
			CodexReasoningItems: asst.CodexReasoningItems,
		}
		l.persist(ctx, &am)
		l.addUsage(ctx, turn.SessionID, asst.PromptTokens, asst.CompletionTokens)
		msgs = append(msgs, am)
		promptTokens = asst.PromptTokens

		if len(asst.ToolCalls) == 0 {
			if asst.FinishReason == models.FinishIncomplete && asst.Content == "" && continuations < maxContinuations {
				// Interim responses mode output (reasoning only, no text):
				// re-request without appending a user turn. An incomplete
				// response that carries text is surfaced, not re-requested.
				continuations++
				continue
			}
			return &Result{Text: asst.Content, Iterations: iter}, nil
		}
		continuations = 0

		for _, call := range asst.ToolCalls {
			if ctx.Err() != nil {
				return l.interrupt(ctx, turn, iter), nil
			}
			out := l.runTool(ctx, turn, gate, call)
			tm := models.Message{
				SessionID:  turn.SessionID,
				Role:       models.RoleTool,
				Content:    truncateMiddle(out, cfg.ToolResultLimit),
				Timestamp:  time.Now().UTC(),
				ToolCallID: call.ID,
				ToolName:   call.Name,
			}
			l.persist(ctx, &tm)
			msgs = append(msgs, tm)
		}
	}

	l.logger.Warn("iteration limit reached", "session", turn.SessionID, "limit", cfg.MaxIterations)
	l.persist(ctx, &models.Message{
		SessionID:    turn.SessionID,
		Role:         models.RoleAssistant,
		Content:      IterationLimitText,
		Timestamp:    time.Now().UTC(),
		FinishReason: models.FinishStop,
	})
	return &Result{Text: IterationLimitText, Iterations: cfg.MaxIterations}, nil
}

// complete issues one provider request with retry on transient failures.
// The call runs on a background goroutine so cancellation preempts a slow
// provider immediately instead of waiting out its timeout.
func (l *Loop) complete(ctx context.Context, req *Request) (*Assistant, error) {
	type outcome struct {
		asst *Assistant
		err  error
	}

	var asst *Assistant
	res := retry.Do(ctx, l.retry, func() error {
		start := time.Now()
		ch := make(chan outcome, 1)
		go func() {
			a, err := l.provider.Complete(ctx, req)
			ch <- outcome{a, err}
		}()

		var o outcome
		select {
		case <-ctx.Done():
			return retry.Permanent(ctx.Err())
		case o = <-ch:
		}

		if l.metrics != nil {
			var in, out int
			if o.asst != nil {
				in, out = o.asst.PromptTokens, o.asst.CompletionTokens
			}
			l.metrics.RecordLLMRequest(l.provider.Name(), req.Model, time.Since(start), in, out, o.err)
		}
		if o.err != nil {
			l.logger.Warn("provider request failed",
				"provider", l.provider.Name(), "model", req.Model, "error", o.err)
			if !Retryable(o.err) {
				return retry.Permanent(o.err)
			}
			return o.err
		}
		asst = o.asst
		return nil
	})
	if res.Err != nil {
		return nil, fmt.Errorf("completion after %d attempts: %w", res.Attempts, res.Err)
	}
	return asst, nil
}

// runTool resolves one tool call to its JSON result. Intercepted tools
// (todo, clarify, memory_tool) run in-process; everything else goes
// through the registry. Errors never escape as errors, only as
// {"error": ...} results.
func (l *Loop) runTool(ctx context.Context, turn *Turn, gate *progressGate, call models.ToolCall) string {
	if turn.Notify != nil && gate.allow(call.Name) {
		turn.Notify(progressLine(call))
	}

	args := map[string]any{}
	if s := strings.TrimSpace(call.Arguments); s != "" {
		if err := json.Unmarshal([]byte(s), &args); err != nil {
			return tools.Errorf("invalid_arguments", "tool %s: %v", call.Name, err)
		}
	}

	start := time.Now()
	out, intercepted := tools.Intercept(ctx, call.Name, args, turn.Inv)
	if !intercepted {
		out = l.registry.Dispatch(ctx, call.Name, args, turn.Inv)
	}
	if l.metrics != nil {
		l.metrics.RecordToolExecution(call.Name, time.Since(start), nil)
	}
	l.logger.Debug("tool finished",
		"tool", call.Name, "session", turn.SessionID, "bytes", len(out),
		"duration", time.Since(start))
	return out
}

// interrupt finalizes a canceled turn: the synthetic marker is persisted
// on a detached context so partial state survives the cancellation.
func (l *Loop) interrupt(ctx context.Context, turn *Turn, iter int) *Result {
	l.logger.Info("turn interrupted", "session", turn.SessionID, "iteration", iter)
	l.persist(ctx, &models.Message{
		SessionID:    turn.SessionID,
		Role:         models.RoleAssistant,
		Content:      InterruptedText,
		Timestamp:    time.Now().UTC(),
		FinishReason: models.FinishStop,
	})
	return &Result{Text: InterruptedText, Iterations: iter, Interrupted: true}
}

func (l *Loop) persist(ctx context.Context, msg *models.Message) {
	if l.store == nil {
		return
	}
	if _, err := l.store.AppendMessage(context.WithoutCancel(ctx), msg); err != nil {
		l.logger.Error("message not persisted", "session", msg.SessionID, "role", msg.Role, "error", err)
	}
}

func (l *Loop) addUsage(ctx context.Context, sessionID string, in, out int) {
	if l.store == nil {
		return
	}
	if err := l.store.AddUsage(context.WithoutCancel(ctx), sessionID, in, out); err != nil {
		l.logger.Warn("usage counters not updated", "session", sessionID, "error", err)
	}
}

func (l *Loop) rewrite(ctx context.Context, sessionID string, msgs []models.Message) error {
	if l.store == nil {
		return nil
	}
	return l.store.RewriteTranscript(context.WithoutCancel(ctx), sessionID, msgs)
}

// repairTranscript makes the working transcript wire-valid before a
// request: every assistant tool call gets a result message and orphan
// tool results are dropped. Interrupted turns and skipped corrupt rows
// leave gaps that providers reject otherwise.
func repairTranscript(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	pending := make(map[string]models.ToolCall)
	var order []string

	flush := func() {
		for _, id := range order {
			call := pending[id]
			out = append(out, models.Message{
				Role:       models.RoleTool,
				Content:    `{"error":"interrupted: tool was not executed"}`,
				ToolCallID: call.ID,
				ToolName:   call.Name,
			})
		}
		clear(pending)
		order = order[:0]
	}

	for _, m := range msgs {
		switch m.Role {
		case models.RoleAssistant:
			flush()
			for _, c := range m.ToolCalls {
				if c.ID == "" {
					continue
				}
				pending[c.ID] = c
				order = append(order, c.ID)
			}
			out = append(out, m)
		case models.RoleTool:
			if _, ok := pending[m.ToolCallID]; !ok {
				continue
			}
			delete(pending, m.ToolCallID)
			order = removeID(order, m.ToolCallID)
			out = append(out, m)
		default:
			flush()
			out = append(out, m)
		}
	}
	flush()
	return out
}

func removeID(ids []string, target string) []string {
	for i, id := range ids {
		if id == target {
			copy(ids[i:], ids[i+1:])
			return ids[:len(ids)-1]
		}
	}
	return ids
}

// truncateMiddle caps s at limit bytes by cutting from the midpoint, so a
// huge tool result keeps both its beginning and its end.
func truncateMiddle(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	const marker = "\n[…truncated…]\n"
	keep := limit - len(marker)
	if keep <= 0 {
		return s[:limit]
	}
	head := keep / 2
	tail := keep - head
	return s[:head] + marker + s[len(s)-tail:]
}
