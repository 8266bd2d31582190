// Package gateway routes normalized platform events into per-conversation
// agent sessions: it owns the session map, serializes turns within a
// conversation, dispatches slash commands, and ships replies back through
// the platform adapters.
package gateway

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/haasonsaas/hermes/internal/agent"
	"github.com/haasonsaas/hermes/internal/approval"
	"github.com/haasonsaas/hermes/internal/channels"
	"github.com/haasonsaas/hermes/internal/config"
	"github.com/haasonsaas/hermes/internal/logging"
	"github.com/haasonsaas/hermes/internal/observability"
	"github.com/haasonsaas/hermes/internal/procs"
	"github.com/haasonsaas/hermes/internal/sessions"
	"github.com/haasonsaas/hermes/internal/skills"
	"github.com/haasonsaas/hermes/internal/tools"
	"github.com/haasonsaas/hermes/internal/tools/sandbox"
	"github.com/haasonsaas/hermes/pkg/models"
)

// Gateway connects platform adapters to the agent loop.
type Gateway struct {
	cfg      *config.Config
	adapters *channels.Registry
	store    *sessions.Store
	loop     *agent.Loop
	registry *tools.Registry
	gate     *approval.Gate
	sandbox  *sandbox.Manager
	procs    *procs.Registry
	skills   *skills.Library

	homes     *Homes
	directory *Directory
	hooks     *HookSet

	summarize tools.SummarizeFunc
	logger    *slog.Logger
	metrics   *observability.Metrics

	mu    sync.Mutex
	convs map[string]*conversation

	wg sync.WaitGroup
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithSkills attaches the skill library handed to tool invocations.
func WithSkills(lib *skills.Library) Option {
	return func(g *Gateway) { g.skills = lib }
}

// WithSummarizer sets the auxiliary-model hook used by session_search.
func WithSummarizer(fn tools.SummarizeFunc) Option {
	return func(g *Gateway) { g.summarize = fn }
}

// WithHooks attaches a discovered hook set.
func WithHooks(h *HookSet) Option {
	return func(g *Gateway) { g.hooks = h }
}

// New builds a Gateway. The homes file and channel directory load from the
// config root; a missing homes file starts empty.
func New(
	cfg *config.Config,
	adapters *channels.Registry,
	store *sessions.Store,
	loop *agent.Loop,
	registry *tools.Registry,
	gate *approval.Gate,
	sb *sandbox.Manager,
	pr *procs.Registry,
	opts ...Option,
) (*Gateway, error) {
	homes, err := LoadHomes(cfg.Paths().HomesFile)
	if err != nil {
		return nil, err
	}
	g := &Gateway{
		cfg:       cfg,
		adapters:  adapters,
		store:     store,
		loop:      loop,
		registry:  registry,
		gate:      gate,
		sandbox:   sb,
		procs:     pr,
		homes:     homes,
		directory: NewDirectory(cfg.Gateway.Directory),
		logger:    logging.Discard(),
		convs:     make(map[string]*conversation),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Run consumes the merged adapter event stream until ctx is done, then
// waits for in-flight turns and ends every active session.
func (g *Gateway) Run(ctx context.Context) error {
	events := g.adapters.Events(ctx)
	for ev := range events {
		g.handleEvent(ctx, ev)
	}
	g.wg.Wait()
	g.shutdown(context.WithoutCancel(ctx))
	return ctx.Err()
}

// handleEvent routes one inbound event: clarify answers resolve waiting
// turns, commands run inline, everything else enqueues an agent turn on
// the conversation's lane.
func (g *Gateway) handleEvent(ctx context.Context, ev *models.MessageEvent) {
	if g.metrics != nil {
		g.metrics.MessageReceived(string(ev.Source.Platform))
	}
	conv := g.conversation(ev.Source)

	if conv.answerClarify(ev.Text) {
		return
	}

	if ev.IsCommand() {
		reply, err := g.runCommand(ctx, conv, ev)
		if err != nil {
			g.logger.Warn("command failed", "conversation", conv.key, "error", err)
			reply = "Error: " + err.Error()
		}
		if reply != "" {
			g.reply(ctx, ev.Source, reply)
		}
		return
	}

	if !conv.enqueue(func(turnCtx context.Context) {
		g.runTurn(turnCtx, conv, ev)
	}) {
		g.logger.Warn("conversation queue full, shedding message",
			"conversation", conv.key, "watermark", g.cfg.Gateway.QueueWatermark)
		if g.metrics != nil {
			g.metrics.QueueDrops.WithLabelValues(string(ev.Source.Platform)).Inc()
		}
		g.reply(ctx, ev.Source, "Busy — too many queued messages for this chat, try again shortly.")
	}
}

// Reload swaps in a freshly discovered hook set and channel directory.
// Conversations, sessions, and homes are runtime state and untouched.
func (g *Gateway) Reload(cfg *config.Config) error {
	hooks, err := DiscoverHooks(cfg.Hooks.Dir, g.logger)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.hooks = hooks
	g.directory = NewDirectory(cfg.Gateway.Directory)
	g.mu.Unlock()
	g.logger.Info("gateway reloaded",
		"hooks", hooks.Len(), "directory_entries", len(cfg.Gateway.Directory))
	return nil
}

func (g *Gateway) hookSet() *HookSet {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hooks
}

func (g *Gateway) dir() *Directory {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.directory
}

// conversation returns the state for an origin's conversation key,
// creating it on first contact.
func (g *Gateway) conversation(origin models.Origin) *conversation {
	key := origin.ConversationKey()
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.convs[key]; ok {
		return c
	}
	c := newConversation(key, origin, g.cfg.Gateway.QueueWatermark, &g.wg)
	g.convs[key] = c
	return c
}

// reply sends text back to an origin's chat on its own platform.
func (g *Gateway) reply(ctx context.Context, origin models.Origin, text string) {
	adapter, ok := g.adapters.Get(origin.Platform)
	if !ok {
		g.logger.Error("no adapter for platform", "platform", origin.Platform)
		return
	}
	opts := &models.SendOptions{ThreadID: origin.ThreadID}
	if _, err := adapter.Send(ctx, origin.ChatID, text, opts); err != nil {
		g.logger.Error("reply not delivered",
			"platform", origin.Platform, "chat", origin.ChatID, "error", err)
		return
	}
	if g.metrics != nil {
		g.metrics.MessageSent(string(origin.Platform))
	}
}

// shutdown ends every active session and tears down sandboxes.
func (g *Gateway) shutdown(ctx context.Context) {
	g.mu.Lock()
	convs := make([]*conversation, 0, len(g.convs))
	for _, c := range g.convs {
		convs = append(convs, c)
	}
	g.mu.Unlock()

	for _, c := range convs {
		c.stopTurn()
		if id := c.currentSession(); id != "" {
			if err := g.store.EndSession(ctx, id, models.EndReasonShutdown); err != nil {
				g.logger.Warn("session not ended at shutdown", "session", id, "error", err)
			}
		}
	}
	if g.sandbox != nil {
		g.sandbox.CleanupAll()
	}
}

// SendTo delivers a message to "platform" (home channel) or
// "platform:chat_id"; the chat part may also be a directory name.
func (g *Gateway) SendTo(ctx context.Context, target, message string) (*models.SendResult, error) {
	platform, chatID, err := g.resolveTarget(target)
	if err != nil {
		return nil, err
	}
	adapter, ok := g.adapters.Get(platform)
	if !ok {
		return nil, ErrNoAdapter(string(platform))
	}
	res, err := adapter.Send(ctx, chatID, message, nil)
	if err == nil && g.metrics != nil {
		g.metrics.MessageSent(string(platform))
	}
	return res, err
}

func (g *Gateway) resolveTarget(target string) (models.Source, string, error) {
	platformPart, chatPart, hasChat := strings.Cut(strings.TrimSpace(target), ":")
	platform := models.Source(strings.ToLower(platformPart))
	if !models.ValidSource(platform) {
		return "", "", ErrBadTarget(target)
	}
	if !hasChat || chatPart == "" {
		home, ok := g.homeChannel(platform)
		if !ok {
			return "", "", ErrNoHome(string(platform))
		}
		return platform, home, nil
	}
	if id, ok := g.dir().Resolve(string(platform), chatPart); ok {
		return platform, id, nil
	}
	return platform, chatPart, nil
}

// homeChannel returns the platform's home chat: /sethome state first,
// then the configured fallback (telegram only has one today).
func (g *Gateway) homeChannel(platform models.Source) (string, bool) {
	if id, ok := g.homes.Get(platform); ok {
		return id, true
	}
	if platform == models.SourceTelegram && g.cfg.Channels.Telegram.HomeChannel != "" {
		return g.cfg.Channels.Telegram.HomeChannel, true
	}
	return "", false
}

// DeliverJobOutput implements cron delivery: the job origin first, then
// any platform with a home channel. An error means no channel accepted
// the message and the scheduler should use its output log.
func (g *Gateway) DeliverJobOutput(ctx context.Context, origin *models.Origin, text string) error {
	if origin != nil && origin.ChatID != "" {
		if adapter, ok := g.adapters.Get(origin.Platform); ok {
			if _, err := adapter.Send(ctx, origin.ChatID, text, nil); err == nil {
				return nil
			} else {
				g.logger.Warn("cron origin unreachable, trying home channels",
					"platform", origin.Platform, "chat", origin.ChatID, "error", err)
			}
		}
	}
	for _, adapter := range g.adapters.All() {
		home, ok := g.homeChannel(adapter.Type())
		if !ok {
			continue
		}
		if _, err := adapter.Send(ctx, home, text, nil); err == nil {
			return nil
		}
	}
	return ErrNoHome("any platform")
}
