// Package discord connects the gateway to Discord over the bot API.
// Guild channels only reach the agent when the bot is mentioned or the
// channel is configured for free response; DMs always do. Slash
// commands and approval buttons arrive as interactions.
package discord

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/hermes/internal/approval"
	"github.com/haasonsaas/hermes/internal/channels"
	"github.com/haasonsaas/hermes/internal/channels/chunk"
	"github.com/haasonsaas/hermes/internal/channels/media"
	"github.com/haasonsaas/hermes/pkg/models"
)

// discordSession allows mocking the Discord session in tests.
type discordSession interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ApplicationCommandBulkOverwrite(appID, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
}

// Config holds the Discord adapter configuration.
type Config struct {
	// Token is the bot token from the Discord developer portal.
	Token string

	// GuildID scopes slash command registration. Empty registers the
	// commands globally.
	GuildID string

	// AllowedUsers restricts who the bot listens to, by user ID or
	// username. Empty means everyone.
	AllowedUsers []string

	// FreeResponseChannels lists guild channel IDs where every message
	// reaches the agent without a mention.
	FreeResponseChannels []string

	// Media caches attachments to local files before handoff.
	Media *media.Cache

	// Approvals resolves command authorization button presses.
	Approvals *approval.Gate

	// MaxReconnectAttempts bounds the initial connect retry loop.
	MaxReconnectAttempts int

	// ReconnectBackoff caps the exponential backoff between attempts.
	ReconnectBackoff time.Duration

	// RateLimit is the general API call budget in operations per
	// second; Discord enforces stricter per-route limits on top.
	RateLimit float64

	RateBurst int

	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return channels.ErrConfig("token is required", nil)
	}
	if c.Media == nil {
		return channels.ErrConfig("media cache is required", nil)
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBackoff == 0 {
		c.ReconnectBackoff = 60 * time.Second
	}
	if c.RateLimit == 0 {
		c.RateLimit = 5
	}
	if c.RateBurst == 0 {
		c.RateBurst = 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter implements channels.Adapter for Discord.
type Adapter struct {
	config  Config
	session discordSession
	events  chan *models.MessageEvent
	limiter *channels.RateLimiter
	logger  *slog.Logger

	mu         sync.RWMutex
	botID      string
	connected  bool
	reconnects int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Discord adapter from the configuration.
func New(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		config:  cfg,
		events:  make(chan *models.MessageEvent, 100),
		limiter: channels.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:  cfg.Logger.With("adapter", "discord"),
	}, nil
}

// Start opens the gateway connection and registers event handlers.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connected {
		return channels.ErrInternal("adapter already started", nil)
	}

	if a.session == nil {
		dg, err := discordgo.New("Bot " + a.config.Token)
		if err != nil {
			return channels.ErrAuthentication("creating discord session", err)
		}
		// MessageContent is privileged and must be requested
		// explicitly or guild message text arrives empty.
		dg.Identify.Intents = discordgo.IntentsGuilds |
			discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentMessageContent
		a.session = dg
	}

	a.session.AddHandler(a.handleMessageCreate)
	a.session.AddHandler(a.handleInteractionCreate)
	a.session.AddHandler(a.handleReady)
	a.session.AddHandler(a.handleDisconnect)

	a.ctx, a.cancel = context.WithCancel(context.Background())

	if err := a.connectWithRetry(ctx); err != nil {
		a.cancel()
		return channels.ErrConnection("connecting to discord", err)
	}

	a.connected = true
	a.logger.Info("discord adapter started")
	return nil
}

// Stop closes the gateway connection and waits for in-flight handlers.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return nil
	}

	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("discord stop timed out")
	}

	if err := a.session.Close(); err != nil {
		a.logger.Error("closing discord session", "error", err)
		return channels.ErrConnection("closing discord session", err)
	}

	a.connected = false
	a.logger.Info("discord adapter stopped")
	return nil
}

func (a *Adapter) connectWithRetry(ctx context.Context) error {
	var err error
	for attempt := 0; attempt < a.config.MaxReconnectAttempts; attempt++ {
		if err = a.session.Open(); err == nil {
			return nil
		}

		backoff := calculateBackoff(attempt, a.config.ReconnectBackoff)
		a.logger.Warn("discord connect failed, retrying",
			"error", err,
			"attempt", attempt+1,
			"backoff_ms", backoff.Milliseconds())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return err
}

// calculateBackoff is exponential: 1s, 2s, 4s, ... capped at maxWait.
func calculateBackoff(attempt int, maxWait time.Duration) time.Duration {
	backoff := time.Duration(1<<uint(attempt)) * time.Second
	if backoff > maxWait {
		backoff = maxWait
	}
	return backoff
}

// Send delivers text to a channel, chunked to Discord's 2000 character
// limit with code fences closed and reopened across chunk boundaries.
func (a *Adapter) Send(ctx context.Context, chatID, content string, opts *models.SendOptions) (*models.SendResult, error) {
	chunks := chunk.Markdown(content, chunk.Limit(models.SourceDiscord))

	var last *discordgo.Message
	for i, text := range chunks {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, channels.ErrTimeout("rate limit wait cancelled", err)
		}

		var (
			sent *discordgo.Message
			err  error
		)
		if i == 0 && opts != nil && opts.ReplyTo != "" {
			sent, err = a.session.ChannelMessageSendComplex(chatID, &discordgo.MessageSend{
				Content: text,
				Reference: &discordgo.MessageReference{
					MessageID: opts.ReplyTo,
					ChannelID: chatID,
				},
			})
		} else {
			sent, err = a.session.ChannelMessageSend(chatID, text)
		}
		if err != nil {
			if isRateLimitError(err) {
				return nil, channels.ErrRateLimit("discord rate limited", err)
			}
			return nil, channels.ErrInternal("discord send failed", err)
		}
		last = sent
	}

	result := &models.SendResult{Success: true}
	if last != nil {
		result.MessageID = last.ID
	}
	return result, nil
}

// SendTyping shows the typing indicator. Discord clears it after ten
// seconds or on the next message.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	if err := a.session.ChannelTyping(chatID); err != nil {
		a.logger.Debug("typing indicator failed", "error", err, "chat_id", chatID)
	}
	return nil
}

// SendImage sends an image from a URL (embedded) or local path
// (uploaded).
func (a *Adapter) SendImage(ctx context.Context, chatID, source, caption string, opts *models.SendOptions) (*models.SendResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, channels.ErrTimeout("rate limit wait cancelled", err)
	}

	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		sent, err := a.session.ChannelMessageSendComplex(chatID, &discordgo.MessageSend{
			Content: caption,
			Embeds: []*discordgo.MessageEmbed{{
				Image: &discordgo.MessageEmbedImage{URL: source},
			}},
		})
		if err != nil {
			return nil, channels.ErrInternal("discord image send failed", err)
		}
		return &models.SendResult{Success: true, MessageID: sent.ID}, nil
	}

	f, err := os.Open(source)
	if err != nil {
		return nil, channels.ErrInvalidInput("opening image file", err)
	}
	defer f.Close()

	sent, err := a.session.ChannelMessageSendComplex(chatID, &discordgo.MessageSend{
		Content: caption,
		Files:   []*discordgo.File{{Name: filepath.Base(source), Reader: f}},
	})
	if err != nil {
		return nil, channels.ErrInternal("discord image upload failed", err)
	}
	return &models.SendResult{Success: true, MessageID: sent.ID}, nil
}

// SendVoice uploads an audio file. Discord renders common formats with
// an inline player.
func (a *Adapter) SendVoice(ctx context.Context, chatID, audioPath, caption string, opts *models.SendOptions) (*models.SendResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, channels.ErrTimeout("rate limit wait cancelled", err)
	}

	f, err := os.Open(audioPath)
	if err != nil {
		return nil, channels.ErrInvalidInput("opening audio file", err)
	}
	defer f.Close()

	sent, err := a.session.ChannelMessageSendComplex(chatID, &discordgo.MessageSend{
		Content: caption,
		Files:   []*discordgo.File{{Name: filepath.Base(audioPath), Reader: f}},
	})
	if err != nil {
		return nil, channels.ErrInternal("discord voice upload failed", err)
	}
	return &models.SendResult{Success: true, MessageID: sent.ID}, nil
}

// ChatInfo reports channel metadata.
func (a *Adapter) ChatInfo(ctx context.Context, chatID string) (*channels.ChatInfo, error) {
	ch, err := a.session.Channel(chatID)
	if err != nil {
		return nil, channels.ErrInternal("fetching channel info", err)
	}
	info := &channels.ChatInfo{
		ID:    ch.ID,
		Name:  ch.Name,
		Topic: ch.Topic,
		Type:  mapChannelType(ch.Type),
	}
	if ch.MemberCount > 0 {
		info.MemberCount = ch.MemberCount
	}
	return info, nil
}

// Events returns the inbound event stream.
func (a *Adapter) Events() <-chan *models.MessageEvent {
	return a.events
}

// Type identifies the platform.
func (a *Adapter) Type() models.Source {
	return models.SourceDiscord
}

func (a *Adapter) setBotID(id string) {
	a.mu.Lock()
	a.botID = id
	a.mu.Unlock()
}

func (a *Adapter) currentBotID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.botID
}

func (a *Adapter) userAllowed(u *discordgo.User) bool {
	if len(a.config.AllowedUsers) == 0 {
		return true
	}
	if u == nil {
		return false
	}
	for _, allowed := range a.config.AllowedUsers {
		if allowed == u.ID || strings.EqualFold(allowed, u.Username) {
			return true
		}
	}
	return false
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "Too Many Requests")
}

func mapChannelType(t discordgo.ChannelType) models.ChatType {
	switch t {
	case discordgo.ChannelTypeDM, discordgo.ChannelTypeGroupDM:
		return models.ChatDM
	case discordgo.ChannelTypeGuildPublicThread, discordgo.ChannelTypeGuildPrivateThread, discordgo.ChannelTypeGuildNewsThread:
		return models.ChatThread
	case discordgo.ChannelTypeGuildForum:
		return models.ChatForum
	default:
		return models.ChatChannel
	}
}
