// Package slack connects the gateway to Slack over Socket Mode. DMs
// always reach the agent; channel messages need a mention, a thread
// the bot is already in, or a channel on the free response list.
// Shared files are downloaded with the bot token before handoff.
package slack

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"

	"github.com/haasonsaas/hermes/internal/approval"
	"github.com/haasonsaas/hermes/internal/channels"
	"github.com/haasonsaas/hermes/internal/channels/chunk"
	"github.com/haasonsaas/hermes/internal/channels/media"
	"github.com/haasonsaas/hermes/pkg/models"
)

// slackAPI covers the Web API calls the adapter makes, so tests can
// substitute a mock.
type slackAPI interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UploadFileV2Context(ctx context.Context, params slack.UploadFileV2Parameters) (*slack.FileSummary, error)
	GetConversationInfoContext(ctx context.Context, input *slack.GetConversationInfoInput) (*slack.Channel, error)
}

// socketRunner is the Socket Mode surface the adapter depends on.
type socketRunner interface {
	RunContext(ctx context.Context) error
	Ack(req socketmode.Request, payload ...interface{})
}

// Config holds the Slack adapter configuration.
type Config struct {
	// BotToken is the xoxb- token for Web API calls and file
	// downloads.
	BotToken string

	// AppToken is the xapp- token that opens the Socket Mode
	// connection.
	AppToken string

	// AllowedUsers restricts who the bot listens to, by user ID or
	// display name. Empty means everyone.
	AllowedUsers []string

	// FreeResponseChannels lists channel IDs where every message
	// reaches the agent without a mention.
	FreeResponseChannels []string

	// Media caches shared files to local paths before handoff.
	Media *media.Cache

	// Approvals resolves command authorization button presses.
	Approvals *approval.Gate

	// RateLimit is messages per second; Slack allows roughly one
	// chat.postMessage per second per channel.
	RateLimit float64

	RateBurst int

	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return channels.ErrConfig("bot token is required", nil)
	}
	if !strings.HasPrefix(c.BotToken, "xoxb-") {
		return channels.ErrConfig("bot token must start with xoxb-", nil)
	}
	if c.AppToken == "" {
		return channels.ErrConfig("app token is required", nil)
	}
	if !strings.HasPrefix(c.AppToken, "xapp-") {
		return channels.ErrConfig("app token must start with xapp-", nil)
	}
	if c.Media == nil {
		return channels.ErrConfig("media cache is required", nil)
	}
	if c.RateLimit == 0 {
		c.RateLimit = 1
	}
	if c.RateBurst == 0 {
		c.RateBurst = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter implements channels.Adapter for Slack.
type Adapter struct {
	config       Config
	api          slackAPI
	socket       socketRunner
	socketEvents <-chan socketmode.Event
	events       chan *models.MessageEvent
	limiter      *channels.RateLimiter
	logger       *slog.Logger

	mu        sync.RWMutex
	botUserID string
	connected bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Slack adapter from the configuration.
func New(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		config:  cfg,
		events:  make(chan *models.MessageEvent, 100),
		limiter: channels.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:  cfg.Logger.With("adapter", "slack"),
	}, nil
}

// Start authenticates, opens the Socket Mode connection, and begins
// processing events.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connected {
		return channels.ErrInternal("adapter already started", nil)
	}

	if a.api == nil {
		client := slack.New(a.config.BotToken, slack.OptionAppLevelToken(a.config.AppToken))
		sm := socketmode.New(client, socketmode.OptionDebug(false))
		a.api = client
		a.socket = sm
		a.socketEvents = sm.Events
	}

	auth, err := a.api.AuthTestContext(ctx)
	if err != nil {
		return channels.ErrAuthentication("slack auth test failed", err)
	}
	a.botUserID = auth.UserID

	a.ctx, a.cancel = context.WithCancel(context.Background())

	a.wg.Add(1)
	go a.handleEvents()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.socket.RunContext(a.ctx); err != nil && a.ctx.Err() == nil {
			a.logger.Error("socket mode exited", "error", err)
		}
	}()

	a.connected = true
	a.logger.Info("slack adapter started", "bot_user_id", auth.UserID)
	return nil
}

// Stop closes the Socket Mode connection and waits for the event loop.
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
		a.logger.Warn("slack stop timed out")
		return ctx.Err()
	}

	a.connected = false
	a.logger.Info("slack adapter stopped")
	return nil
}

// Send posts text to a channel. Replies thread onto the original
// message since Slack has no other reply affordance.
func (a *Adapter) Send(ctx context.Context, chatID, content string, opts *models.SendOptions) (*models.SendResult, error) {
	chunks := chunk.Markdown(content, chunk.Limit(models.SourceSlack))

	threadTS := ""
	if opts != nil {
		threadTS = opts.ThreadID
		if threadTS == "" {
			threadTS = opts.ReplyTo
		}
	}

	var lastTS string
	for _, text := range chunks {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, channels.ErrTimeout("rate limit wait cancelled", err)
		}

		options := []slack.MsgOption{slack.MsgOptionText(text, false)}
		if threadTS != "" {
			options = append(options, slack.MsgOptionTS(threadTS))
		}

		_, ts, err := a.api.PostMessageContext(ctx, chatID, options...)
		if err != nil {
			if isRateLimitError(err) {
				return nil, channels.ErrRateLimit("slack rate limited", err)
			}
			return nil, channels.ErrInternal("slack send failed", err)
		}
		lastTS = ts
	}

	return &models.SendResult{Success: true, MessageID: lastTS}, nil
}

// SendTyping is a no-op. Typing indicators need an RTM connection and
// Socket Mode has no equivalent.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	return nil
}

// SendImage posts an image block for URLs or uploads a local file.
func (a *Adapter) SendImage(ctx context.Context, chatID, source, caption string, opts *models.SendOptions) (*models.SendResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, channels.ErrTimeout("rate limit wait cancelled", err)
	}

	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		blocks := []slack.Block{slack.NewImageBlock(source, filepath.Base(source), "", nil)}
		if caption != "" {
			blocks = append([]slack.Block{slack.NewSectionBlock(
				slack.NewTextBlockObject(slack.MarkdownType, caption, false, false), nil, nil,
			)}, blocks...)
		}
		_, ts, err := a.api.PostMessageContext(ctx, chatID,
			slack.MsgOptionBlocks(blocks...),
			slack.MsgOptionText(caption, false))
		if err != nil {
			return nil, channels.ErrInternal("slack image send failed", err)
		}
		return &models.SendResult{Success: true, MessageID: ts}, nil
	}

	return a.uploadFile(ctx, chatID, source, caption, opts)
}

// SendVoice uploads an audio file. Slack renders a player inline.
func (a *Adapter) SendVoice(ctx context.Context, chatID, audioPath, caption string, opts *models.SendOptions) (*models.SendResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, channels.ErrTimeout("rate limit wait cancelled", err)
	}
	return a.uploadFile(ctx, chatID, audioPath, caption, opts)
}

func (a *Adapter) uploadFile(ctx context.Context, chatID, path, caption string, opts *models.SendOptions) (*models.SendResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, channels.ErrInvalidInput("opening file", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, channels.ErrInvalidInput("stat file", err)
	}

	params := slack.UploadFileV2Parameters{
		Channel:        chatID,
		Reader:         f,
		Filename:       filepath.Base(path),
		FileSize:       int(stat.Size()),
		InitialComment: caption,
	}
	if opts != nil && opts.ThreadID != "" {
		params.ThreadTimestamp = opts.ThreadID
	}

	summary, err := a.api.UploadFileV2Context(ctx, params)
	if err != nil {
		return nil, channels.ErrInternal("slack file upload failed", err)
	}
	return &models.SendResult{Success: true, MessageID: summary.ID}, nil
}

// ChatInfo reports conversation metadata.
func (a *Adapter) ChatInfo(ctx context.Context, chatID string) (*channels.ChatInfo, error) {
	ch, err := a.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{
		ChannelID:         chatID,
		IncludeNumMembers: true,
	})
	if err != nil {
		return nil, channels.ErrInternal("fetching conversation info", err)
	}

	info := &channels.ChatInfo{
		ID:          ch.ID,
		Name:        ch.Name,
		Topic:       ch.Topic.Value,
		MemberCount: ch.NumMembers,
		Type:        models.ChatChannel,
	}
	switch {
	case ch.IsIM:
		info.Type = models.ChatDM
	case ch.IsMpIM, ch.IsGroup:
		info.Type = models.ChatGroup
	}
	return info, nil
}

// Events returns the inbound event stream.
func (a *Adapter) Events() <-chan *models.MessageEvent {
	return a.events
}

// Type identifies the platform.
func (a *Adapter) Type() models.Source {
	return models.SourceSlack
}

func (a *Adapter) currentBotID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.botUserID
}

func (a *Adapter) userAllowed(id, name string) bool {
	if len(a.config.AllowedUsers) == 0 {
		return true
	}
	for _, allowed := range a.config.AllowedUsers {
		if allowed == id || strings.EqualFold(allowed, name) {
			return true
		}
	}
	return false
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	var rle *slack.RateLimitedError
	if errors.As(err, &rle) {
		return true
	}
	return strings.Contains(err.Error(), "rate limit")
}
