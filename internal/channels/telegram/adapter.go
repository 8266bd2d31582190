// Package telegram connects the gateway to the Telegram Bot API via
// long polling. Inbound media is downloaded to the local cache before
// the event is handed off, and static stickers are decoded and
// described so the agent sees text instead of an opaque file ID.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/haasonsaas/hermes/internal/approval"
	"github.com/haasonsaas/hermes/internal/channels"
	"github.com/haasonsaas/hermes/internal/channels/chunk"
	"github.com/haasonsaas/hermes/internal/channels/media"
	"github.com/haasonsaas/hermes/pkg/models"
)

// DescribeFunc produces a short text description of an image file,
// typically by a vision model call.
type DescribeFunc func(ctx context.Context, path string) (string, error)

// Config holds the Telegram adapter settings.
type Config struct {
	Token string

	// AllowedUsers restricts who the bot listens to. Entries are
	// numeric user IDs or usernames; empty allows everyone.
	AllowedUsers []string

	// Media caches downloaded attachments. Required.
	Media *media.Cache

	// Descriptions persists sticker descriptions keyed by file
	// unique ID. Optional.
	Descriptions *media.Descriptions

	// Describe generates a description for a static sticker image.
	// Optional; without it stickers surface as emoji placeholders.
	Describe DescribeFunc

	// Approvals resolves inline keyboard decisions. Optional.
	Approvals *approval.Gate

	RateLimit float64
	RateBurst int

	Logger *slog.Logger
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return channels.ErrConfig("token is required", nil)
	}
	if c.Media == nil {
		return channels.ErrConfig("media cache is required", nil)
	}
	if c.RateLimit == 0 {
		c.RateLimit = 25
	}
	if c.RateBurst == 0 {
		c.RateBurst = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter implements channels.Adapter for Telegram.
type Adapter struct {
	config  Config
	client  botClient
	events  chan *models.MessageEvent
	limiter *channels.RateLimiter
	logger  *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Telegram adapter.
func New(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		config:  cfg,
		events:  make(chan *models.MessageEvent, 100),
		limiter: channels.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:  cfg.Logger.With("adapter", "telegram"),
	}, nil
}

// Start connects to the Bot API and begins long polling.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil {
		b, err := bot.New(a.config.Token, bot.WithDefaultHandler(a.handleUpdate))
		if err != nil {
			return channels.ErrAuthentication("creating telegram bot", err)
		}
		b.RegisterHandler(bot.HandlerTypeCallbackQueryData, approvalCallbackPrefix, bot.MatchTypePrefix, a.handleApprovalCallback)
		a.client = &realBotClient{bot: b}
	}

	me, err := a.client.GetMe(ctx)
	if err != nil {
		return channels.ErrAuthentication("telegram getMe failed", err)
	}

	a.ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.client.Start(a.ctx)
	}()

	a.logger.Info("telegram adapter started", "bot", me.Username)
	return nil
}

// Stop halts polling and waits for the poller to exit, honoring the
// context deadline.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

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
		a.logger.Warn("telegram stop timed out")
		return ctx.Err()
	}
	a.logger.Info("telegram adapter stopped")
	return nil
}

// Send delivers text to a chat, chunked to Telegram's message limit.
// Each chunk is first tried as Markdown and resent as plain text when
// Telegram rejects the formatting.
func (a *Adapter) Send(ctx context.Context, chatID, content string, opts *models.SendOptions) (*models.SendResult, error) {
	chunks := chunk.Markdown(content, chunk.Limit(models.SourceTelegram))

	var last *tgmodels.Message
	for i, text := range chunks {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, channels.ErrTimeout("rate limit wait cancelled", err)
		}

		params := &bot.SendMessageParams{
			ChatID:    chatID,
			Text:      text,
			ParseMode: tgmodels.ParseModeMarkdown,
		}
		if i == 0 && opts != nil && opts.ReplyTo != "" {
			if id, err := strconv.Atoi(opts.ReplyTo); err == nil {
				params.ReplyParameters = &tgmodels.ReplyParameters{MessageID: id}
			}
		}
		if opts != nil {
			if kb, ok := opts.Metadata["inline_keyboard"]; ok {
				if markup, ok := kb.(tgmodels.ReplyMarkup); ok {
					params.ReplyMarkup = markup
				}
			}
		}

		sent, err := a.client.SendMessage(ctx, params)
		if err != nil {
			// Telegram rejects messages whose markdown does not
			// parse; resend the same chunk unformatted.
			params.ParseMode = ""
			sent, err = a.client.SendMessage(ctx, params)
		}
		if err != nil {
			if isRateLimitError(err) {
				return nil, channels.ErrRateLimit("telegram rate limited", err)
			}
			return nil, channels.ErrInternal("telegram send failed", err)
		}
		last = sent
	}

	result := &models.SendResult{Success: true}
	if last != nil {
		result.MessageID = strconv.Itoa(last.ID)
	}
	return result, nil
}

// SendTyping shows the "typing..." indicator.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	_, err := a.client.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatID,
		Action: tgmodels.ChatActionTyping,
	})
	if err != nil {
		a.logger.Debug("typing indicator failed", "error", err, "chat_id", chatID)
	}
	return nil
}

// SendImage sends a photo from a URL or local path.
func (a *Adapter) SendImage(ctx context.Context, chatID, source, caption string, opts *models.SendOptions) (*models.SendResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, channels.ErrTimeout("rate limit wait cancelled", err)
	}

	params := &bot.SendPhotoParams{
		ChatID:  chatID,
		Caption: caption,
	}
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		params.Photo = &tgmodels.InputFileString{Data: source}
		sent, err := a.client.SendPhoto(ctx, params)
		if err != nil {
			return nil, channels.ErrInternal("telegram photo send failed", err)
		}
		return &models.SendResult{Success: true, MessageID: strconv.Itoa(sent.ID)}, nil
	}

	f, err := os.Open(source)
	if err != nil {
		return nil, channels.ErrInvalidInput("opening image file", err)
	}
	defer f.Close()
	params.Photo = &tgmodels.InputFileUpload{Filename: filepath.Base(source), Data: f}
	sent, err := a.client.SendPhoto(ctx, params)
	if err != nil {
		return nil, channels.ErrInternal("telegram photo send failed", err)
	}
	return &models.SendResult{Success: true, MessageID: strconv.Itoa(sent.ID)}, nil
}

// SendVoice sends an audio file as a voice note.
func (a *Adapter) SendVoice(ctx context.Context, chatID, audioPath, caption string, opts *models.SendOptions) (*models.SendResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, channels.ErrTimeout("rate limit wait cancelled", err)
	}

	f, err := os.Open(audioPath)
	if err != nil {
		return nil, channels.ErrInvalidInput("opening voice file", err)
	}
	defer f.Close()

	sent, err := a.client.SendVoice(ctx, &bot.SendVoiceParams{
		ChatID:  chatID,
		Voice:   &tgmodels.InputFileUpload{Filename: filepath.Base(audioPath), Data: f},
		Caption: caption,
	})
	if err != nil {
		return nil, channels.ErrInternal("telegram voice send failed", err)
	}
	return &models.SendResult{Success: true, MessageID: strconv.Itoa(sent.ID)}, nil
}

// ChatInfo fetches chat metadata.
func (a *Adapter) ChatInfo(ctx context.Context, chatID string) (*channels.ChatInfo, error) {
	full, err := a.client.GetChat(ctx, &bot.GetChatParams{ChatID: chatID})
	if err != nil {
		return nil, channels.ErrInternal("telegram getChat failed", err)
	}

	info := &channels.ChatInfo{
		ID:    chatID,
		Name:  full.Title,
		Type:  mapChatType(string(full.Type)),
		Topic: full.Description,
	}
	if info.Name == "" {
		info.Name = strings.TrimSpace(full.FirstName + " " + full.LastName)
	}
	if info.Name == "" {
		info.Name = full.Username
	}
	return info, nil
}

// Events returns the inbound event stream.
func (a *Adapter) Events() <-chan *models.MessageEvent {
	return a.events
}

// Type returns the platform identifier.
func (a *Adapter) Type() models.Source {
	return models.SourceTelegram
}

const approvalCallbackPrefix = "appr|"

// PromptApproval renders an inline keyboard asking the user to
// authorize a command.
func (a *Adapter) PromptApproval(ctx context.Context, chatID string, req *channels.ApprovalRequest) error {
	text := fmt.Sprintf("Approval needed to run:\n`%s`", req.Command)
	if req.Description != "" {
		text += "\n" + req.Description
	}
	if req.TimeoutText != "" {
		text += "\n" + req.TimeoutText
	}

	keyboard := &tgmodels.InlineKeyboardMarkup{
		InlineKeyboard: [][]tgmodels.InlineKeyboardButton{{
			{Text: "Allow Once", CallbackData: approvalCallbackPrefix + "once|" + req.Key},
			{Text: "Always Allow", CallbackData: approvalCallbackPrefix + "session|" + req.Key},
			{Text: "Deny", CallbackData: approvalCallbackPrefix + "deny|" + req.Key},
		}},
	}

	_, err := a.client.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      chatID,
		Text:        text,
		ParseMode:   tgmodels.ParseModeMarkdown,
		ReplyMarkup: keyboard,
	})
	if err != nil {
		// Markdown can fail on command text; retry plain.
		_, err = a.client.SendMessage(ctx, &bot.SendMessageParams{
			ChatID:      chatID,
			Text:        text,
			ReplyMarkup: keyboard,
		})
	}
	if err != nil {
		return channels.ErrInternal("sending approval prompt", err)
	}
	return nil
}

// handleApprovalCallback resolves an inline keyboard press against the
// approval gate.
func (a *Adapter) handleApprovalCallback(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	cq := update.CallbackQuery
	if cq == nil || a.config.Approvals == nil {
		return
	}

	decision, key, ok := parseApprovalCallback(cq.Data)
	if !ok {
		return
	}
	if !a.userAllowed(&cq.From) {
		a.answerCallback(ctx, cq.ID, "You are not authorized to respond.")
		return
	}

	resolved := a.config.Approvals.Resolve(key, decision)
	switch {
	case !resolved:
		a.answerCallback(ctx, cq.ID, "This approval already expired.")
	case decision == approval.Deny:
		a.answerCallback(ctx, cq.ID, "Denied.")
	default:
		a.answerCallback(ctx, cq.ID, "Approved.")
	}
}

func (a *Adapter) answerCallback(ctx context.Context, id, text string) {
	if _, err := a.client.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: id,
		Text:            text,
	}); err != nil {
		a.logger.Debug("answering callback failed", "error", err)
	}
}

// parseApprovalCallback splits "appr|<decision>|<conversation key>".
func parseApprovalCallback(data string) (approval.Decision, string, bool) {
	rest, ok := strings.CutPrefix(data, approvalCallbackPrefix)
	if !ok {
		return "", "", false
	}
	verb, key, ok := strings.Cut(rest, "|")
	if !ok || key == "" {
		return "", "", false
	}
	switch verb {
	case "once":
		return approval.AllowOnce, key, true
	case "session":
		return approval.AllowSession, key, true
	case "deny":
		return approval.Deny, key, true
	}
	return "", "", false
}

// userAllowed checks the allowlist by user ID or username.
func (a *Adapter) userAllowed(u *tgmodels.User) bool {
	if len(a.config.AllowedUsers) == 0 {
		return true
	}
	if u == nil {
		return false
	}
	id := strconv.FormatInt(u.ID, 10)
	for _, allowed := range a.config.AllowedUsers {
		allowed = strings.TrimPrefix(strings.TrimSpace(allowed), "@")
		if allowed == "" {
			continue
		}
		if allowed == id || strings.EqualFold(allowed, u.Username) {
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
	return strings.Contains(msg, "429") || strings.Contains(msg, "Too Many Requests") || strings.Contains(msg, "retry after")
}

func mapChatType(t string) models.ChatType {
	switch t {
	case "private":
		return models.ChatDM
	case "group", "supergroup":
		return models.ChatGroup
	case "channel":
		return models.ChatChannel
	default:
		return models.ChatDM
	}
}
