package telegram

import (
	"context"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// botClient wraps the bot.Bot methods the adapter calls, so tests can
// substitute a mock without a live token.
type botClient interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
	SendPhoto(ctx context.Context, params *bot.SendPhotoParams) (*tgmodels.Message, error)
	SendVoice(ctx context.Context, params *bot.SendVoiceParams) (*tgmodels.Message, error)
	SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error)
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
	GetFile(ctx context.Context, params *bot.GetFileParams) (*tgmodels.File, error)
	GetChat(ctx context.Context, params *bot.GetChatParams) (*tgmodels.ChatFullInfo, error)
	GetMe(ctx context.Context) (*tgmodels.User, error)
	FileDownloadLink(f *tgmodels.File) string
	Start(ctx context.Context)
}

type realBotClient struct {
	bot *bot.Bot
}

func (r *realBotClient) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error) {
	return r.bot.SendMessage(ctx, params)
}

func (r *realBotClient) SendPhoto(ctx context.Context, params *bot.SendPhotoParams) (*tgmodels.Message, error) {
	return r.bot.SendPhoto(ctx, params)
}

func (r *realBotClient) SendVoice(ctx context.Context, params *bot.SendVoiceParams) (*tgmodels.Message, error) {
	return r.bot.SendVoice(ctx, params)
}

func (r *realBotClient) SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error) {
	return r.bot.SendChatAction(ctx, params)
}

func (r *realBotClient) AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error) {
	return r.bot.AnswerCallbackQuery(ctx, params)
}

func (r *realBotClient) GetFile(ctx context.Context, params *bot.GetFileParams) (*tgmodels.File, error) {
	return r.bot.GetFile(ctx, params)
}

func (r *realBotClient) GetChat(ctx context.Context, params *bot.GetChatParams) (*tgmodels.ChatFullInfo, error) {
	return r.bot.GetChat(ctx, params)
}

func (r *realBotClient) GetMe(ctx context.Context) (*tgmodels.User, error) {
	return r.bot.GetMe(ctx)
}

func (r *realBotClient) FileDownloadLink(f *tgmodels.File) string {
	return r.bot.FileDownloadLink(f)
}

func (r *realBotClient) Start(ctx context.Context) {
	r.bot.Start(ctx)
}
