package telegram

import (
	"context"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// BotClient — используемое нами подмножество методов bot.Bot.
// Интерфейс нужен для подстановки мока в тестах адаптера.
type BotClient interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	SendPhoto(ctx context.Context, params *bot.SendPhotoParams) (*models.Message, error)
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
	RegisterHandler(handlerType bot.HandlerType, pattern string, matchType bot.MatchType, handler bot.HandlerFunc)
	Start(ctx context.Context)
}

// realBotClient оборачивает *bot.Bot под интерфейс BotClient
type realBotClient struct {
	bot *bot.Bot
}

func newRealBotClient(b *bot.Bot) BotClient {
	return &realBotClient{bot: b}
}

func (r *realBotClient) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	return r.bot.SendMessage(ctx, params)
}

func (r *realBotClient) SendPhoto(ctx context.Context, params *bot.SendPhotoParams) (*models.Message, error) {
	return r.bot.SendPhoto(ctx, params)
}

func (r *realBotClient) AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error) {
	return r.bot.AnswerCallbackQuery(ctx, params)
}

func (r *realBotClient) RegisterHandler(handlerType bot.HandlerType, pattern string, matchType bot.MatchType, handler bot.HandlerFunc) {
	r.bot.RegisterHandler(handlerType, pattern, matchType, handler)
}

func (r *realBotClient) Start(ctx context.Context) {
	r.bot.Start(ctx)
}
