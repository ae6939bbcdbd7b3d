package telegram

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// BotUpdates adapts the bot API client to resolver.UpdatesAPI.
// The underlying calls are not cancellable; ctx is checked before each one.
type BotUpdates struct {
	bot *tgbotapi.BotAPI
}

// NewBotUpdates connects to the bot API with token.
func NewBotUpdates(token string) (*BotUpdates, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return &BotUpdates{bot: bot}, nil
}

// GetMe returns the bot account.
func (b *BotUpdates) GetMe(ctx context.Context) (tgbotapi.User, error) {
	if err := ctx.Err(); err != nil {
		return tgbotapi.User{}, err
	}
	return b.bot.GetMe()
}

// GetUpdates fetches pending updates.
func (b *BotUpdates) GetUpdates(ctx context.Context, cfg tgbotapi.UpdateConfig) ([]tgbotapi.Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.bot.GetUpdates(cfg)
}

// DeleteMessage deletes a message from a chat with the bot.
func (b *BotUpdates) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID))
	return err
}

// GetWebhookInfo returns the current webhook configuration.
func (b *BotUpdates) GetWebhookInfo(ctx context.Context) (tgbotapi.WebhookInfo, error) {
	if err := ctx.Err(); err != nil {
		return tgbotapi.WebhookInfo{}, err
	}
	return b.bot.GetWebhookInfo()
}

// SetWebhook installs a webhook at url.
func (b *BotUpdates) SetWebhook(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wh, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return fmt.Errorf("build webhook: %w", err)
	}
	_, err = b.bot.Request(wh)
	return err
}

// DeleteWebhook removes the webhook without dropping pending updates.
func (b *BotUpdates) DeleteWebhook(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.bot.Request(tgbotapi.DeleteWebhookConfig{})
	return err
}
