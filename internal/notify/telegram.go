package notify

import (
	"context"
	"log/slog"
	"sync"

	cgErrors "github.com/harunnryd/callgate/internal/errors"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type TelegramSink struct {
	token    string
	chatID   int64
	endpoint string

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

func NewTelegramSink(token string, chatID int64) *TelegramSink {
	return &TelegramSink{token: token, chatID: chatID, endpoint: tgbotapi.APIEndpoint}
}

// WithEndpoint points the sink at another Bot API server.
func (t *TelegramSink) WithEndpoint(endpoint string) *TelegramSink {
	t.endpoint = endpoint
	return t
}

func (t *TelegramSink) Name() string {
	return "telegram"
}

// client connects on first use so a Telegram outage never blocks startup.
func (t *TelegramSink) client() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(t.token, t.endpoint)
	if err != nil {
		return nil, cgErrors.Wrap(err, "failed to init telegram bot")
	}
	t.bot = bot
	return bot, nil
}

func (t *TelegramSink) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bot, err := t.client()
	if err != nil {
		return err
	}
	if _, err := bot.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
		return cgErrors.Wrap(err, "failed to send telegram message")
	}
	slog.Debug("Telegram message sent", "chat_id", t.chatID)
	return nil
}
