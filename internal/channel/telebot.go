package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"

	"github.com/lalithlochan/courier/internal/retry"
)

// TelegramTransportConfig configures the Bot API transport.
type TelegramTransportConfig struct {
	Token string
	// APIURL overrides the Bot API base URL.
	APIURL  string
	Timeout time.Duration
}

// TelegramTransport sends chat messages through the Telegram Bot API.
type TelegramTransport struct {
	bot    *tele.Bot
	logger *zap.Logger
}

// NewTelegramTransport creates a transport. The bot is offline: it only sends.
func NewTelegramTransport(cfg TelegramTransportConfig, logger *zap.Logger) (*TelegramTransport, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	settings := tele.Settings{
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.APIURL != "" {
		settings.URL = cfg.APIURL
	}

	b, err := tele.NewBot(settings)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init failed: %w", err)
	}
	return &TelegramTransport{bot: b, logger: logger}, nil
}

// SendMessage sends text with HTML formatting to chatID.
func (t *TelegramTransport) SendMessage(ctx context.Context, chatID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return retry.Permanent(fmt.Errorf("invalid chat id %q: %w", chatID, err))
	}

	msg, err := t.bot.Send(&tele.Chat{ID: id}, text, &tele.SendOptions{ParseMode: tele.ModeHTML})
	if err != nil {
		var apiErr *tele.Error
		if errors.As(err, &apiErr) {
			return retry.Permanent(fmt.Errorf("telegram rejected chat %s: %w", chatID, err))
		}
		return fmt.Errorf("telegram send to %s failed: %w", chatID, err)
	}

	t.logger.Debug("telegram message sent",
		zap.String("chat_id", chatID),
		zap.Int("message_id", msg.ID),
	)
	return nil
}
