package channel

import (
	"context"

	"go.uber.org/zap"
)

// LogTransport logs instead of sending. It serves both channels in
// development.
type LogTransport struct {
	logger *zap.Logger
}

func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) SendEmail(ctx context.Context, subject, body string, to []string) error {
	t.logger.Info("email logged (development mode)",
		zap.String("subject", subject),
		zap.Strings("to", to),
		zap.Int("body_len", len(body)),
	)
	return nil
}

func (t *LogTransport) SendMessage(ctx context.Context, chatID, text string) error {
	t.logger.Info("telegram message logged (development mode)",
		zap.String("chat_id", chatID),
		zap.Int("text_len", len(text)),
	)
	return nil
}
