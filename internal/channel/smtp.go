package channel

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gopkg.in/mail.v2"
)

// SMTPConfig configures the SMTP transport.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// SMTPTransport sends email through an SMTP relay.
type SMTPTransport struct {
	cfg    SMTPConfig
	logger *zap.Logger
}

// NewSMTPTransport creates an SMTP transport.
func NewSMTPTransport(cfg SMTPConfig, logger *zap.Logger) *SMTPTransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SMTPTransport{cfg: cfg, logger: logger}
}

func (t *SMTPTransport) message(subject, body string, to []string) *mail.Message {
	m := mail.NewMessage()
	m.SetHeader("From", t.cfg.From)
	m.SetHeader("To", to...)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)
	return m
}

// SendEmail dials the relay and sends one message to every address.
func (t *SMTPTransport) SendEmail(ctx context.Context, subject, body string, to []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dialer := mail.NewDialer(t.cfg.Host, t.cfg.Port, t.cfg.Username, t.cfg.Password)
	dialer.Timeout = t.cfg.Timeout

	if err := dialer.DialAndSend(t.message(subject, body, to)); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}

	t.logger.Info("email sent via SMTP",
		zap.String("host", t.cfg.Host),
		zap.Int("recipients", len(to)),
	)
	return nil
}
