// Package channel delivers a message to a set of addresses over one
// delivery channel (email or Telegram).
package channel

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrChatNotConfigured is returned when Telegram recipients exist but no
	// bot token was provided.
	ErrChatNotConfigured = errors.New("telegram bot not configured")

	// ErrAllRejected is returned when every chat address was rejected by
	// the provider.
	ErrAllRejected = errors.New("all chat addresses rejected")
)

// DefaultSubject is used for email when none is configured.
const DefaultSubject = "Notification"

// Sender delivers one message to every address of its channel.
//
// The bool is the channel outcome. A non-nil error carries the terminal cause
// and always comes with a false outcome.
type Sender interface {
	Send(ctx context.Context, message string, addresses []string) (bool, error)
}

// EmailTransport sends one email to a list of recipients.
type EmailTransport interface {
	SendEmail(ctx context.Context, subject, body string, to []string) error
}

// ChatTransport sends one chat message to a single chat id.
// Provider rejections are returned marked with retry.Permanent.
type ChatTransport interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

// Locker runs fn while holding key; acquired is false when the key is held
// elsewhere and fn was not run.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (acquired bool, err error)
}
