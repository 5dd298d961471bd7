package channel

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/retry"
)

// EmailSender sends a message as a single email addressed to every recipient.
type EmailSender struct {
	transport EmailTransport
	locker    Locker
	retrier   *retry.Controller
	subject   string
	lockTTL   time.Duration
	logger    *zap.Logger
}

// EmailConfig configures an EmailSender.
type EmailConfig struct {
	Subject string
	LockTTL time.Duration
}

// NewEmailSender creates an EmailSender.
func NewEmailSender(transport EmailTransport, locker Locker, retrier *retry.Controller, cfg EmailConfig, logger *zap.Logger) *EmailSender {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = redis.DefaultLockTTL
	}
	return &EmailSender{
		transport: transport,
		locker:    locker,
		retrier:   retrier,
		subject:   cfg.Subject,
		lockTTL:   cfg.LockTTL,
		logger:    logger,
	}
}

// Send delivers message to addresses in one transport call.
// A send already in flight for the same subject and address set is skipped
// and reported as successful.
func (s *EmailSender) Send(ctx context.Context, message string, addresses []string) (bool, error) {
	if len(addresses) == 0 {
		return true, nil
	}

	key := redis.EmailLockKey(s.subject, addresses)
	acquired, err := s.locker.WithLock(ctx, key, s.lockTTL, func(ctx context.Context) error {
		return s.retrier.Do(ctx, "email", func(ctx context.Context) error {
			return s.transport.SendEmail(ctx, s.subject, message, addresses)
		})
	})
	if err != nil {
		s.logger.Error("email delivery failed",
			zap.Int("recipients", len(addresses)),
			zap.Error(err),
		)
		return false, err
	}
	if !acquired {
		s.logger.Info("email already being sent, skipping",
			zap.String("lock_key", key),
		)
		return true, nil
	}

	s.logger.Info("email delivered", zap.Int("recipients", len(addresses)))
	return true, nil
}
