package channel

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/retry"
)

// AddressResult is the result of sending to one chat id.
type AddressResult struct {
	Address string
	Err     error
	// Permanent is set when the provider rejected this address.
	Permanent bool
}

// OK reports whether the send to this address succeeded.
func (r AddressResult) OK() bool { return r.Err == nil }

// Report collects per-address results of one chat batch.
type Report struct {
	Results []AddressResult
}

// Succeeded returns the number of addresses that received the message.
func (r Report) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.OK() {
			n++
		}
	}
	return n
}

// Transient reports whether any failure was not a provider rejection.
func (r Report) Transient() bool {
	for _, res := range r.Results {
		if !res.OK() && !res.Permanent {
			return true
		}
	}
	return false
}

// TelegramSender sends a message to each chat id independently.
// The channel succeeds when at least one chat id received the message.
type TelegramSender struct {
	transport ChatTransport
	locker    Locker
	retrier   *retry.Controller
	limiter   *rate.Limiter
	lockTTL   time.Duration
	logger    *zap.Logger
}

// TelegramConfig configures a TelegramSender.
type TelegramConfig struct {
	// RatePerSec paces sends within a batch. Zero disables pacing.
	RatePerSec int
	LockTTL    time.Duration
}

// NewTelegramSender creates a TelegramSender. transport may be nil when no
// bot is configured.
func NewTelegramSender(transport ChatTransport, locker Locker, retrier *retry.Controller, cfg TelegramConfig, logger *zap.Logger) *TelegramSender {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = redis.DefaultLockTTL
	}
	s := &TelegramSender{
		transport: transport,
		locker:    locker,
		retrier:   retrier,
		lockTTL:   cfg.LockTTL,
		logger:    logger,
	}
	if cfg.RatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return s
}

// Send delivers message to every chat id in addresses.
func (s *TelegramSender) Send(ctx context.Context, message string, addresses []string) (bool, error) {
	if len(addresses) == 0 {
		return true, nil
	}
	if s.transport == nil {
		s.logger.Error("telegram recipients present but bot is not configured",
			zap.Int("recipients", len(addresses)),
		)
		return false, ErrChatNotConfigured
	}

	key := redis.ChatLockKey(message, addresses)
	acquired, err := s.locker.WithLock(ctx, key, s.lockTTL, func(ctx context.Context) error {
		return s.retrier.Do(ctx, "telegram", func(ctx context.Context) error {
			report := s.Deliver(ctx, message, addresses)
			if report.Succeeded() > 0 {
				return nil
			}
			last := report.Results[len(report.Results)-1].Err
			if report.Transient() {
				return fmt.Errorf("telegram batch undelivered: %w", last)
			}
			return retry.Permanent(fmt.Errorf("%w: %w", ErrAllRejected, last))
		})
	})
	if err != nil {
		s.logger.Error("telegram delivery failed",
			zap.Int("recipients", len(addresses)),
			zap.Error(err),
		)
		return false, err
	}
	if !acquired {
		s.logger.Info("telegram message already being sent, skipping",
			zap.String("lock_key", key),
		)
	}
	return true, nil
}

// Deliver sends message to each address once, in order. A failure for one
// address does not stop the others.
func (s *TelegramSender) Deliver(ctx context.Context, message string, addresses []string) Report {
	report := Report{Results: make([]AddressResult, 0, len(addresses))}

	for _, addr := range addresses {
		res := AddressResult{Address: addr}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				res.Err = err
				report.Results = append(report.Results, res)
				continue
			}
		}

		if err := s.transport.SendMessage(ctx, addr, message); err != nil {
			res.Err = err
			res.Permanent = retry.IsPermanent(err)
			s.logger.Warn("telegram send failed",
				zap.String("chat_id", addr),
				zap.Bool("rejected", res.Permanent),
				zap.Error(err),
			)
		}
		report.Results = append(report.Results, res)
	}

	s.logger.Debug("telegram batch finished",
		zap.Int("recipients", len(addresses)),
		zap.Int("delivered", report.Succeeded()),
	)
	return report
}
