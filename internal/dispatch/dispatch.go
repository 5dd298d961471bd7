// Package dispatch fans one message out over every channel that has
// recipients.
package dispatch

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/channel"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/redis"
)

// Service routes addresses to the sender of their recipient type.
type Service struct {
	senders map[db.RecipientType]channel.Sender
	logger  *zap.Logger
}

// New creates a Service.
func New(senders map[db.RecipientType]channel.Sender, logger *zap.Logger) *Service {
	return &Service{senders: senders, logger: logger}
}

// Dispatch sends message to every non-empty address list and returns one
// outcome per attempted type. Types with no addresses are absent from the
// result. Sender errors become a false outcome.
//
// When ctx ends or a channel lock is lost, before or during a send, Dispatch
// stops and returns the partial results with the cause. That send's outcome
// is not recorded, since it may still have gone out.
func (s *Service) Dispatch(ctx context.Context, message string, byType map[db.RecipientType][]string) (map[db.RecipientType]bool, error) {
	results := make(map[db.RecipientType]bool, len(byType))

	for _, typ := range []db.RecipientType{db.RecipientEmail, db.RecipientTelegram} {
		addresses := byType[typ]
		if len(addresses) == 0 {
			continue
		}
		if ctx.Err() != nil {
			return results, context.Cause(ctx)
		}

		sender, ok := s.senders[typ]
		if !ok {
			s.logger.Warn("no sender registered for recipient type",
				zap.String("type", string(typ)),
				zap.Int("recipients", len(addresses)),
			)
			continue
		}

		ok, err := sender.Send(ctx, message, addresses)
		if ctx.Err() != nil {
			return results, context.Cause(ctx)
		}
		if errors.Is(err, redis.ErrLockLost) {
			return results, err
		}
		if err != nil {
			s.logger.Error("channel send failed",
				zap.String("type", string(typ)),
				zap.Error(err),
			)
			ok = false
		}
		results[typ] = ok
		metrics.RecordChannelOutcome(string(typ), ok)
	}

	for typ, addresses := range byType {
		if len(addresses) > 0 && typ != db.RecipientEmail && typ != db.RecipientTelegram {
			s.logger.Warn("unknown recipient type skipped",
				zap.String("type", string(typ)),
				zap.Int("recipients", len(addresses)),
			)
		}
	}

	return results, nil
}

// GroupByType collects recipient addresses per recipient type, in order.
func GroupByType(recipients []*db.Recipient) map[db.RecipientType][]string {
	byType := make(map[db.RecipientType][]string)
	for _, r := range recipients {
		byType[r.Type] = append(byType[r.Type], r.Address)
	}
	return byType
}
