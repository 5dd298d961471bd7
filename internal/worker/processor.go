package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/dispatch"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/retry"
	"github.com/lalithlochan/courier/internal/sns"
)

// Repository is the persistence the processor needs.
type Repository interface {
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	ListRecipients(ctx context.Context, notificationID uuid.UUID) ([]*db.Recipient, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, to db.Status) (bool, error)
	CompleteDispatch(ctx context.Context, id uuid.UUID, logs []*db.DeliveryLog, status db.Status) error
}

// Dispatcher fans a message out per recipient type.
type Dispatcher interface {
	Dispatch(ctx context.Context, message string, byType map[db.RecipientType][]string) (map[db.RecipientType]bool, error)
}

// Locker runs fn while holding key.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error)
}

// EventPublisher announces terminal statuses.
type EventPublisher interface {
	Publish(ctx context.Context, event sns.Event) (string, error)
}

// Result is what one processing run did.
type Result int

const (
	// ResultSkipped means another worker holds the notification.
	ResultSkipped Result = iota
	// ResultAlreadyFinal means the notification was already terminal.
	ResultAlreadyFinal
	ResultCompleted
	ResultFailed
)

func (r Result) String() string {
	switch r {
	case ResultSkipped:
		return "skipped"
	case ResultAlreadyFinal:
		return "already_final"
	case ResultCompleted:
		return "completed"
	case ResultFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Processor runs one notification through the delivery state machine.
type Processor struct {
	repo       Repository
	dispatcher Dispatcher
	locker     Locker
	events     EventPublisher
	lockTTL    time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// NewProcessor creates a Processor. events may be nil.
func NewProcessor(repo Repository, dispatcher Dispatcher, locker Locker, events EventPublisher, lockTTL time.Duration, logger *zap.Logger) *Processor {
	if lockTTL <= 0 {
		lockTTL = redis.DefaultLockTTL
	}
	return &Processor{
		repo:       repo,
		dispatcher: dispatcher,
		locker:     locker,
		events:     events,
		lockTTL:    lockTTL,
		logger:     logger,
		now:        time.Now,
	}
}

// Process delivers the notification once under its lock.
//
// A missing notification returns a permanent error. Any other error leaves
// the notification non-terminal and is retryable.
func (p *Processor) Process(ctx context.Context, id uuid.UUID) (Result, error) {
	result := ResultSkipped
	acquired, err := p.locker.WithLock(ctx, redis.NotificationLockKey(id.String()), p.lockTTL, func(ctx context.Context) error {
		var err error
		result, err = p.run(ctx, id)
		return err
	})
	if err != nil {
		return result, err
	}
	if !acquired {
		p.logger.Info("notification already being processed, skipping",
			zap.String("notification_id", id.String()),
		)
		return ResultSkipped, nil
	}
	return result, nil
}

func (p *Processor) run(ctx context.Context, id uuid.UUID) (Result, error) {
	notif, err := p.repo.GetNotification(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		p.logger.Error("notification not found", zap.String("notification_id", id.String()))
		return ResultFailed, retry.Permanent(err)
	}
	if err != nil {
		return ResultFailed, fmt.Errorf("load notification: %w", err)
	}

	if notif.Status.Terminal() {
		p.logger.Info("notification already final",
			zap.String("notification_id", id.String()),
			zap.String("status", string(notif.Status)),
		)
		return ResultAlreadyFinal, nil
	}

	moved, err := p.repo.TransitionStatus(ctx, id, db.StatusProcessing)
	if err != nil {
		return ResultFailed, fmt.Errorf("mark processing: %w", err)
	}
	if !moved {
		return ResultAlreadyFinal, nil
	}

	recipients, err := p.repo.ListRecipients(ctx, id)
	if err != nil {
		return ResultFailed, fmt.Errorf("load recipients: %w", err)
	}

	byType := dispatch.GroupByType(recipients)
	outcomes, err := p.dispatcher.Dispatch(ctx, notif.Message, byType)
	if err != nil {
		return ResultFailed, fmt.Errorf("dispatch: %w", err)
	}

	logs := deliveryLogs(recipients, outcomes)
	status := aggregate(outcomes)

	// Sends already happened; record them even if the caller is shutting down.
	if err := p.repo.CompleteDispatch(context.WithoutCancel(ctx), id, logs, status); err != nil {
		return ResultFailed, fmt.Errorf("record dispatch: %w", err)
	}

	p.logger.Info("notification processed",
		zap.String("notification_id", id.String()),
		zap.String("status", string(status)),
		zap.Int("recipients", len(recipients)),
	)

	metrics.RecordDispatchLatency(string(status), p.now().Sub(dueAt(notif)))
	p.publish(ctx, notif, status, outcomes, logs)

	if status == db.StatusCompleted {
		return ResultCompleted, nil
	}
	return ResultFailed, nil
}

// Abandon marks a notification failed after its task was given up on.
// Terminal notifications are left as they are, and so is a notification
// whose lock is held by a worker still processing it.
func (p *Processor) Abandon(ctx context.Context, id uuid.UUID, cause error) error {
	moved := false
	acquired, err := p.locker.WithLock(ctx, redis.NotificationLockKey(id.String()), p.lockTTL, func(ctx context.Context) error {
		var err error
		moved, err = p.repo.TransitionStatus(ctx, id, db.StatusFailed)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if !acquired {
		p.logger.Info("notification being processed, not abandoning",
			zap.String("notification_id", id.String()),
			zap.Error(cause),
		)
		return nil
	}
	if moved {
		p.logger.Warn("notification abandoned",
			zap.String("notification_id", id.String()),
			zap.Error(cause),
		)
		p.publish(ctx, &db.Notification{ID: id}, db.StatusFailed, nil, nil)
	}
	return nil
}

func (p *Processor) publish(ctx context.Context, notif *db.Notification, status db.Status, outcomes map[db.RecipientType]bool, logs []*db.DeliveryLog) {
	if p.events == nil {
		return
	}

	event := sns.Event{
		NotificationID: notif.ID.String(),
		Status:         string(status),
		OccurredAt:     p.now().UTC(),
	}
	if len(outcomes) > 0 {
		event.Channels = make(map[string]bool, len(outcomes))
		for typ, ok := range outcomes {
			event.Channels[string(typ)] = ok
		}
	}
	for _, l := range logs {
		if l.Status == db.DeliverySuccess {
			event.Delivered++
		} else {
			event.Failed++
		}
	}

	if _, err := p.events.Publish(ctx, event); err != nil {
		p.logger.Warn("failed to publish lifecycle event",
			zap.String("notification_id", event.NotificationID),
			zap.Error(err),
		)
	}
}

// deliveryLogs builds one log per recipient from its channel outcome.
func deliveryLogs(recipients []*db.Recipient, outcomes map[db.RecipientType]bool) []*db.DeliveryLog {
	logs := make([]*db.DeliveryLog, 0, len(recipients))
	for _, r := range recipients {
		l := &db.DeliveryLog{RecipientID: r.ID, Status: db.DeliverySuccess}
		if !outcomes[r.Type] {
			l.Status = db.DeliveryFailed
			l.ErrorMessage = fmt.Sprintf("delivery via %s failed", r.Type)
		}
		logs = append(logs, l)
	}
	return logs
}

// aggregate is completed when every attempted channel succeeded. Types that
// were never attempted have no outcome and do not count.
func aggregate(outcomes map[db.RecipientType]bool) db.Status {
	for _, ok := range outcomes {
		if !ok {
			return db.StatusFailed
		}
	}
	return db.StatusCompleted
}

func dueAt(n *db.Notification) time.Time {
	if n.ScheduledFor != nil {
		return *n.ScheduledFor
	}
	return n.CreatedAt
}
