package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/delay"
)

// Repository handles database operations for notifications, their
// recipients and delivery logs.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new notification repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateNotification inserts a notification together with its recipients in
// one transaction. Recipient IDs and NotificationID are filled in.
func (r *Repository) CreateNotification(ctx context.Context, notif *Notification, recipients []*Recipient) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO notifications (id, message, status, delay, scheduled_for)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`

	err = tx.QueryRow(ctx, query,
		notif.ID,
		notif.Message,
		string(notif.Status),
		int(notif.Delay),
		notif.ScheduledFor,
	).Scan(&notif.CreatedAt)
	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	for _, rcpt := range recipients {
		if rcpt.ID == uuid.Nil {
			rcpt.ID = uuid.New()
		}
		rcpt.NotificationID = notif.ID
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"recipients"},
		[]string{"id", "notification_id", "address", "recipient_type"},
		pgx.CopyFromSlice(len(recipients), func(i int) ([]any, error) {
			rcpt := recipients[i]
			return []any{rcpt.ID, rcpt.NotificationID, rcpt.Address, string(rcpt.Type)}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("insert recipients: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("notification created",
		zap.String("notification_id", notif.ID.String()),
		zap.Int("recipients", len(recipients)),
		zap.Stringer("delay", notif.Delay),
	)

	return nil
}

// GetNotification retrieves a notification by ID
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `
		SELECT id, message, status, delay, created_at, scheduled_for
		FROM notifications
		WHERE id = $1
	`

	var (
		notif  Notification
		status string
		tier   int
	)
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&notif.ID,
		&notif.Message,
		&status,
		&tier,
		&notif.CreatedAt,
		&notif.ScheduledFor,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		r.logger.Error("failed to get notification",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		return nil, fmt.Errorf("query notification: %w", err)
	}

	notif.Status = Status(status)
	notif.Delay = delay.Tier(tier)

	return &notif, nil
}

// ListRecipients returns all recipients of a notification.
func (r *Repository) ListRecipients(ctx context.Context, notificationID uuid.UUID) ([]*Recipient, error) {
	query := `
		SELECT id, notification_id, address, recipient_type
		FROM recipients
		WHERE notification_id = $1
		ORDER BY recipient_type, address
	`

	rows, err := r.db.Pool().Query(ctx, query, notificationID)
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	var recipients []*Recipient
	for rows.Next() {
		var (
			rcpt  Recipient
			rtype string
		)
		if err := rows.Scan(&rcpt.ID, &rcpt.NotificationID, &rcpt.Address, &rtype); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		rcpt.Type = RecipientType(rtype)
		recipients = append(recipients, &rcpt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return recipients, nil
}

// TransitionStatus moves a notification to status to if its current status
// allows it. It returns false when no row moved.
func (r *Repository) TransitionStatus(ctx context.Context, id uuid.UUID, to Status) (bool, error) {
	query := `
		UPDATE notifications
		SET status = $1
		WHERE id = $2 AND status = ANY($3)
	`

	result, err := r.db.Pool().Exec(ctx, query, string(to), id, statusStrings(Predecessors(to)))
	if err != nil {
		r.logger.Error("failed to update notification status",
			zap.Error(err),
			zap.String("notification_id", id.String()),
			zap.String("status", string(to)),
		)
		return false, fmt.Errorf("update notification status: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// CompleteDispatch appends the delivery logs of one processing run and moves
// the notification to its terminal status in a single transaction.
func (r *Repository) CompleteDispatch(ctx context.Context, id uuid.UUID, logs []*DeliveryLog, status Status) error {
	if !status.Terminal() {
		return fmt.Errorf("complete dispatch: %s is not a terminal status", status)
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	for _, l := range logs {
		if l.ID == uuid.Nil {
			l.ID = uuid.New()
		}
		if l.SentAt.IsZero() {
			l.SentAt = now
		}
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"delivery_logs"},
		[]string{"id", "recipient_id", "status", "error_message", "sent_at"},
		pgx.CopyFromSlice(len(logs), func(i int) ([]any, error) {
			l := logs[i]
			return []any{l.ID, l.RecipientID, string(l.Status), l.ErrorMessage, l.SentAt}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("insert delivery logs: %w", err)
	}

	updateQuery := `UPDATE notifications SET status = $1 WHERE id = $2 AND status = ANY($3)`
	if _, err := tx.Exec(ctx, updateQuery, string(status), id, statusStrings(Predecessors(status))); err != nil {
		return fmt.Errorf("update notification status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("notification dispatch recorded",
		zap.String("notification_id", id.String()),
		zap.String("status", string(status)),
		zap.Int("delivery_logs", len(logs)),
	)

	return nil
}

// ListDeliveryLogs returns every delivery log written for a notification's
// recipients, newest first.
func (r *Repository) ListDeliveryLogs(ctx context.Context, notificationID uuid.UUID) ([]*DeliveryLog, error) {
	query := `
		SELECT l.id, l.recipient_id, l.status, l.error_message, l.sent_at
		FROM delivery_logs l
		JOIN recipients r ON r.id = l.recipient_id
		WHERE r.notification_id = $1
		ORDER BY l.sent_at DESC
	`

	rows, err := r.db.Pool().Query(ctx, query, notificationID)
	if err != nil {
		return nil, fmt.Errorf("query delivery logs: %w", err)
	}
	defer rows.Close()

	var logs []*DeliveryLog
	for rows.Next() {
		var (
			l      DeliveryLog
			status string
		)
		if err := rows.Scan(&l.ID, &l.RecipientID, &status, &l.ErrorMessage, &l.SentAt); err != nil {
			return nil, fmt.Errorf("scan delivery log: %w", err)
		}
		l.Status = DeliveryStatus(status)
		logs = append(logs, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return logs, nil
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
