package db

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/courier/internal/delay"
)

// ErrNotFound is returned when a notification does not exist.
var ErrNotFound = errors.New("notification not found")

// Status is the lifecycle state of a notification.
type Status string

// Status constants
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// predecessors lists, for each target status, the statuses it may be entered from.
// Transitions only move forward: pending -> processing -> completed|failed.
var predecessors = map[Status][]Status{
	StatusProcessing: {StatusPending, StatusProcessing},
	StatusCompleted:  {StatusPending, StatusProcessing},
	StatusFailed:     {StatusPending, StatusProcessing},
}

// CanTransition reports whether a notification in status from may move to to.
func CanTransition(from, to Status) bool {
	for _, s := range predecessors[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Predecessors returns the statuses from which to may be entered.
func Predecessors(to Status) []Status {
	return predecessors[to]
}

// RecipientType identifies the channel a recipient is reached through.
type RecipientType string

// Recipient type constants
const (
	RecipientEmail    RecipientType = "email"
	RecipientTelegram RecipientType = "telegram"
)

// DeliveryStatus is the outcome recorded for one recipient.
type DeliveryStatus string

// Delivery status constants
const (
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Notification represents a notification in the database
type Notification struct {
	ID           uuid.UUID  `json:"id"`
	Message      string     `json:"message"`
	Status       Status     `json:"status"`
	Delay        delay.Tier `json:"delay"`
	CreatedAt    time.Time  `json:"created_at"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
}

// Recipient is one address a notification is delivered to.
type Recipient struct {
	ID             uuid.UUID     `json:"id"`
	NotificationID uuid.UUID     `json:"notification_id"`
	Address        string        `json:"address"`
	Type           RecipientType `json:"recipient_type"`
}

// DeliveryLog records the outcome of one processing run for one recipient.
// Rows are append-only.
type DeliveryLog struct {
	ID           uuid.UUID      `json:"id"`
	RecipientID  uuid.UUID      `json:"recipient_id"`
	Status       DeliveryStatus `json:"status"`
	ErrorMessage string         `json:"error_message"`
	SentAt       time.Time      `json:"sent_at"`
}
