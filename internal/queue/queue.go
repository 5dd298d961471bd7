// Package queue carries dispatch tasks from the request layer to the
// worker pool, at a requested instant.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Task asks a worker to process one notification.
type Task struct {
	TaskID         string    `json:"task_id"`
	NotificationID uuid.UUID `json:"notification_id"`
	// Attempt counts prior failed executions of this task.
	Attempt int `json:"attempt"`
	// NotBefore is the earliest instant the task may run. Zero means now.
	NotBefore  time.Time `json:"not_before,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewTask creates the first attempt of a task for a notification.
func NewTask(notificationID uuid.UUID) Task {
	return Task{
		TaskID:         uuid.NewString(),
		NotificationID: notificationID,
	}
}

// Retry returns the task for the next attempt.
func (t Task) Retry() Task {
	next := t
	next.Attempt++
	next.NotBefore = time.Time{}
	next.EnqueuedAt = time.Time{}
	return next
}

// Due reports whether the task may run at now.
func (t Task) Due(now time.Time) bool {
	return t.NotBefore.IsZero() || !now.Before(t.NotBefore)
}

// Delivery is a received task plus the handle needed to settle it.
type Delivery struct {
	Task   Task
	Handle string
}

// Scheduler submits tasks for execution.
type Scheduler interface {
	// Submit schedules the task to run as soon as possible.
	Submit(ctx context.Context, task Task) error
	// SubmitAt schedules the task to run no earlier than at.
	SubmitAt(ctx context.Context, task Task, at time.Time) error
}

// Source hands tasks to workers. A delivery that is neither acked nor
// deferred is redelivered.
type Source interface {
	Receive(ctx context.Context) ([]Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	// Defer hides the delivery until the given instant.
	Defer(ctx context.Context, d Delivery, until time.Time) error
	// DeadLetter records a task that will never be retried. The caller
	// still acks it.
	DeadLetter(ctx context.Context, d Delivery, reason string) error
}

// Queue is both ends of a task queue.
type Queue interface {
	Scheduler
	Source
}
