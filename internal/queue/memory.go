package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryQueue is an in-process Queue for development and tests. Tasks are
// lost on restart.
type MemoryQueue struct {
	mu       sync.Mutex
	ready    []Delivery
	inflight map[string]Delivery
	timers   map[*time.Timer]struct{}
	dead     []Delivery
	notify   chan struct{}
	closed   bool
	logger   *zap.Logger
}

// NewMemoryQueue creates an empty MemoryQueue.
func NewMemoryQueue(logger *zap.Logger) *MemoryQueue {
	return &MemoryQueue{
		inflight: make(map[string]Delivery),
		timers:   make(map[*time.Timer]struct{}),
		notify:   make(chan struct{}, 1),
		logger:   logger,
	}
}

func (q *MemoryQueue) Submit(ctx context.Context, task Task) error {
	return q.SubmitAt(ctx, task, time.Time{})
}

func (q *MemoryQueue) SubmitAt(ctx context.Context, task Task, at time.Time) error {
	task.NotBefore = at
	task.EnqueuedAt = time.Now().UTC()
	q.pushAt(Delivery{Task: task, Handle: uuid.NewString()}, at)
	return nil
}

func (q *MemoryQueue) pushAt(d Delivery, at time.Time) {
	wait := time.Until(at)
	if wait <= 0 {
		q.push(d)
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(wait, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()
		q.push(d)
	})
	q.timers[timer] = struct{}{}
}

func (q *MemoryQueue) push(d Delivery) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.ready = append(q.ready, d)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Receive blocks until at least one task is ready or ctx is done.
func (q *MemoryQueue) Receive(ctx context.Context) ([]Delivery, error) {
	for {
		q.mu.Lock()
		if len(q.ready) > 0 {
			batch := q.ready
			q.ready = nil
			for _, d := range batch {
				q.inflight[d.Handle] = d
			}
			q.mu.Unlock()
			return batch, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, d Delivery) error {
	q.mu.Lock()
	delete(q.inflight, d.Handle)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Defer(ctx context.Context, d Delivery, until time.Time) error {
	q.mu.Lock()
	delete(q.inflight, d.Handle)
	q.mu.Unlock()
	q.pushAt(d, until)
	return nil
}

func (q *MemoryQueue) DeadLetter(ctx context.Context, d Delivery, reason string) error {
	q.mu.Lock()
	q.dead = append(q.dead, d)
	q.mu.Unlock()

	q.logger.Warn("task dead-lettered",
		zap.String("task_id", d.Task.TaskID),
		zap.String("notification_id", d.Task.NotificationID.String()),
		zap.String("reason", reason),
	)
	return nil
}

// DeadLetters returns the dead-lettered deliveries.
func (q *MemoryQueue) DeadLetters() []Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Delivery(nil), q.dead...)
}

// Len returns the number of ready, scheduled and unacked tasks.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.timers) + len(q.inflight)
}

// Close drops scheduled tasks and stops accepting new ones.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for t := range q.timers {
		t.Stop()
	}
	q.timers = nil
}
