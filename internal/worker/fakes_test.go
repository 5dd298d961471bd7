package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/sns"
)

type memRepo struct {
	mu            sync.Mutex
	notifications map[uuid.UUID]*db.Notification
	recipients    map[uuid.UUID][]*db.Recipient
	logs          []*db.DeliveryLog
	getErr        error
}

func newMemRepo() *memRepo {
	return &memRepo{
		notifications: make(map[uuid.UUID]*db.Notification),
		recipients:    make(map[uuid.UUID][]*db.Recipient),
	}
}

func (r *memRepo) add(message string, status db.Status, addresses map[string]db.RecipientType, order ...string) *db.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := &db.Notification{ID: uuid.New(), Message: message, Status: status, CreatedAt: time.Now()}
	r.notifications[n.ID] = n
	for _, a := range order {
		r.recipients[n.ID] = append(r.recipients[n.ID], &db.Recipient{
			ID: uuid.New(), NotificationID: n.ID, Address: a, Type: addresses[a],
		})
	}
	return n
}

func (r *memRepo) GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	n, ok := r.notifications[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (r *memRepo) ListRecipients(ctx context.Context, id uuid.UUID) ([]*db.Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recipients[id], nil
}

func (r *memRepo) TransitionStatus(ctx context.Context, id uuid.UUID, to db.Status) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notifications[id]
	if !ok || !db.CanTransition(n.Status, to) {
		return false, nil
	}
	n.Status = to
	return true, nil
}

func (r *memRepo) CompleteDispatch(ctx context.Context, id uuid.UUID, logs []*db.DeliveryLog, status db.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notifications[id]
	if !ok {
		return errors.New("missing")
	}
	r.logs = append(r.logs, logs...)
	if db.CanTransition(n.Status, status) {
		n.Status = status
	}
	return nil
}

func (r *memRepo) status(id uuid.UUID) db.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notifications[id].Status
}

func (r *memRepo) logCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.logs)
}

type stubSender struct {
	mu    sync.Mutex
	ok    bool
	err   error
	calls int
	// during, when set, runs inside Send and supplies its error.
	during func(ctx context.Context) error
}

func (s *stubSender) Send(ctx context.Context, message string, addresses []string) (bool, error) {
	s.mu.Lock()
	s.calls++
	ok, err, during := s.ok, s.err, s.during
	s.mu.Unlock()

	if during != nil {
		if derr := during(ctx); derr != nil {
			return false, derr
		}
	}
	return ok, err
}

func (s *stubSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingEvents struct {
	mu     sync.Mutex
	events []sns.Event
}

func (e *recordingEvents) Publish(ctx context.Context, event sns.Event) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return "evt", nil
}

func newTestLocker(t *testing.T) (*redis.Locker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return redis.NewLocker(redis.Wrap(rdb, zap.NewNop()), zap.NewNop()), mr
}
