package dispatch

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"testing"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/channel"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/redis"
)

type stubSender struct {
	ok     bool
	err    error
	calls  [][]string
	during func()
}

func (s *stubSender) Send(ctx context.Context, message string, addresses []string) (bool, error) {
	s.calls = append(s.calls, addresses)
	if s.during != nil {
		s.during()
	}
	return s.ok, s.err
}

func TestDispatch_OnlyNonEmptyTypes(t *testing.T) {
	email := &stubSender{ok: true}
	chat := &stubSender{ok: true}
	svc := New(map[db.RecipientType]channel.Sender{
		db.RecipientEmail:    email,
		db.RecipientTelegram: chat,
	}, zap.NewNop())

	results, err := svc.Dispatch(context.Background(), "Hi", map[db.RecipientType][]string{
		db.RecipientEmail:    {},
		db.RecipientTelegram: {"111"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[db.RecipientType]bool{db.RecipientTelegram: true}
	if !maps.Equal(results, want) {
		t.Errorf("results = %v, want %v", results, want)
	}
	if len(email.calls) != 0 {
		t.Errorf("email sender should not be called, got %v", email.calls)
	}
	if len(chat.calls) != 1 || !slices.Equal(chat.calls[0], []string{"111"}) {
		t.Errorf("chat calls = %v", chat.calls)
	}
}

func TestDispatch_SenderErrorBecomesFalse(t *testing.T) {
	email := &stubSender{err: errors.New("exhausted")}
	chat := &stubSender{ok: true}
	svc := New(map[db.RecipientType]channel.Sender{
		db.RecipientEmail:    email,
		db.RecipientTelegram: chat,
	}, zap.NewNop())

	results, err := svc.Dispatch(context.Background(), "Hi", map[db.RecipientType][]string{
		db.RecipientEmail:    {"a@b.com"},
		db.RecipientTelegram: {"555"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ok, present := results[db.RecipientEmail]; !present || ok {
		t.Errorf("email outcome should be false, got %v (present=%v)", ok, present)
	}
	if !results[db.RecipientTelegram] {
		t.Error("telegram outcome should be true")
	}
}

func TestDispatch_MissingSenderSkipped(t *testing.T) {
	svc := New(map[db.RecipientType]channel.Sender{}, zap.NewNop())

	results, err := svc.Dispatch(context.Background(), "Hi", map[db.RecipientType][]string{
		db.RecipientEmail: {"a@b.com"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no outcomes, got %v", results)
	}
}

func TestDispatch_EmptyInput(t *testing.T) {
	svc := New(map[db.RecipientType]channel.Sender{db.RecipientEmail: &stubSender{ok: true}}, zap.NewNop())

	results, err := svc.Dispatch(context.Background(), "Hi", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no outcomes, got %v", results)
	}
}

func TestDispatch_CancelledContext(t *testing.T) {
	email := &stubSender{ok: true}
	svc := New(map[db.RecipientType]channel.Sender{db.RecipientEmail: email}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Dispatch(ctx, "Hi", map[db.RecipientType][]string{db.RecipientEmail: {"a@b.com"}})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(email.calls) != 0 {
		t.Errorf("sender should not be called, got %v", email.calls)
	}
}

func TestDispatch_CancelledDuringLastSend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	email := &stubSender{ok: true}
	// The send is interrupted by shutdown and reports failure.
	chat := &stubSender{err: context.Canceled, during: cancel}
	svc := New(map[db.RecipientType]channel.Sender{
		db.RecipientEmail:    email,
		db.RecipientTelegram: chat,
	}, zap.NewNop())

	results, err := svc.Dispatch(ctx, "Hi", map[db.RecipientType][]string{
		db.RecipientEmail:    {"a@b.com"},
		db.RecipientTelegram: {"555"},
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, present := results[db.RecipientTelegram]; present {
		t.Error("interrupted send must not be recorded as an outcome")
	}
	if !results[db.RecipientEmail] {
		t.Error("completed email send should be kept in partial results")
	}
}

func TestDispatch_ChannelLockLostAborts(t *testing.T) {
	email := &stubSender{err: fmt.Errorf("%w: %w", redis.ErrLockLost, context.Canceled)}
	chat := &stubSender{ok: true}
	svc := New(map[db.RecipientType]channel.Sender{
		db.RecipientEmail:    email,
		db.RecipientTelegram: chat,
	}, zap.NewNop())

	results, err := svc.Dispatch(context.Background(), "Hi", map[db.RecipientType][]string{
		db.RecipientEmail:    {"a@b.com"},
		db.RecipientTelegram: {"555"},
	})

	if !errors.Is(err, redis.ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no outcomes, got %v", results)
	}
	if len(chat.calls) != 0 {
		t.Error("dispatch should stop after a lost lock")
	}
}

func TestGroupByType(t *testing.T) {
	recipients := []*db.Recipient{
		{Address: "a@b.com", Type: db.RecipientEmail},
		{Address: "555", Type: db.RecipientTelegram},
		{Address: "c@d.com", Type: db.RecipientEmail},
	}

	got := GroupByType(recipients)

	if !slices.Equal(got[db.RecipientEmail], []string{"a@b.com", "c@d.com"}) {
		t.Errorf("email = %v", got[db.RecipientEmail])
	}
	if !slices.Equal(got[db.RecipientTelegram], []string{"555"}) {
		t.Errorf("telegram = %v", got[db.RecipientTelegram])
	}
	if len(GroupByType(nil)) != 0 {
		t.Error("expected empty grouping for nil input")
	}
}
