package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/retry"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := New(cfg, zap.NewNop())
	cb.now = clock.now
	return cb, clock
}

func trip(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb, _ := newTestBreaker(DefaultConfig("ses"))
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_OpensAndRejects(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "ses", MaxFailures: 3, RecoveryTimeout: time.Minute})
	trip(cb, 3)

	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Fatal("should reject when open")
	}
}

func TestCircuitBreaker_ProbeLifecycle(t *testing.T) {
	tests := []struct {
		name      string
		probeOK   bool
		wantState State
	}{
		{"successful probe closes", true, StateClosed},
		{"failed probe reopens", false, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clock := newTestBreaker(Config{Name: "telegram", MaxFailures: 2, RecoveryTimeout: 30 * time.Second})
			trip(cb, 2)

			clock.advance(29 * time.Second)
			if cb.Allow() {
				t.Fatal("should reject before recovery timeout")
			}

			clock.advance(time.Second)
			if !cb.Allow() {
				t.Fatal("should allow probe after timeout")
			}
			if cb.GetState() != StateHalfOpen {
				t.Fatalf("expected StateHalfOpen, got %s", cb.GetState())
			}
			if cb.Allow() {
				t.Fatal("second half-open request should be rejected")
			}

			if tt.probeOK {
				cb.RecordSuccess()
			} else {
				cb.RecordFailure()
			}
			if cb.GetState() != tt.wantState {
				t.Fatalf("expected %s, got %s", tt.wantState, cb.GetState())
			}
		})
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "ses", MaxFailures: 3})
	trip(cb, 2)
	cb.Allow()
	cb.RecordSuccess()
	trip(cb, 2)

	if cb.GetState() != StateClosed {
		t.Fatal("success should have reset failure count")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "ses", MaxFailures: 2, RecoveryTimeout: time.Minute})
	trip(cb, 2)
	cb.Reset()

	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed after reset, got %s", cb.GetState())
	}
	if !cb.Allow() {
		t.Fatal("should allow after reset")
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "stats-test", MaxFailures: 5})
	cb.Execute(func() error { return nil })
	cb.Execute(func() error { return errors.New("boom") })
	cb.Execute(func() error { return nil })

	stats := cb.Stats()
	if stats.Name != "stats-test" || stats.State != "closed" {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.TotalRequests != 3 || stats.TotalSuccesses != 2 || stats.TotalFailures != 1 {
		t.Fatalf("unexpected counters: %+v", stats)
	}
	if stats.LastFailure == "" {
		t.Error("last failure should be set")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

type mockChat struct {
	err   error
	calls int
}

func (m *mockChat) SendMessage(ctx context.Context, chatID, text string) error {
	m.calls++
	return m.err
}

type mockEmail struct {
	err   error
	calls int
}

func (m *mockEmail) SendEmail(ctx context.Context, subject, body string, to []string) error {
	m.calls++
	return m.err
}

func TestProtectedEmailTransport_FailFastWhenOpen(t *testing.T) {
	inner := &mockEmail{err: errors.New("ses down")}
	cb, _ := newTestBreaker(Config{Name: "ses", MaxFailures: 2, RecoveryTimeout: time.Minute})
	p := NewProtectedEmailTransport(inner, cb)

	for i := 0; i < 2; i++ {
		p.SendEmail(context.Background(), "s", "b", []string{"a@b.com"})
	}

	err := p.SendEmail(context.Background(), "s", "b", []string{"a@b.com"})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if retry.IsPermanent(err) {
		t.Error("open circuit must stay retryable")
	}
	if inner.calls != 2 {
		t.Errorf("inner should not be called while open, calls=%d", inner.calls)
	}
	if p.Breaker() != cb {
		t.Error("Breaker() should return the wrapped breaker")
	}
}

func TestProtectedChatTransport_RejectionsDoNotTrip(t *testing.T) {
	inner := &mockChat{err: retry.Permanent(errors.New("chat not found"))}
	cfg := Config{Name: "telegram", MaxFailures: 2, RecoveryTimeout: time.Minute, IsFailure: ProviderFailure}
	cb, _ := newTestBreaker(cfg)
	p := NewProtectedChatTransport(inner, cb)

	for i := 0; i < 5; i++ {
		err := p.SendMessage(context.Background(), "1", "Hi")
		if !retry.IsPermanent(err) {
			t.Fatalf("rejection should pass through, got %v", err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("rejections should not open the circuit, got %s", cb.GetState())
	}

	inner.err = errors.New("connection reset")
	p.SendMessage(context.Background(), "1", "Hi")
	p.SendMessage(context.Background(), "1", "Hi")
	if cb.GetState() != StateOpen {
		t.Fatalf("transport failures should open the circuit, got %s", cb.GetState())
	}
}
