package channel

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/retry"
)

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
	keys []string
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]bool)}
}

func (l *fakeLocker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	l.mu.Lock()
	if l.held[key] {
		l.mu.Unlock()
		return false, nil
	}
	l.held[key] = true
	l.keys = append(l.keys, key)
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}()
	return true, fn(ctx)
}

func (l *fakeLocker) hold(key string) {
	l.mu.Lock()
	l.held[key] = true
	l.mu.Unlock()
}

type emailCall struct {
	subject string
	body    string
	to      []string
}

type fakeEmailTransport struct {
	calls []emailCall
	errs  []error // returned in order, then nil
}

func (f *fakeEmailTransport) SendEmail(ctx context.Context, subject, body string, to []string) error {
	f.calls = append(f.calls, emailCall{subject: subject, body: body, to: to})
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

type fakeChatTransport struct {
	calls []string
	fail  map[string]error
}

func (f *fakeChatTransport) SendMessage(ctx context.Context, chatID, text string) error {
	f.calls = append(f.calls, chatID)
	return f.fail[chatID]
}

func testRetrier() *retry.Controller {
	return retry.NewController(retry.Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, zap.NewNop())
}
