package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/metrics"
)

// DefaultLockTTL bounds how long a crashed holder can block other workers.
const DefaultLockTTL = 300 * time.Second

const lockMarker = "processing"

// ErrLockLost is the cancellation cause of a WithLock run whose key expired or
// was taken over while fn was still running.
var ErrLockLost = errors.New("lock lost")

// Both scripts act only when the key still carries the caller's token.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// Locker is a best-effort mutual exclusion primitive over Redis SET NX.
// Every acquisition stores a fresh owner token, so a holder can only extend
// or delete its own lease.
//
// A Locker built without a client, or one whose Redis calls fail, fails open
// and every acquisition succeeds.
type Locker struct {
	client *Client
	logger *zap.Logger

	warnOnce sync.Once
}

// NewLocker creates a Locker. client may be nil.
func NewLocker(client *Client, logger *zap.Logger) *Locker {
	return &Locker{client: client, logger: logger}
}

// Acquire sets key with the given TTL if it is not already held and returns
// the owner token. ok is false only when another holder owns the key. The
// token is empty when the lock failed open.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error) {
	if l.client == nil {
		l.warnOnce.Do(func() {
			l.logger.Warn("redis unavailable, locks fail open")
		})
		metrics.RecordLock(metrics.LockFailOpen)
		return "", true, nil
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	token = lockMarker + ":" + uuid.NewString()
	set, err := l.client.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		l.logger.Warn("lock acquire failed, proceeding without lock",
			zap.String("key", key),
			zap.Error(err),
		)
		metrics.RecordLock(metrics.LockFailOpen)
		return "", true, nil
	}

	if !set {
		metrics.RecordLock(metrics.LockContended)
		return "", false, nil
	}
	metrics.RecordLock(metrics.LockAcquired)
	return token, true, nil
}

// Release deletes key if it still carries token. A lease that expired and
// was taken by another holder is left alone.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l.client == nil || token == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client.rdb, []string{key}, token).Err(); err != nil {
		return fmt.Errorf("redis release failed: %w", err)
	}
	return nil
}

// Refresh resets the TTL of key if it still carries token. It reports false
// when the lease is gone.
func (l *Locker) Refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if l.client == nil || token == "" {
		return true, nil
	}
	n, err := refreshScript.Run(ctx, l.client.rdb, []string{key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis refresh failed: %w", err)
	}
	return n == 1, nil
}

// WithLock runs fn while holding key. When the key is held elsewhere fn is
// not run and acquired is false.
//
// The lease is renewed every third of ttl for as long as fn runs. If renewal
// finds the key gone or owned by someone else, fn's context is cancelled with
// ErrLockLost and the returned error wraps it. The key is released on every
// exit path of fn, including a panic.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (acquired bool, err error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	token, ok, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		l.logger.Debug("lock held elsewhere, skipping", zap.String("key", key))
		return false, nil
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	stopped := make(chan struct{})
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		l.keepAlive(runCtx, key, token, ttl, stopped, cancel)
	}()

	defer func() {
		close(stopped)
		<-renewDone
		cancel(nil)
		// Release even when the caller's context was cancelled.
		if relErr := l.Release(context.WithoutCancel(ctx), key, token); relErr != nil {
			l.logger.Warn("lock release failed",
				zap.String("key", key),
				zap.Error(relErr),
			)
		}
	}()

	err = fn(runCtx)
	if err != nil && errors.Is(context.Cause(runCtx), ErrLockLost) && !errors.Is(err, ErrLockLost) {
		err = fmt.Errorf("%w: %w", ErrLockLost, err)
	}
	return true, err
}

func (l *Locker) keepAlive(ctx context.Context, key, token string, ttl time.Duration, stopped <-chan struct{}, cancel context.CancelCauseFunc) {
	if l.client == nil || token == "" {
		return
	}
	ticker := time.NewTicker(max(ttl/3, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-stopped:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		held, err := l.Refresh(ctx, key, token, ttl)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("lock refresh failed", zap.String("key", key), zap.Error(err))
			continue
		}
		if !held {
			l.logger.Warn("lock lost while held", zap.String("key", key))
			metrics.RecordLock(metrics.LockLost)
			cancel(ErrLockLost)
			return
		}
	}
}

// NotificationLockKey guards one processing run of a notification.
func NotificationLockKey(id string) string {
	return "notification_lock:" + id
}

// EmailLockKey guards one email send of subject to an address set.
func EmailLockKey(subject string, addresses []string) string {
	return "email_lock:" + subject + ":" + hashSet(addresses)
}

// ChatLockKey guards one chat send of message to an address set.
func ChatLockKey(message string, addresses []string) string {
	return "telegram_lock:" + strconv.FormatUint(xxhash.Sum64String(message), 16) + ":" + hashSet(addresses)
}

// hashSet hashes addresses independent of order and duplicates.
func hashSet(addresses []string) string {
	uniq := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		uniq[a] = struct{}{}
	}
	sorted := make([]string, 0, len(uniq))
	for a := range uniq {
		sorted = append(sorted, a)
	}
	sort.Strings(sorted)

	return strconv.FormatUint(xxhash.Sum64String(strings.Join(sorted, "\x00")), 16)
}
