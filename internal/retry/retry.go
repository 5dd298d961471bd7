// Package retry bounds how often a failing unit of work is re-attempted and
// how long to wait between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	goretry "github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/metrics"
)

// ErrExhausted wraps the last failure once every retry has been spent.
var ErrExhausted = errors.New("retries exhausted")

// Policy describes the retry budget of a unit of work.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultPolicy returns 3 retries starting at one minute, capped at ten.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  60 * time.Second,
		MaxDelay:   600 * time.Second,
	}
}

// Delay returns the wait before retry number attempt (1-based).
// The sequence doubles from BaseDelay and never exceeds MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Decision is the outcome of Decide.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Decide reports whether err should be retried as retry number attempt.
func (p Policy) Decide(err error, attempt int) Decision {
	if err == nil || IsPermanent(err) || attempt > p.MaxRetries {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.Delay(attempt)}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Controller runs units of work in-process under a Policy.
type Controller struct {
	policy  Policy
	logger  *zap.Logger
	observe func(unit string, attempt int, wait time.Duration)
}

// NewController creates a Controller.
func NewController(policy Policy, logger *zap.Logger) *Controller {
	return &Controller{policy: policy, logger: logger}
}

// Policy returns the controller's policy.
func (c *Controller) Policy() Policy {
	return c.policy
}

// OnRetry registers a hook called before each wait.
func (c *Controller) OnRetry(fn func(unit string, attempt int, wait time.Duration)) {
	c.observe = fn
}

// Do runs fn until it succeeds, returns a permanent error, ctx is done, or
// MaxRetries retries have been spent. Exhaustion returns an error wrapping
// both ErrExhausted and the last failure.
func (c *Controller) Do(ctx context.Context, unit string, fn func(ctx context.Context) error) error {
	attempt := 0
	// WithMaxRetries only consults the inner func when another attempt will
	// follow, so this is where a retry is counted.
	var backoff goretry.Backoff = goretry.BackoffFunc(func() (time.Duration, bool) {
		wait := c.policy.Delay(attempt)
		metrics.RecordRetry(unit, "retry")
		if c.observe != nil {
			c.observe(unit, attempt, wait)
		}
		return wait, false
	})
	backoff = goretry.WithMaxRetries(uint64(max(c.policy.MaxRetries, 0)), backoff)

	var last error
	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = err
		if IsPermanent(err) {
			return err
		}
		c.logger.Warn("attempt failed",
			zap.String("unit", unit),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return goretry.RetryableError(err)
	})

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return err
	case IsPermanent(err):
		metrics.RecordRetry(unit, "permanent")
		return err
	default:
		metrics.RecordRetry(unit, "exhausted")
		c.logger.Error("retries exhausted",
			zap.String("unit", unit),
			zap.Int("attempts", attempt),
			zap.Error(last),
		)
		return fmt.Errorf("%s: %w after %d attempts: %w", unit, ErrExhausted, attempt, last)
	}
}
