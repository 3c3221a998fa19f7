package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// Policy is an explicit retry policy: max attempts, a backoff schedule,
// and a predicate deciding which errors are worth retrying. Passed as a
// plain value where retries apply, rather than wrapping call sites.
type Policy struct {
	MaxAttempts int
	Backoff     []time.Duration
	Retryable   func(error) bool
}

// transient is implemented by errors that classify themselves.
type transient interface {
	IsTransient() bool
}

// TransientOnly retries errors that declare themselves transient and
// anything that is not a self-classifying error. Validation-style
// errors reporting IsTransient() == false are never retried.
func TransientOnly(err error) bool {
	var t transient
	if errors.As(err, &t) {
		return t.IsTransient()
	}
	return true
}

// Default is the policy used for store writes during imports: three
// attempts with a short growing backoff, transient errors only.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		Backoff:     []time.Duration{500 * time.Millisecond, 2 * time.Second},
		Retryable:   TransientOnly,
	}
}

// Do runs fn under the policy. It returns nil on the first success,
// the last error once attempts are exhausted, and stops early when the
// error is not retryable or the context ends. A nil clock uses real
// time.
func (p Policy) Do(ctx context.Context, clock clockwork.Clock, fn func(context.Context) error) error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy needs at least one attempt, got %d", p.MaxAttempts)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-clock.After(p.backoffFor(attempt - 1)):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("giving up after %d attempts: %w", p.MaxAttempts, lastErr)
}

// backoffFor returns the wait before retry i, reusing the last
// schedule entry when attempts outnumber entries.
func (p Policy) backoffFor(i int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	if i >= len(p.Backoff) {
		i = len(p.Backoff) - 1
	}
	return p.Backoff[i]
}
