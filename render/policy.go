package render

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/dshills/tabflow/queue"
)

// RetryPolicy configures retries of the requeue publish. Delays grow
// exponentially with jitter: min(BaseDelay * 2^attempt, MaxDelay) plus up to
// BaseDelay.
type RetryPolicy struct {
	// MaxAttempts counts the first attempt. Must be >= 1.
	MaxAttempts int

	BaseDelay time.Duration

	// MaxDelay caps the exponential part. Zero means no cap.
	MaxDelay time.Duration

	// Retryable reports whether a publish error is worth retrying. Nil means
	// no error is.
	Retryable func(error) bool
}

// DefaultRetryPolicy retries transient publish failures three times.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Retryable: func(err error) bool {
			return !errors.Is(err, queue.ErrClosed) && !errors.Is(err, context.Canceled)
		},
	}
}

// Validate checks the policy's constraints.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// computeBackoff returns the delay before retry number attempt (0-based).
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base * (1 << attempt)
	if maxDelay > 0 && (delay > maxDelay || delay <= 0) {
		delay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
	}
	return delay + jitter
}
