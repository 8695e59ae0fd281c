package graph

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// RetryPolicy retries an operation against an external collaborator, such as
// a reporting backend, with exponential backoff and jitter.
//
// Stages never retry their own run: a failed stage fails its edges. The
// policy is for work inside a stage that talks to a flaky peer.
type RetryPolicy struct {
	// MaxAttempts counts the initial attempt. 1 means no retries.
	MaxAttempts int

	// BaseDelay is the first backoff. Delays double per attempt.
	BaseDelay time.Duration

	// MaxDelay caps the exponential part. Zero means no cap.
	MaxDelay time.Duration

	// Retryable reports whether err is worth another attempt. Nil retries
	// every error.
	Retryable func(error) bool

	// Rand is the jitter source. Nil uses the global source.
	Rand *rand.Rand
}

// Validate checks the policy bounds.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.BaseDelay < 0 || rp.MaxDelay < 0 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// Backoff returns the delay before retry number attempt (zero-based):
// min(base * 2^attempt, maxDelay) plus a jitter in [0, base).
func (rp *RetryPolicy) Backoff(attempt int) time.Duration {
	base := rp.BaseDelay
	if base <= 0 {
		return 0
	}
	delay := base << uint(attempt)
	if delay <= 0 || (rp.MaxDelay > 0 && delay > rp.MaxDelay) {
		delay = rp.MaxDelay
	}

	var jitter time.Duration
	if rp.Rand != nil {
		jitter = time.Duration(rp.Rand.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
	}
	return delay + jitter
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx is done. The last error is returned.
//
// A nil policy calls fn once.
func (rp *RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if rp == nil {
		return fn(ctx)
	}
	if err := rp.Validate(); err != nil {
		return err
	}

	var err error
	for attempt := 0; attempt < rp.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if rp.Retryable != nil && !rp.Retryable(err) {
			return err
		}
		if attempt == rp.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(rp.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	return err
}
