package discovery

import (
	"context"
	"errors"
	"math"
	"os"
	"os/exec"
	"time"
)

// RetryPolicy controls how transient probe failures are retried with
// exponential backoff. Probes hit binaries that may be mid-upgrade or
// briefly locked by a package manager; one immediate failure is not
// conclusive.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// defaultProbeRetry keeps retries short: probes run inside an availability
// refresh the caller is waiting on.
func defaultProbeRetry() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  2,
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     time.Second,
	}
}

// ShouldRetry returns true if the error is retryable and attempts remain.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	return p.isRetryable(err)
}

// isRetryable classifies probe errors. Timeouts are not retried because the
// per-probe budget is already spent; a vanished binary cannot come back by
// retrying. Everything else (spawn races, busy executables) is retryable.
func (p *RetryPolicy) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return false
	}
	return true
}

// NextDelay returns the backoff delay for the given attempt number (1-indexed).
// The delay is InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// run executes fn up to MaxAttempts times, backing off between attempts.
// Returns the last result once fn succeeds, the error is classified as
// permanent, or attempts run out.
func (p *RetryPolicy) run(ctx context.Context, fn func() (string, int, error)) (string, int, error) {
	var out string
	var code int
	var err error
	for attempt := 1; ; attempt++ {
		out, code, err = fn()
		if err == nil || !p.ShouldRetry(err, attempt) {
			return out, code, err
		}
		select {
		case <-ctx.Done():
			return out, code, err
		case <-time.After(p.NextDelay(attempt)):
		}
	}
}
