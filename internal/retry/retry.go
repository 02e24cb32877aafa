// Package retry implements the backoff-with-jitter helper the refresh
// engine wraps around each refresh attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"
)

// Policy is the retry configuration attached to a refresh policy or a
// source adapter call. Backoff follows base*2^attempt, capped at Max, with
// additive jitter drawn uniformly from [0, Jitter).
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
	Jitter      time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		Base:        500 * time.Millisecond,
		Max:         30 * time.Second,
		Jitter:      1 * time.Second,
	}
}

// Do runs fn, retrying on retryable errors until MaxAttempts is exhausted,
// the context is canceled, or fn succeeds. sleep lets callers inject a
// fake clock's After in tests; it defaults to time.After when nil.
func Do(ctx context.Context, p Policy, sleep func(time.Duration) <-chan time.Time, fn func() error) error {
	if sleep == nil {
		sleep = time.After
	}
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-sleep(Backoff(p, attempt-1)):
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", p.MaxAttempts, lastErr)
}

// Backoff computes base*2^attempt capped at Max, plus additive jitter in
// [0, Jitter). attempt is 1-indexed (the delay before the second try).
func Backoff(p Policy, attempt int) time.Duration {
	backoff := p.Base * time.Duration(1<<uint(attempt))
	if p.Max > 0 && backoff > p.Max {
		backoff = p.Max
	}
	if p.Jitter > 0 {
		backoff += time.Duration(rand.Int64N(int64(p.Jitter)))
	}
	return backoff
}

// IsRetryable reports whether err represents a transient condition worth
// retrying: network timeouts, connection resets, 429/5xx responses, and a
// set of common transient-failure substrings.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
	}

	type hasStatusCode interface{ StatusCode() int }
	var sc hasStatusCode
	if errors.As(err, &sc) {
		switch sc.StatusCode() {
		case http.StatusTooManyRequests, http.StatusInternalServerError,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection closed", "eof", "client is closing", "broken pipe",
		"connection reset", "timeout", "temporary failure",
		"service unavailable", "rate limit", "too many requests",
		"connection refused",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
