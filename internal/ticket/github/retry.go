package github

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/alekspetrov/kiln/internal/ticket"
)

// RetryOptions configures retry behavior.
type RetryOptions struct {
	MaxRetries int           // maximum number of retries
	BaseDelay  time.Duration // initial delay between retries
	MaxDelay   time.Duration // cap on the backoff delay
}

// DefaultRetryOptions returns sensible defaults for API calls.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// WithRetry executes an operation with exponential backoff retry. It
// respects context cancellation and GitHub's Retry-After hints.
func WithRetry[T any](ctx context.Context, op func() (T, error), opts RetryOptions) (T, error) {
	var result T
	var lastErr error

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		result, lastErr = op()
		if lastErr == nil {
			return result, nil
		}

		if !isRetryableError(lastErr) {
			return result, lastErr
		}
		if attempt >= opts.MaxRetries {
			return result, lastErr
		}

		// 1s, 2s, 4s, 8s...
		delay := opts.BaseDelay * time.Duration(1<<uint(attempt))
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
		if retryAfter := extractRetryAfter(lastErr); retryAfter > 0 {
			delay = retryAfter
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(delay):
		}
	}

	return result, lastErr
}

// WithRetryVoid is WithRetry for operations without a return value.
func WithRetryVoid(ctx context.Context, op func() error, opts RetryOptions) error {
	_, err := WithRetry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	}, opts)
	return err
}

// isRetryableError reports whether an error is transient. Rate limiting,
// server errors and connectivity loss retry; auth, not-found and validation
// errors do not.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ticket.ErrNetwork) {
		return true
	}
	if errors.Is(err, ticket.ErrNotFound) || errors.Is(err, ticket.ErrUnauthorized) ||
		errors.Is(err, ticket.ErrConflict) {
		return false
	}

	errStr := strings.ToLower(err.Error())
	for _, marker := range []string{
		"status 429",
		"status 500",
		"status 502",
		"status 503",
		"status 504",
		"connection refused",
		"connection reset",
		"no such host",
		"network is unreachable",
		"i/o timeout",
		"dial tcp",
	} {
		if strings.Contains(errStr, marker) {
			return true
		}
	}
	return false
}

var retryAfterPattern = regexp.MustCompile(`(?i)retry.after[:\s]+(\d+)`)

// extractRetryAfter pulls a Retry-After hint out of a rate limit error.
// Returns 0 if none is present.
func extractRetryAfter(err error) time.Duration {
	if err == nil {
		return 0
	}
	errStr := err.Error()

	if m := retryAfterPattern.FindStringSubmatch(errStr); len(m) > 1 {
		if seconds, parseErr := strconv.Atoi(m[1]); parseErr == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}

	// 429 without an explicit hint: GitHub's window is one minute.
	if strings.Contains(errStr, "status 429") {
		return 60 * time.Second
	}
	return 0
}
