package providers

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// RateLimitError is returned when a provider responds with HTTP 429. It is
// distinct from TransientError so callers can report backpressure to the
// scheduler instead of burning retry budget.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
	StatusCode int
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %s)", e.Message, e.RetryAfter)
	}
	return e.Message
}

// IsRateLimitError reports whether err wraps a RateLimitError.
func IsRateLimitError(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

// TransientError covers network failures and retryable provider statuses
// (5xx, gateway errors). Callers retry these with backoff.
type TransientError struct {
	Message    string
	StatusCode int // 0 for network-level failures
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d)", e.Message, e.StatusCode)
	}
	return e.Message
}

// IsTransientError reports whether err wraps a TransientError.
func IsTransientError(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// retryableStatus reports whether an HTTP status code indicates a transient
// provider failure.
func retryableStatus(statusCode int) bool {
	switch statusCode {
	case 520, 521, 522, 523, 524: // Cloudflare
		return true
	default:
		return statusCode >= 500
	}
}

// parseRetryAfter interprets a Retry-After header value in seconds.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
