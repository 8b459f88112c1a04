package inference

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrNoModel       = errors.New("inference: model required")
	ErrEmptyResponse = errors.New("inference: no choices returned")

	// ErrTruncated means a JSON answer was cut off at the token limit and
	// cannot be decoded.
	ErrTruncated = errors.New("inference: answer truncated")
)

// APIError is a non-200 answer from the completions endpoint.
type APIError struct {
	StatusCode int
	Message    string
	Code       string

	// RetryAfter is the server's Retry-After hint, zero when absent.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("inference: status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("inference: status %d: %s", e.StatusCode, e.Message)
}

// IsUnauthorized reports a rejected API key.
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// IsRetryable reports rate limiting and server-side failures.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
