package remote

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound means the resource no longer exists or is inaccessible
	ErrNotFound = errors.New("remote resource not found")
	// ErrRateLimited means the provider asked us to slow down
	ErrRateLimited = errors.New("rate limited")
	// ErrCursorReset means a delta cursor is stale and must be discarded
	ErrCursorReset = errors.New("cursor reset")
	// ErrExportTooLarge means the provider refused to export a large document
	ErrExportTooLarge = errors.New("export size limit exceeded")
	// ErrUnsupported means the provider does not offer an operation
	ErrUnsupported = errors.New("operation not supported by provider")
)

// HTTPError is a non-2xx response from a provider API
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	Reasons    []string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("http %d", e.StatusCode)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Is maps well-known statuses onto the package sentinels
func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrExportTooLarge:
		return e.StatusCode == http.StatusForbidden &&
			(e.HasReason("exportSizeLimitExceeded") || strings.Contains(e.Message, "too large to be exported"))
	}
	return false
}

// HasReason reports whether the provider attached the given reason code
func (e *HTTPError) HasReason(reason string) bool {
	for _, r := range e.Reasons {
		if r == reason {
			return true
		}
	}
	return false
}

// Transient reports whether retrying the same request may succeed
func (e *HTTPError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusRequestTimeout
}

// RateLimitPredicate decides whether an error is a provider rate-limit signal
type RateLimitPredicate func(err error) bool

// DefaultRateLimitPredicate treats 429, and 403 with a rate-limit reason, as
// rate limiting. Errors already wrapping ErrRateLimited also match.
func DefaultRateLimitPredicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	if httpErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if httpErr.StatusCode == http.StatusForbidden {
		return httpErr.HasReason("rateLimitExceeded") || httpErr.HasReason("userRateLimitExceeded")
	}
	return false
}

// RetryAfterHint extracts a provider supplied wait time, if any
func RetryAfterHint(err error) time.Duration {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.RetryAfter
	}
	return 0
}

// ParseRetryAfter parses a Retry-After header value
func ParseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}
