package paddle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound     = errors.New("paddle: not found")
	ErrConflict     = errors.New("paddle: conflicting state")
	ErrRateLimited  = errors.New("paddle: rate limited")
	ErrUnavailable  = errors.New("paddle: unavailable")
	ErrUnauthorized = errors.New("paddle: unauthorized")
	ErrBadRequest   = errors.New("paddle: bad request")
)

// APIError is a non-2xx response from the provider API.
type APIError struct {
	StatusCode int
	Type       string `json:"type"`
	Code       string `json:"code"`
	Detail     string `json:"detail"`
	RequestID  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("paddle: http %d: %s: %s (request_id=%s)", e.StatusCode, e.Code, e.Detail, e.RequestID)
}

// Unwrap maps the status code onto a sentinel so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case e.StatusCode == http.StatusConflict:
		return ErrConflict
	case e.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case e.StatusCode >= 500:
		return ErrUnavailable
	case e.StatusCode >= 400:
		return ErrBadRequest
	}
	return nil
}

// Retryable reports whether a failed call may succeed when repeated:
// throttling, provider outages and transport failures.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if apiErr, ok := IsAPIError(err); ok {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return errors.Is(err, ErrUnavailable)
}
