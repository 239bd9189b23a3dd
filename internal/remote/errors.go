// Package remote provides the HTTP client for the cloud KV store with
// automatic retry, endpoint failover, and error classification.
package remote

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors for response classification.
// Use errors.Is(err, remote.ErrUnauthorized) to check.
var (
	ErrBadRequest   = errors.New("remote: bad request")
	ErrUnauthorized = errors.New("remote: unauthorized")
	ErrPolicyDenied = errors.New("remote: denied by row policy")
	ErrTokenReplay  = errors.New("remote: refresh token already used")
	ErrNotFound     = errors.New("remote: not found")
	ErrThrottled    = errors.New("remote: throttled")
	ErrServerError  = errors.New("remote: server error")
)

// APIError wraps a sentinel error with HTTP status code, the API error
// code, and the response message for debugging.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote: HTTP %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}

	return fmt.Sprintf("remote: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classify maps a response to a sentinel error. Returns nil for 2xx.
// The API signals row-level policy denials and refresh-token replay
// through error codes rather than distinct statuses, so the body code
// takes precedence over the status line.
func classify(statusCode int, code, message string) error {
	switch {
	case code == "42501" || strings.Contains(message, "row-level security"):
		return ErrPolicyDenied
	case strings.Contains(message, "Already Used") || strings.Contains(code, "refresh_token"):
		return ErrTokenReplay
	}

	switch statusCode {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrPolicyDenied
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if statusCode >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status should be retried.
func isRetryable(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsAuthFatal reports whether err must clear the cached session and
// raise the re-login prompt. Replay and policy errors are deliberately
// excluded: they are logged-and-dropped, never session-ending.
func IsAuthFatal(err error) bool {
	return errors.Is(err, ErrUnauthorized) &&
		!errors.Is(err, ErrTokenReplay) && !errors.Is(err, ErrPolicyDenied)
}

// IsAuthNonFatal reports whether err is an auth-adjacent condition that
// is logged but neither retried nor session-ending.
func IsAuthNonFatal(err error) bool {
	return errors.Is(err, ErrTokenReplay) || errors.Is(err, ErrPolicyDenied)
}
