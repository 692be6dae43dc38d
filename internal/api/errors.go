package api

import (
	"errors"
	"fmt"
)

// AuthError indicates bad credentials or a failed token exchange. Fatal to
// the session until re-configured.
type AuthError struct {
	Status int
	Msg    string
}

func (e *AuthError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("authentication failed (HTTP %d): %s", e.Status, e.Msg)
	}
	return fmt.Sprintf("authentication failed: %s", e.Msg)
}

// RetryableAPIError indicates a 429/5xx response or a timeout. Callers may
// retry with their own pacing; the client itself does not.
type RetryableAPIError struct {
	Status int
	Msg    string
}

func (e *RetryableAPIError) Error() string {
	return fmt.Sprintf("retryable API error (HTTP %d): %s", e.Status, e.Msg)
}

// FatalAPIError indicates a non-auth 4xx response. Not retried.
type FatalAPIError struct {
	Status int
	Msg    string
}

func (e *FatalAPIError) Error() string {
	return fmt.Sprintf("API request failed (HTTP %d): %s", e.Status, e.Msg)
}

// TransportError indicates a network-level failure before any HTTP status
// was known. Treated as retryable.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("cannot reach %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	var re *RetryableAPIError
	var te *TransportError
	return errors.As(err, &re) || errors.As(err, &te)
}
