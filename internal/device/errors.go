package device

import (
	"errors"
	"fmt"
)

// ErrRestartRecommended matches an *AuthError raised once auth failures
// within the rolling window reach the configured threshold. The gateway
// keeps working; restarting is the caller's decision.
var ErrRestartRecommended = errors.New("device: restart recommended after repeated auth failures")

// NetworkError is a transport failure or a 5xx answer that survived every
// retry attempt.
type NetworkError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("device %s: network error after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError means the device refused our credentials or session.
type AuthError struct {
	Op      string
	Status  int
	Message string

	// Restart is set when this failure crossed the auth threshold.
	Restart bool
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("device %s: auth required (status=%d)", e.Op, e.Status)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Restart {
		msg += " [restart recommended]"
	}
	return msg
}

func (e *AuthError) Is(target error) bool {
	return target == ErrRestartRecommended && e.Restart
}

// StatusError is an unexpected non-auth 4xx answer. It is not retried.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("device %s: unexpected status %d: %s", e.Op, e.Code, e.Body)
}

// IsAuth reports whether err carries an *AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsNetwork reports whether err carries a *NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
