// Package errors provides error types and retry policies for the SmartThings exporter.
package errors

import (
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// AuthError indicates the API rejected the credential (401). The client
// performs exactly one transparent refresh-and-retry before surfacing it.
type AuthError struct {
	Endpoint   string
	Underlying error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed on %s: %v", e.Endpoint, e.Underlying)
}

func (e *AuthError) Unwrap() error {
	return e.Underlying
}

// NetworkError indicates a transport failure, timeout or 5xx response.
// StatusCode is the last observed HTTP status, 0 for pure transport errors.
type NetworkError struct {
	Endpoint   string
	StatusCode int
	Attempts   int
	Underlying error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error on %s (status %d, %d attempts): %v", e.Endpoint, e.StatusCode, e.Attempts, e.Underlying)
	}
	return fmt.Sprintf("network error on %s (%d attempts): %v", e.Endpoint, e.Attempts, e.Underlying)
}

func (e *NetworkError) Unwrap() error {
	return e.Underlying
}

// RateLimited indicates the retry budget was exhausted on 429 responses.
type RateLimited struct {
	Endpoint   string
	Attempts   int
	RetryAfter time.Duration
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("rate limited on %s after %d attempts (retry after %v)", e.Endpoint, e.Attempts, e.RetryAfter)
}

// NotFoundError indicates the device no longer exists upstream. Not retried;
// the device is dropped from the active list at the next refresh.
type NotFoundError struct {
	DeviceID string
	Endpoint string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("device %s not found (%s)", e.DeviceID, e.Endpoint)
}

// MappingError indicates a malformed mapping table entry. Fatal at startup:
// a broken table would silently drop metrics a user expects.
type MappingError struct {
	Capability string
	Field      string
	Reason     string
}

func (e *MappingError) Error() string {
	if e.Capability == "" {
		return fmt.Sprintf("mapping table: %s", e.Reason)
	}
	return fmt.Sprintf("mapping table entry %q, field %q: %s", e.Capability, e.Field, e.Reason)
}

// IsAuth reports whether err is an AuthError.
func IsAuth(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nfErr *NotFoundError
	return errors.As(err, &nfErr)
}

// IsRateLimited reports whether err is a RateLimited error.
func IsRateLimited(err error) bool {
	var rlErr *RateLimited
	return errors.As(err, &rlErr)
}

// Backoff configures bounded retry behavior for transient API failures.
type Backoff struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter is the fraction of the computed delay randomized away,
	// in [0, 1). Zero disables jitter (used by tests).
	Jitter float64
}

// DefaultBackoff returns the retry policy used against the SmartThings API.
func DefaultBackoff(maxAttempts int) Backoff {
	return Backoff{
		MaxAttempts: maxAttempts,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.25,
	}
}

// Delay returns the wait before retry number attempt (0-based).
// Growth is exponential with an absolute cap, then jittered downward so
// concurrent callers do not retry in lockstep.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(b.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= b.Multiplier
		if delay >= float64(b.MaxDelay) {
			delay = float64(b.MaxDelay)
			break
		}
	}

	if b.Jitter > 0 {
		delay -= delay * b.Jitter * rand.Float64()
	}

	return time.Duration(delay)
}
