package provider

import (
	"errors"
	"fmt"
	"time"

	"github.com/mtzanidakis/sitescope/internal/analysis"
)

// RetryableError marks a failure worth retrying: timeouts, throttling, 5xx
// and network errors.
type RetryableError struct {
	Provider   string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: retryable status %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// FatalError is never retried: bad credentials, malformed requests.
type FatalError struct {
	Provider string
	Status   int
	Err      error
	Attempts int
}

func (e *FatalError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: fatal status %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *FatalError) Unwrap() []error { return []error{e.Err, analysis.ErrFatal} }

func (e *FatalError) AttemptCount() int { return e.Attempts }

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Provider string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: giving up after %d attempts: %v", e.Provider, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() []error { return []error{e.Err, analysis.ErrTransient} }

func (e *ExhaustedError) AttemptCount() int { return e.Attempts }

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Fatal wraps err as a non-retryable provider failure.
func Fatal(provider string, err error) error {
	return &FatalError{Provider: provider, Err: err}
}

// Retryable wraps err as a retryable provider failure.
func Retryable(provider string, err error) error {
	return &RetryableError{Provider: provider, Err: err}
}
