package analysis

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies terminal failures.
type ErrorKind string

const (
	ErrorTransient    ErrorKind = "transient"
	ErrorFatal        ErrorKind = "fatal"
	ErrorInvalidInput ErrorKind = "invalid_input"
	ErrorTimeout      ErrorKind = "timeout"
	ErrorCancelled    ErrorKind = "cancelled"
	ErrorIntegration  ErrorKind = "integration"
)

var (
	ErrTransient    = errors.New("transient failure")
	ErrFatal        = errors.New("fatal failure")
	ErrInvalidInput = errors.New("invalid input")
	ErrTimeout      = errors.New("timeout")
	ErrCancelled    = errors.New("cancelled")
	ErrIntegration  = errors.New("integration failed")

	ErrIllegalTransition = errors.New("illegal status transition")
)

var kindSentinels = map[ErrorKind]error{
	ErrorTransient:    ErrTransient,
	ErrorFatal:        ErrFatal,
	ErrorInvalidInput: ErrInvalidInput,
	ErrorTimeout:      ErrTimeout,
	ErrorCancelled:    ErrCancelled,
	ErrorIntegration:  ErrIntegration,
}

// TaskError is the failure recorded on a WorkerTask or a Run.
type TaskError struct {
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
	Attempts int       `json:"attempts,omitempty"`
}

func (e *TaskError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("%s: %s (after %d attempts)", e.Kind, e.Message, e.Attempts)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TaskError) Unwrap() error {
	return kindSentinels[e.Kind]
}

// NewTaskError builds a TaskError of the given kind from err.
func NewTaskError(kind ErrorKind, err error, attempts int) *TaskError {
	msg := string(kind)
	if err != nil {
		msg = err.Error()
	}
	return &TaskError{Kind: kind, Message: msg, Attempts: attempts}
}

// Classify maps an arbitrary error onto the taxonomy. Errors that carry no
// classification are treated as transient.
func Classify(err error) ErrorKind {
	var te *TaskError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &te):
		return te.Kind
	case errors.Is(err, ErrTransient):
		return ErrorTransient
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorTimeout
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ErrorCancelled
	case errors.Is(err, ErrInvalidInput):
		return ErrorInvalidInput
	case errors.Is(err, ErrFatal):
		return ErrorFatal
	case errors.Is(err, ErrIntegration):
		return ErrorIntegration
	default:
		return ErrorTransient
	}
}

// AttemptCounter is implemented by errors that know how many provider
// attempts were made before giving up.
type AttemptCounter interface {
	AttemptCount() int
}

// Attempts extracts the attempt count carried by err, or 0.
func Attempts(err error) int {
	var te *TaskError
	if errors.As(err, &te) && te.Attempts > 0 {
		return te.Attempts
	}
	var ac AttemptCounter
	if errors.As(err, &ac) {
		return ac.AttemptCount()
	}
	return 0
}
