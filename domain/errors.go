package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a request or pool operation failed, independent
// of the specific error value. See spec §7 for the full policy table.
type ErrorKind string

const (
	ErrKindSetupFailure        ErrorKind = "SETUP_FAILURE"
	ErrKindLeaseFailure        ErrorKind = "LEASE_FAILURE"
	ErrKindRunnerFailure       ErrorKind = "RUNNER_FAILURE"
	ErrKindRunnerTimeout       ErrorKind = "RUNNER_TIMEOUT"
	ErrKindResetFailure        ErrorKind = "RESET_FAILURE"
	ErrKindDuplicateID         ErrorKind = "DUPLICATE_ID"
	ErrKindQueueFull           ErrorKind = "QUEUE_FULL"
	ErrKindShutdownInProgress  ErrorKind = "SHUTDOWN_IN_PROGRESS"
)

// CoreError wraps an underlying error with the kind that classifies it and,
// where applicable, the request it happened to. Callers that only care
// about the kind can use errors.As with *CoreError; callers that want the
// original cause can Unwrap.
type CoreError struct {
	Kind      ErrorKind
	RequestID RequestID
	Err       error
}

func (e *CoreError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s (request %s): %v", e.Kind, e.RequestID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

// NewCoreError wraps err with the given kind. A nil err is stored as is;
// Error then renders it as "<nil>" after the kind.
func NewCoreError(kind ErrorKind, requestID RequestID, err error) *CoreError {
	return &CoreError{Kind: kind, RequestID: requestID, Err: err}
}

// IsKind reports whether err is a *CoreError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}
