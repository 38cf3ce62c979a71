package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed pull/push request rejected before any
	// transaction is opened.
	ErrValidation = errors.New("sync: invalid request")
	// ErrProtocolViolation marks a pushed mutation id ahead of the expected
	// sequence; the whole batch is aborted.
	ErrProtocolViolation = errors.New("sync: mutation id ahead of expected")
	// ErrMutation marks a business-logic failure inside a dispatched mutation.
	ErrMutation = errors.New("sync: mutation failed")
)

// ServiceError carries a dotted operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func newValidationError(operation, reason string, cause error) error {
	if cause == nil {
		cause = ErrValidation
	} else if !errors.Is(cause, ErrValidation) {
		cause = fmt.Errorf("%w: %v", ErrValidation, cause)
	}
	return newServiceError(operation, reason, cause)
}
