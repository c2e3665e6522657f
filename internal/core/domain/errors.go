package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("order-saga: not found")
	ErrValidation          = errors.New("order-saga: validation failed")
	ErrDuplicateRequest    = errors.New("order-saga: duplicate request")
	ErrInsufficientStock   = errors.New("order-saga: insufficient stock")
	ErrInsufficientBalance = errors.New("order-saga: insufficient balance")
	ErrInvalidTransition   = errors.New("order-saga: invalid order status transition")

	// ErrVersionConflict is returned by a conditional write that lost the
	// race against a concurrent writer. It never leaves the retry loop.
	ErrVersionConflict = errors.New("order-saga: version conflict")

	// ErrRecoveryFailure means the retry budget was exhausted while another
	// write kept winning. The state of the resource is indeterminate.
	ErrRecoveryFailure = errors.New("order-saga: recovery failure")

	ErrCompensationFailure = errors.New("order-saga: compensation failure")
)

// ValidationError reports a failed membership, ownership or request check.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("order-saga: validation failed for %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// RecoveryError is raised by the recovery supervisor once a versioned
// write has used up its attempts.
type RecoveryError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("order-saga: %s gave up after %d attempts, another write is in flight: %v", e.Op, e.Attempts, e.Last)
}

func (e *RecoveryError) Is(target error) bool {
	return target == ErrRecoveryFailure
}

func (e *RecoveryError) Unwrap() error {
	return e.Last
}

// CompensationError is reported when reversing a committed order failed.
// The order may be left visibly inconsistent.
type CompensationError struct {
	OrderID string
	Cause   error // why compensation was started
	Err     error // why compensation failed
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("order-saga: compensation of order %s failed: %v (cause: %v)", e.OrderID, e.Err, e.Cause)
}

func (e *CompensationError) Is(target error) bool {
	return target == ErrCompensationFailure
}

func (e *CompensationError) Unwrap() error {
	return e.Err
}

// IsDomainRejection reports whether err is a business rule rejection that
// must not be retried.
func IsDomainRejection(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrInsufficientBalance)
}
