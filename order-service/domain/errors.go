package domain

import "github.com/pkg/errors"

var (
	// ErrValidation marks bad input to a pure operation. Always the
	// caller's fault, never retried.
	ErrValidation = errors.New("validation error")

	// ErrInvalidTransition marks a business-rule violation of the status
	// transition table. Never retried; surfaced to the API caller as a
	// client error.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotFound marks a missing order. Inside a saga step this is a
	// critical inconsistency: an order referenced by an event should
	// always exist by the time the event arrives.
	ErrNotFound = errors.New("service order not found")

	// ErrVersionConflict marks an optimistic-concurrency race. The losing
	// handler fails its whole unit of work and the message is redelivered.
	ErrVersionConflict = errors.New("version conflict")
)

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsInvalidTransition reports whether err is a transition-rule violation.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

// IsNotFound reports whether err is a missing-order error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsVersionConflict reports whether err is an optimistic-locking race.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
