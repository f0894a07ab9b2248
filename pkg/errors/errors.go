package errors

import "errors"

// Sentinels for domain errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrValidation    = errors.New("validation error")
	ErrUnavailable   = errors.New("service unavailable")
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrInvalidTransition marks an illegal state machine transition.
	// It always indicates a programming error and must be logged.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNoCapacity is returned when no slot is free. It is transient.
	ErrNoCapacity = errors.New("no capacity")
)

// Is reports whether err is one of the sentinels.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Wrap adds context to an error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Join(errors.New(message), err)
}
