package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks client input that cannot be accepted; nothing from the
	// offending entry onward is written.
	ErrValidation = errors.New("validation failed")
	// ErrStorageUnavailable is returned when the entry store cannot be reached.
	// Retrying the whole batch is safe.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// ValidationError names the field that failed validation.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

// Unwrap exposes both ErrValidation and the underlying cause to errors.Is/As.
func (e *ValidationError) Unwrap() []error {
	return []error{ErrValidation, e.Err}
}
