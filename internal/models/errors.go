package models

import (
	"errors"
	"fmt"
)

// ErrValidation represents a validation error with field and message.
type ErrValidation struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ErrValidation) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

// Common validation errors for models.
var (
	// ErrURLRequired indicates a required URL field is empty.
	ErrURLRequired = errors.New("url is required")

	// ErrSessionRequired indicates a record without a playback session.
	ErrSessionRequired = errors.New("session_id is required")

	// ErrInvalidMethod indicates a request method other than GET or HEAD.
	ErrInvalidMethod = errors.New("invalid method: must be 'GET' or 'HEAD'")
)

func errNegative(field string) error {
	return ErrValidation{Field: field, Message: "must not be negative"}
}
