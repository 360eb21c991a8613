// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("upstream unavailable")
	ErrInternal    = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "accountId")
	Resource string // For not found/conflict (e.g., "job")
	Op       string // Operation that failed (e.g., "monitoring.setup")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Unavailable reports that an external collaborator could not complete the operation.
// The message is shown to clients, so it must not carry raw tool output.
func Unavailable(op, message string) error {
	return &Error{
		Sentinel: ErrUnavailable,
		Message:  message,
		Op:       op,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// ValidationErrors collects every field-level problem found in a request.
type ValidationErrors struct {
	Errors []*Error
}

// Add records a field error.
func (v *ValidationErrors) Add(field, message string) {
	v.Errors = append(v.Errors, &Error{Sentinel: ErrValidation, Message: message, Field: field})
}

// Messages returns the human-readable messages in the order they were added.
func (v *ValidationErrors) Messages() []string {
	msgs := make([]string, len(v.Errors))
	for i, e := range v.Errors {
		msgs[i] = e.Message
	}
	return msgs
}

// Error joins all messages.
func (v *ValidationErrors) Error() string {
	return strings.Join(v.Messages(), "; ")
}

// Unwrap classifies the collection as a validation error.
func (v *ValidationErrors) Unwrap() error {
	return ErrValidation
}

// ErrOrNil returns nil when nothing was recorded, so callers can return it directly.
func (v *ValidationErrors) ErrOrNil() error {
	if v == nil || len(v.Errors) == 0 {
		return nil
	}
	return v
}
