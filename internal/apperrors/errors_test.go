package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestValidation(t *testing.T) {
	t.Parallel()
	err := Validation("accountId", "accountId must be 12 digits")

	if !errors.Is(err, ErrValidation) {
		t.Error("expected error to match ErrValidation")
	}
	if err.Error() != "accountId must be 12 digits" {
		t.Errorf("unexpected message %q", err.Error())
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Field != "accountId" {
		t.Errorf("expected field 'accountId', got %q", appErr.Field)
	}
}

func TestNotFound(t *testing.T) {
	t.Parallel()
	err := NotFound("job", "abc123")

	if !errors.Is(err, ErrNotFound) {
		t.Error("expected error to match ErrNotFound")
	}
	if err.Error() != "job abc123 not found" {
		t.Errorf("expected message 'job abc123 not found', got %q", err.Error())
	}
}

func TestConflict(t *testing.T) {
	t.Parallel()
	err := Conflict("job", "job is not completed")

	if !errors.Is(err, ErrConflict) {
		t.Error("expected error to match ErrConflict")
	}
	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Resource != "job" {
		t.Errorf("expected resource 'job', got %q", appErr.Resource)
	}
}

func TestInternal(t *testing.T) {
	t.Parallel()
	cause := fmt.Errorf("docker daemon unavailable")
	err := Internal("runner.start", cause)

	if !errors.Is(err, ErrInternal) {
		t.Error("expected error to match ErrInternal")
	}
	if err.Error() != "runner.start: docker daemon unavailable" {
		t.Errorf("unexpected message: %q", err.Error())
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Cause != cause {
		t.Error("expected cause to be preserved")
	}
}

func TestValidationErrors(t *testing.T) {
	t.Parallel()

	var empty ValidationErrors
	if empty.ErrOrNil() != nil {
		t.Error("expected nil for empty collection")
	}

	var v ValidationErrors
	v.Add("accountId", "accountId must be 12 digits")
	v.Add("astraopsConfig.services", "astraopsConfig.services is required")

	err := v.ErrOrNil()
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrValidation) {
		t.Error("expected collection to match ErrValidation")
	}
	msgs := v.Messages()
	if len(msgs) != 2 || msgs[1] != "astraopsConfig.services is required" {
		t.Errorf("unexpected messages: %v", msgs)
	}
	if HTTPStatus(err) != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", HTTPStatus(err))
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"validation", Validation("id", "required"), http.StatusBadRequest},
		{"not found", NotFound("job", "123"), http.StatusNotFound},
		{"conflict", Conflict("job", "busy"), http.StatusConflict},
		{"unavailable", Unavailable("monitoring.setup", "monitoring setup failed"), http.StatusBadGateway},
		{"internal", Internal("op", fmt.Errorf("fail")), http.StatusInternalServerError},
		{"wrapped validation", fmt.Errorf("wrap: %w", Validation("f", "m")), http.StatusBadRequest},
		{"body too large", fmt.Errorf("decode: %w", &http.MaxBytesError{Limit: 1 << 20}), http.StatusRequestEntityTooLarge},
		{"unknown error", fmt.Errorf("unknown"), http.StatusInternalServerError},
		{"nil error", nil, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := HTTPStatus(tt.err)
			if got != tt.expected {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.expected)
			}
		})
	}
}
