package model

import (
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "Table not found"}
	want := "NOT_FOUND: Table not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implementsError(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name string
		err  *ErrorEnvelope
		code string
	}{
		{"bad request", NewBadRequestError("bad json"), ErrBadRequest},
		{"unauthorized", NewUnauthorizedError("missing token"), ErrUnauthorized},
		{"forbidden", NewForbiddenError("denied"), ErrForbidden},
		{"not found", NewNotFoundError("gone"), ErrNotFound},
		{"conflict", NewConflictError("reused key"), ErrConflict},
		{"internal", NewInternalError(), ErrInternalError},
		{"store unavailable", NewStoreUnavailableError(), ErrStoreUnavailable},
		{"rate limited", NewRateLimitedError(), ErrRateLimited},
		{"configuration", NewConfigurationError("bulk action %q", "purge"), ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}
			if tt.err.Message == "" {
				t.Error("Message is empty")
			}
		})
	}
}

func TestNewConfigurationError_formatsMessage(t *testing.T) {
	e := NewConfigurationError("bulk action %q has no authorization", "purge")
	want := `bulk action "purge" has no authorization`
	if e.Message != want {
		t.Errorf("Message = %q, want %q", e.Message, want)
	}
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "records", Code: "INVALID_TYPE", Message: "must be an array"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "records" {
		t.Errorf("Details[0].Field = %q, want %q", e.Details[0].Field, "records")
	}
}

func TestAsEnvelope_unwraps(t *testing.T) {
	wrapped := fmt.Errorf("dispatch: %w", NewForbiddenError("denied"))
	ee, ok := AsEnvelope(wrapped)
	if !ok {
		t.Fatal("AsEnvelope() ok = false, want true")
	}
	if ee.Code != ErrForbidden {
		t.Errorf("Code = %q, want %q", ee.Code, ErrForbidden)
	}
	if !IsCode(wrapped, ErrForbidden) {
		t.Error("IsCode(FORBIDDEN) = false, want true")
	}
	if IsCode(fmt.Errorf("plain"), ErrForbidden) {
		t.Error("IsCode on plain error = true, want false")
	}
}
