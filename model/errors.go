package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest       = "BAD_REQUEST"
	ErrUnauthorized     = "UNAUTHORIZED"
	ErrForbidden        = "FORBIDDEN"
	ErrNotFound         = "NOT_FOUND"
	ErrConflict         = "CONFLICT"
	ErrValidationError  = "VALIDATION_ERROR"
	ErrRateLimited      = "RATE_LIMITED"
	ErrInternalError    = "INTERNAL_ERROR"
	ErrConfiguration    = "CONFIGURATION_ERROR"
	ErrStoreUnavailable = "STORE_UNAVAILABLE"
)

// ErrorEnvelope is the standard error response envelope. It implements the
// error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AsEnvelope unwraps err into an *ErrorEnvelope when one is in its chain.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// IsCode reports whether err carries an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	ee, ok := AsEnvelope(err)
	return ok && ee.Code == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewConfigurationError returns a CONFIGURATION_ERROR. These signal a
// declaration mistake by the table author and are never recovered silently.
func NewConfigurationError(format string, args ...any) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrConfiguration,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewStoreUnavailableError returns a STORE_UNAVAILABLE error.
func NewStoreUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStoreUnavailable,
		Message: "The data store is temporarily unavailable",
	}
}

// NewRateLimitedError returns a RATE_LIMITED error.
func NewRateLimitedError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRateLimited,
		Message: "Rate limit exceeded. Please try again later.",
	}
}
