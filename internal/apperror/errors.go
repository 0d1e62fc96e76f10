// Package apperror provides domain-specific error types for PocketLedger.
// These errors carry an HTTP status code and a user-safe message. The Echo
// error handler maps them to appropriate HTTP responses automatically.
//
// NEVER return raw database or infrastructure errors to the client. Always
// wrap them in an apperror type or return a generic internal error.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Machine-readable error classifiers. Handlers and tests switch on these
// instead of comparing messages.
const (
	TypeNotFound           = "not_found"
	TypeBadRequest         = "bad_request"
	TypeUnauthorized       = "unauthorized"
	TypeForbidden          = "forbidden"
	TypeConflict           = "conflict"
	TypeValidation         = "validation_error"
	TypeDuplicateEmail     = "duplicate_email"
	TypeInvalidCredentials = "invalid_credentials"
	TypeAccountLocked      = "account_locked"
	TypeTokenInvalid       = "token_invalid"
	TypeTokenExpired       = "token_expired"
	TypeSessionInvalid     = "session_invalid"
	TypeInternal           = "internal_error"
)

// InvalidCredentialsMessage is shared by every "wrong email" and "wrong
// password" path so responses never reveal which one it was.
const InvalidCredentialsMessage = "invalid email or password"

// AppError is the base error type for all domain errors. It carries an
// HTTP status code, a machine-readable error type, and a human-readable
// message safe to show to the client.
type AppError struct {
	// Code is the HTTP status code (e.g., 404, 400, 500).
	Code int `json:"-"`

	// Type is a machine-readable error classifier (e.g., "not_found").
	Type string `json:"type"`

	// Message is a human-readable description safe for the client.
	Message string `json:"message"`

	// Fields holds per-field validation messages for validation errors.
	Fields map[string]string `json:"fields,omitempty"`

	// RetryAfter is set on account lockouts: how long until login is allowed.
	RetryAfter time.Duration `json:"-"`

	// Internal holds the underlying error for logging. Never exposed to client.
	Internal error `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s (internal: %v)", e.Type, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AppError) Unwrap() error {
	return e.Internal
}

// RetryAfterSeconds returns the lockout remainder rounded up to whole seconds.
func (e *AppError) RetryAfterSeconds() int64 {
	if e.RetryAfter <= 0 {
		return 0
	}
	secs := int64(e.RetryAfter / time.Second)
	if e.RetryAfter%time.Second != 0 {
		secs++
	}
	return secs
}

// --- Constructors for common error types ---

// NewNotFound creates a 404 Not Found error.
func NewNotFound(message string) *AppError {
	return &AppError{
		Code:    http.StatusNotFound,
		Type:    TypeNotFound,
		Message: message,
	}
}

// NewBadRequest creates a 400 Bad Request error.
func NewBadRequest(message string) *AppError {
	return &AppError{
		Code:    http.StatusBadRequest,
		Type:    TypeBadRequest,
		Message: message,
	}
}

// NewUnauthorized creates a 401 Unauthorized error.
func NewUnauthorized(message string) *AppError {
	return &AppError{
		Code:    http.StatusUnauthorized,
		Type:    TypeUnauthorized,
		Message: message,
	}
}

// NewForbidden creates a 403 Forbidden error.
func NewForbidden(message string) *AppError {
	return &AppError{
		Code:    http.StatusForbidden,
		Type:    TypeForbidden,
		Message: message,
	}
}

// NewConflict creates a 409 Conflict error.
func NewConflict(message string) *AppError {
	return &AppError{
		Code:    http.StatusConflict,
		Type:    TypeConflict,
		Message: message,
	}
}

// NewValidation creates a 422 Unprocessable Entity error for validation failures.
func NewValidation(message string) *AppError {
	return &AppError{
		Code:    http.StatusUnprocessableEntity,
		Type:    TypeValidation,
		Message: message,
	}
}

// NewFieldValidation creates a validation error carrying per-field detail.
func NewFieldValidation(fields map[string]string) *AppError {
	e := NewValidation("invalid input")
	e.Fields = fields
	return e
}

// --- Auth taxonomy ---

// NewDuplicateEmail is returned when registration hits an existing email.
func NewDuplicateEmail() *AppError {
	return &AppError{
		Code:    http.StatusConflict,
		Type:    TypeDuplicateEmail,
		Message: "an account with this email already exists",
	}
}

// NewInvalidCredentials is returned for an unknown email and a wrong password
// alike. The message never varies.
func NewInvalidCredentials() *AppError {
	return &AppError{
		Code:    http.StatusUnauthorized,
		Type:    TypeInvalidCredentials,
		Message: InvalidCredentialsMessage,
	}
}

// NewAccountLocked is returned while an account is in its lockout window.
func NewAccountLocked(retryAfter time.Duration) *AppError {
	return &AppError{
		Code:       http.StatusLocked,
		Type:       TypeAccountLocked,
		Message:    "account temporarily locked, try again later",
		RetryAfter: retryAfter,
	}
}

// NewTokenInvalid covers bad signatures, malformed tokens and unknown or
// already-used single-use tokens.
func NewTokenInvalid(message string) *AppError {
	return &AppError{
		Code:    http.StatusUnauthorized,
		Type:    TypeTokenInvalid,
		Message: message,
	}
}

// NewTokenExpired is kept distinct from NewTokenInvalid so refresh flows can
// react differently.
func NewTokenExpired(message string) *AppError {
	return &AppError{
		Code:    http.StatusUnauthorized,
		Type:    TypeTokenExpired,
		Message: message,
	}
}

// NewSessionInvalid covers revoked, expired and missing sessions.
func NewSessionInvalid() *AppError {
	return &AppError{
		Code:    http.StatusUnauthorized,
		Type:    TypeSessionInvalid,
		Message: "session expired or invalid",
	}
}

// errMissingContext is the shared internal error for nil precondition checks.
var errMissingContext = errors.New("missing required context")

// NewMissingContext creates a 500 error for handler nil-context guards
// (e.g. authenticated user not set, dependency not wired). Provides a
// meaningful Internal error for logging instead of nil.
func NewMissingContext() *AppError {
	return NewInternal(errMissingContext)
}

// NewInternal creates a 500 Internal Server Error. The real error is stored
// in Internal for logging but the client only sees a generic message.
func NewInternal(err error) *AppError {
	return &AppError{
		Code:     http.StatusInternalServerError,
		Type:     TypeInternal,
		Message:  "An unexpected error occurred. Please try again.",
		Internal: err,
	}
}

// NewStore wraps a persistence failure. It is an internal error: the detail
// stays in Internal and is only ever logged.
func NewStore(err error) *AppError {
	return NewInternal(err)
}

// Is reports whether err is an AppError of the given type.
func Is(err error, typ string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == typ
	}
	return false
}

// As returns the AppError in err's chain, or nil.
func As(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// SafeMessage returns the client-safe error message from an error. If the
// error is an AppError, returns its Message field (which is safe to expose).
// For any other error type, returns a generic message to prevent leaking
// internal details like table names, query structure, or stack traces.
func SafeMessage(err error) string {
	if appErr := As(err); appErr != nil {
		return appErr.Message
	}
	return "an unexpected error occurred"
}

// SafeCode returns the HTTP status code from an AppError, or 500 for
// any other error type.
func SafeCode(err error) int {
	if appErr := As(err); appErr != nil {
		return appErr.Code
	}
	return http.StatusInternalServerError
}
