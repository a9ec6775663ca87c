// Package errors provides error handling functionality for the chatrelay service.
// It defines error categories, error codes, and the conversion to wire-level
// error envelopes.
package errors

import (
	"fmt"

	"github.com/real-rm/chatrelay/internal/envelope"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryAuth represents handshake-time authentication errors
	CategoryAuth ErrorCategory = "auth"
	// CategoryValidation represents per-message validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryService represents collaborator errors (storage, session store)
	CategoryService ErrorCategory = "service"
	// CategoryRateLimit represents rate limiting errors
	CategoryRateLimit ErrorCategory = "rate_limit"
)

// ErrorCode represents specific error codes
type ErrorCode string

const (
	// Handshake errors; fatal to the connection attempt, no retry
	ErrCodeUnauthenticated  ErrorCode = "UNAUTHENTICATED"
	ErrCodeInvalidSession   ErrorCode = "INVALID_SESSION"
	ErrCodeMalformedSession ErrorCode = "MALFORMED_SESSION"

	// Per-message errors; the connection stays open
	ErrCodeMalformedEnvelope ErrorCode = "MALFORMED_ENVELOPE"
	ErrCodeInvalidMessage    ErrorCode = "INVALID_MESSAGE"

	// Collaborator errors
	ErrCodePersistenceFailure ErrorCode = "PERSISTENCE_FAILURE"
	ErrCodeSessionStoreError  ErrorCode = "SESSION_STORE_ERROR"

	// Rate limiting
	ErrCodeTooManyRequests ErrorCode = "TOO_MANY_REQUESTS"
)

// RelayError represents an application error with category and
// recoverability information. Fatal errors close the connection; recoverable
// errors are reported on the wire and the connection stays open.
type RelayError struct {
	Category    ErrorCategory
	Code        ErrorCode
	Message     string
	Recoverable bool
	CloseCode   int // WebSocket close code for fatal handshake errors
	Cause       error
}

// Error implements the error interface
func (e *RelayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *RelayError) Unwrap() error {
	return e.Cause
}

// IsFatal returns true if the error requires connection closure
func (e *RelayError) IsFatal() bool {
	return !e.Recoverable
}

// ToEnvelope converts a RelayError to a wire-level error envelope
func (e *RelayError) ToEnvelope() *envelope.ErrorEvent {
	return &envelope.ErrorEvent{
		Type:    envelope.TypeError,
		Code:    string(e.Code),
		Message: e.Message,
	}
}

// NewAuthError creates a handshake-time error (fatal to the connection attempt)
func NewAuthError(code ErrorCode, message string, closeCode int, cause error) *RelayError {
	return &RelayError{
		Category:    CategoryAuth,
		Code:        code,
		Message:     message,
		Recoverable: false,
		CloseCode:   closeCode,
		Cause:       cause,
	}
}

// NewValidationError creates a per-message validation error (recoverable)
func NewValidationError(code ErrorCode, message string, cause error) *RelayError {
	return &RelayError{
		Category:    CategoryValidation,
		Code:        code,
		Message:     message,
		Recoverable: true,
		Cause:       cause,
	}
}

// NewServiceError creates a collaborator error (recoverable at the
// connection level; the triggering message is dropped)
func NewServiceError(code ErrorCode, message string, cause error) *RelayError {
	return &RelayError{
		Category:    CategoryService,
		Code:        code,
		Message:     message,
		Recoverable: true,
		Cause:       cause,
	}
}

// NewRateLimitError creates a rate limit error (recoverable)
func NewRateLimitError(message string, cause error) *RelayError {
	return &RelayError{
		Category:    CategoryRateLimit,
		Code:        ErrCodeTooManyRequests,
		Message:     message,
		Recoverable: true,
		Cause:       cause,
	}
}

// Common error constructors for convenience

// ErrUnauthenticated creates an error for a handshake without a session token
func ErrUnauthenticated() *RelayError {
	return NewAuthError(ErrCodeUnauthenticated, "No session token in handshake", 4001, nil)
}

// ErrInvalidSession creates an error for a token that does not resolve
func ErrInvalidSession(cause error) *RelayError {
	return NewAuthError(ErrCodeInvalidSession, "Session token did not resolve", 4002, cause)
}

// ErrMalformedSession creates an error for a session object without an identity
func ErrMalformedSession(cause error) *RelayError {
	return NewAuthError(ErrCodeMalformedSession, "Session is missing an identity", 4003, cause)
}

// ErrMalformedEnvelope creates an error for an unparseable or unknown envelope
func ErrMalformedEnvelope(details string, cause error) *RelayError {
	return NewValidationError(ErrCodeMalformedEnvelope,
		fmt.Sprintf("Malformed envelope: %s", details), cause)
}

// ErrInvalidMessage creates an error for a well-formed but invalid message
func ErrInvalidMessage(details string) *RelayError {
	return NewValidationError(ErrCodeInvalidMessage,
		fmt.Sprintf("Invalid message: %s", details), nil)
}

// ErrPersistenceFailure creates an error for a failed message persist.
// The message is dropped and never delivered to anyone.
func ErrPersistenceFailure(cause error) *RelayError {
	return NewServiceError(ErrCodePersistenceFailure, "Message could not be persisted", cause)
}

// ErrTooManyRequests creates a rate limit error
func ErrTooManyRequests() *RelayError {
	return NewRateLimitError("Too many messages, please slow down", nil)
}
