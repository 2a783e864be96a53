// Package errors defines the error taxonomy shared across the connector.
package errors

import (
	"errors"
	"fmt"
)

// Error types
const (
	// ErrUnauthenticated is returned when the caller has no valid identity
	ErrUnauthenticated = "unauthenticated"

	// ErrForbidden is returned when the caller's grant set does not cover the requested action and resource
	ErrForbidden = "forbidden"

	// ErrMalformedToken is returned when a state or data token fails to decode or is missing required fields
	ErrMalformedToken = "malformed_token"

	// ErrTamperedOrReplayed is returned when a state token decodes but does not match the stored pending record
	ErrTamperedOrReplayed = "tampered_or_replayed"

	// ErrVendorExchange is returned when an authorization-code exchange or token refresh call fails
	ErrVendorExchange = "vendor_exchange_failed"

	// ErrNotImplemented is returned when the integrator has not supplied a required strategy override
	ErrNotImplemented = "not_implemented"

	// ErrProvisionFailed is returned when artifact creation or its build times out or errors
	ErrProvisionFailed = "provision_failed"

	// ErrNotFound is returned when a requested record does not exist
	ErrNotFound = "not_found"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewUnauthenticatedError creates a new unauthenticated error
func NewUnauthenticatedError(message string, cause error) *Error {
	return NewError(ErrUnauthenticated, message, cause)
}

// NewForbiddenError creates a new forbidden error
func NewForbiddenError(message string, cause error) *Error {
	return NewError(ErrForbidden, message, cause)
}

// NewMalformedTokenError creates a new malformed token error
func NewMalformedTokenError(message string, cause error) *Error {
	return NewError(ErrMalformedToken, message, cause)
}

// NewTamperedOrReplayedError creates a new tampered or replayed error
func NewTamperedOrReplayedError(message string, cause error) *Error {
	return NewError(ErrTamperedOrReplayed, message, cause)
}

// NewVendorExchangeError creates a new vendor exchange error
func NewVendorExchangeError(message string, cause error) *Error {
	return NewError(ErrVendorExchange, message, cause)
}

// NewNotImplementedError creates a new not implemented error
func NewNotImplementedError(message string, cause error) *Error {
	return NewError(ErrNotImplemented, message, cause)
}

// NewProvisionFailedError creates a new provision failed error
func NewProvisionFailedError(message string, cause error) *Error {
	return NewError(ErrProvisionFailed, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

func isType(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}

// IsUnauthenticated checks if the error is an unauthenticated error
func IsUnauthenticated(err error) bool {
	return isType(err, ErrUnauthenticated)
}

// IsForbidden checks if the error is a forbidden error
func IsForbidden(err error) bool {
	return isType(err, ErrForbidden)
}

// IsMalformedToken checks if the error is a malformed token error
func IsMalformedToken(err error) bool {
	return isType(err, ErrMalformedToken)
}

// IsTamperedOrReplayed checks if the error is a tampered or replayed error
func IsTamperedOrReplayed(err error) bool {
	return isType(err, ErrTamperedOrReplayed)
}

// IsVendorExchange checks if the error is a vendor exchange error
func IsVendorExchange(err error) bool {
	return isType(err, ErrVendorExchange)
}

// IsNotImplemented checks if the error is a not implemented error
func IsNotImplemented(err error) bool {
	return isType(err, ErrNotImplemented)
}

// IsProvisionFailed checks if the error is a provision failed error
func IsProvisionFailed(err error) bool {
	return isType(err, ErrProvisionFailed)
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return isType(err, ErrNotFound)
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return isType(err, ErrInternal)
}
